// Package access guards mutating operations behind the shared class password.
package access

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrDenied indicates a missing or wrong credential.
	ErrDenied = errors.New("access: credential rejected")
	// ErrMisconfigured indicates no class password is configured. The gate
	// fails closed in that state.
	ErrMisconfigured = errors.New("access: class password not configured")
)

// Gate compares credentials against the configured class password.
type Gate struct {
	secret []byte
	tokens *TokenIssuer
}

// NewGate constructs a Gate. An empty secret is accepted; every check then
// reports ErrMisconfigured. tokens may be nil when token login is disabled.
func NewGate(secret string, tokens *TokenIssuer) *Gate {
	return &Gate{secret: []byte(secret), tokens: tokens}
}

// Configured reports whether a class password is set.
func (g *Gate) Configured() bool {
	return g != nil && len(g.secret) > 0
}

// Check verifies candidate against the class password by exact, constant-time
// comparison.
func (g *Gate) Check(candidate string) error {
	if !g.Configured() {
		return ErrMisconfigured
	}
	if candidate == "" {
		return ErrDenied
	}
	if subtle.ConstantTimeCompare([]byte(candidate), g.secret) != 1 {
		return ErrDenied
	}
	return nil
}

// Authorize accepts either the class password or a class-access token issued
// for the current password.
func (g *Gate) Authorize(credential Credential) error {
	if !g.Configured() {
		return ErrMisconfigured
	}
	if credential.Token != "" && g.tokens != nil {
		if err := g.tokens.Validate(credential.Token, g.secret); err == nil {
			return nil
		}
		if credential.Password == "" {
			return ErrDenied
		}
	}
	return g.Check(credential.Password)
}

// IssueToken exchanges a correct password for a class-access token. The
// returned token is empty when token login is disabled.
func (g *Gate) IssueToken(password string) (Token, error) {
	if err := g.Check(password); err != nil {
		return Token{}, err
	}
	if g.tokens == nil {
		return Token{}, nil
	}
	return g.tokens.Issue(g.secret)
}

// Credential is what a caller presents with a mutating request.
type Credential struct {
	Password string
	Token    string
}

// PasswordCredential wraps a bare password.
func PasswordCredential(password string) Credential {
	return Credential{Password: password}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(trimmed[len(prefix):])
}

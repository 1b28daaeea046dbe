package access

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zeebo/blake3"
)

const (
	defaultTokenTTL = 12 * time.Hour
	defaultIssuer   = "classbook"
	defaultAudience = "classbook-api"
	tokenSubject    = "class-member"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errStalePassword        = errors.New("token was issued for a previous class password")
)

// TokenIssuerConfig configures the class-access token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues HS256 tokens after a successful password check.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// Token is an issued class-access token.
type Token struct {
	Value     string
	ExpiresIn int64
}

type classClaims struct {
	// PasswordTag binds the token to the password it was issued for, so
	// rotating the class password revokes outstanding tokens.
	PasswordTag string `json:"pwd"`
	jwt.RegisteredClaims
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultAudience
	}
	return &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// Issue signs a token bound to password.
func (i *TokenIssuer) Issue(password []byte) (Token, error) {
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := classClaims{
		PasswordTag: passwordTag(password),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresIn: int64(expiresAt.Sub(now).Seconds())}, nil
}

// Validate checks signature, audience, issuer, expiry and the password binding.
func (i *TokenIssuer) Validate(tokenString string, password []byte) error {
	claims := &classClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return err
	}
	if claims.PasswordTag != passwordTag(password) {
		return errStalePassword
	}
	return nil
}

func passwordTag(password []byte) string {
	sum := blake3.Sum256(password)
	return hex.EncodeToString(sum[:8])
}

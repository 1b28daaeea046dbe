package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
)

const defaultBranch = "main"

var (
	errMissingOwner = errors.New("filestore: repository owner is required")
	errMissingRepo  = errors.New("filestore: repository name is required")
)

// GitHubConfig identifies the repository used as the file host.
type GitHubConfig struct {
	Owner      string
	Repo       string
	Branch     string
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// GitHubStore stores files in a GitHub repository through the contents API.
// Version tokens are blob SHAs.
type GitHubStore struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// NewGitHubStore constructs a store for the configured repository.
func NewGitHubStore(cfg GitHubConfig) (*GitHubStore, error) {
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		return nil, errMissingOwner
	}
	repo := strings.TrimSpace(cfg.Repo)
	if repo == "" {
		return nil, errMissingRepo
	}
	branch := strings.TrimSpace(cfg.Branch)
	if branch == "" {
		branch = defaultBranch
	}

	client := github.NewClient(cfg.HTTPClient)
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client = client.WithAuthToken(token)
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("filestore: parse base url: %w", err)
		}
		client.BaseURL = parsed
	}

	return &GitHubStore{
		client: client,
		owner:  owner,
		repo:   repo,
		branch: branch,
	}, nil
}

// Owner returns the repository owner.
func (s *GitHubStore) Owner() string { return s.owner }

// Repo returns the repository name.
func (s *GitHubStore) Repo() string { return s.repo }

// Branch returns the branch every operation targets.
func (s *GitHubStore) Branch() string { return s.branch }

// Read fetches the file at path on the configured branch.
func (s *GitHubStore) Read(ctx context.Context, path string) (File, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return File{}, err
	}
	fileContent, _, response, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, cleaned,
		&github.RepositoryContentGetOptions{Ref: s.branch})
	if err != nil {
		return File{}, translateGitHubError("read", cleaned, Absent, response, err)
	}
	if fileContent == nil {
		return File{}, fmt.Errorf("read %s: %w: path is a directory", cleaned, ErrNotFound)
	}

	content, err := s.decodeContent(ctx, fileContent)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", cleaned, err)
	}
	return File{
		Path:    cleaned,
		Content: content,
		Version: Version(fileContent.GetSHA()),
	}, nil
}

// Write creates or replaces the file at path as a single commit.
func (s *GitHubStore) Write(ctx context.Context, path string, content []byte, version Version, message string) (Version, error) {
	cleaned, err := CleanPath(path)
	if err != nil {
		return Absent, err
	}
	options := &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage(message, "update", cleaned)),
		Content: content,
		Branch:  github.String(s.branch),
	}

	var (
		result   *github.RepositoryContentResponse
		response *github.Response
	)
	if version.IsAbsent() {
		result, response, err = s.client.Repositories.CreateFile(ctx, s.owner, s.repo, cleaned, options)
	} else {
		options.SHA = github.String(version.String())
		result, response, err = s.client.Repositories.UpdateFile(ctx, s.owner, s.repo, cleaned, options)
	}
	if err != nil {
		return Absent, translateGitHubError("write", cleaned, version, response, err)
	}
	if result == nil || result.Content == nil || result.Content.GetSHA() == "" {
		return Absent, fmt.Errorf("write %s: response carried no content sha", cleaned)
	}
	return Version(result.Content.GetSHA()), nil
}

// Delete removes the file at path as a single commit.
func (s *GitHubStore) Delete(ctx context.Context, path string, version Version, message string) error {
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	if version.IsAbsent() {
		return &ConflictError{Path: cleaned, Expected: Absent}
	}
	options := &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage(message, "delete", cleaned)),
		SHA:     github.String(version.String()),
		Branch:  github.String(s.branch),
	}
	_, response, err := s.client.Repositories.DeleteFile(ctx, s.owner, s.repo, cleaned, options)
	if err != nil {
		return translateGitHubError("delete", cleaned, version, response, err)
	}
	return nil
}

// decodeContent returns the raw bytes of a file. The contents API inlines
// files up to 1 MB; larger blobs are fetched through the git data API.
func (s *GitHubStore) decodeContent(ctx context.Context, fileContent *github.RepositoryContent) ([]byte, error) {
	if fileContent.GetEncoding() == "none" || (fileContent.Content == nil && fileContent.GetSize() > 0) {
		blob, response, err := s.client.Git.GetBlobRaw(ctx, s.owner, s.repo, fileContent.GetSHA())
		if err != nil {
			return nil, translateGitHubError("read blob", fileContent.GetPath(), Absent, response, err)
		}
		return blob, nil
	}
	decoded, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return []byte(decoded), nil
}

func translateGitHubError(operation, path string, expected Version, response *github.Response, err error) error {
	status := 0
	if response != nil && response.Response != nil {
		status = response.StatusCode
	}
	switch status {
	case http.StatusNotFound:
		if operation == "write" && !expected.IsAbsent() {
			return fmt.Errorf("%s %s: %w", operation, path, &ConflictError{Path: path, Expected: expected})
		}
		return fmt.Errorf("%s %s: %w", operation, path, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %w", operation, path, &ConflictError{Path: path, Expected: expected})
	case http.StatusUnprocessableEntity:
		if operation == "write" && expected.IsAbsent() {
			return fmt.Errorf("%s %s: %w", operation, path, &ConflictError{Path: path, Expected: expected})
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s %s: %w: %v", operation, path, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s %s: %w", operation, path, err)
}

func commitMessage(message, verb, path string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("%s %s", verb, path)
}

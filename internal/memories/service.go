// Package memories manages the class photo gallery.
package memories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/reconcile"
	"go.uber.org/zap"
)

const (
	// CollectionPath is the gallery document in the store.
	CollectionPath = "data/memories.json"
	// ObjectPrefix is where gallery images are uploaded.
	ObjectPrefix = "img/memories"

	collectionName = "memories"
	dateLayout     = "2006-01-02"
	maxTitleLength = 200
)

var (
	errMissingStore    = errors.New("file store is required")
	errMissingUploader = errors.New("object uploader is required")
	errMissingGate     = errors.New("access gate is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "memories.service.new"
	opAdd        = "memories.add"
	opList       = "memories.list"
	opUpdate     = "memories.update"
	opDelete     = "memories.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Entry is one gallery photo. Path is both the key and the object location.
type Entry struct {
	Title string `json:"title"`
	Date  string `json:"date"`
	URL   string `json:"url"`
	Path  string `json:"path"`
}

type ServiceConfig struct {
	Store    filestore.Store
	Uploader *objects.Uploader
	Gate     *access.Gate
	Clock    func() time.Time
	Recorder reconcile.Recorder
	Logger   *zap.Logger
}

type Service struct {
	repository  *metadata.Repository[Entry]
	uploader    *objects.Uploader
	gate        *access.Gate
	compensator *reconcile.Compensator
	clock       func() time.Time
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Uploader == nil {
		return nil, newServiceError(opServiceNew, "missing_uploader", errMissingUploader)
	}
	if cfg.Gate == nil {
		return nil, newServiceError(opServiceNew, "missing_gate", errMissingGate)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	repository, err := metadata.NewRepository(metadata.Config[Entry]{
		Store:  cfg.Store,
		Path:   CollectionPath,
		Key:    func(entry Entry) string { return entry.Path },
		Logger: logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "repository_failed", err)
	}

	compensator, err := reconcile.NewCompensator(collectionName, cfg.Uploader, cfg.Recorder, logger)
	if err != nil {
		return nil, newServiceError(opServiceNew, "compensator_failed", err)
	}

	return &Service{
		repository:  repository,
		uploader:    cfg.Uploader,
		gate:        cfg.Gate,
		compensator: compensator,
		clock:       clock,
		logger:      logger,
	}, nil
}

type AddRequest struct {
	Title      string
	Date       string
	FileName   string
	Content    []byte
	Credential access.Credential
}

// Add uploads the photo and prepends its entry to the gallery.
func (s *Service) Add(ctx context.Context, request AddRequest) (Entry, error) {
	if err := s.authorize(opAdd, request.Credential); err != nil {
		return Entry{}, err
	}

	title, date, err := validateTitleAndDate(request.Title, request.Date)
	if err != nil {
		return Entry{}, newServiceError(opAdd, "invalid_input", err)
	}
	if strings.TrimSpace(request.FileName) == "" {
		return Entry{}, newServiceError(opAdd, "invalid_input", failure.Invalid("filename", "file name is required"))
	}

	stored, err := s.uploader.Upload(ctx, objects.Upload{
		Path:        objects.ObjectPath(ObjectPrefix, request.FileName, s.clock()),
		Content:     request.Content,
		Description: fmt.Sprintf("Upload ảnh: %s", title),
	}, objects.ImagePolicy)
	if err != nil {
		var validation *failure.ValidationError
		if errors.As(err, &validation) {
			return Entry{}, newServiceError(opAdd, "invalid_input", err)
		}
		s.logError(opAdd, "upload_failed", err, zap.String("file_name", request.FileName))
		return Entry{}, newServiceError(opAdd, "upload_failed", err)
	}

	entry := Entry{Title: title, Date: date, URL: stored.URL, Path: stored.Path}
	message := fmt.Sprintf("Add memory: %s", stored.Path)
	if _, err := s.repository.Mutate(ctx, message, s.repository.Prepend(entry)); err != nil {
		s.logError(opAdd, "metadata_write_failed", err, zap.String("path", stored.Path))
		committed := func(ctx context.Context) (bool, error) { return s.repository.Contains(ctx, stored.Path) }
		if partial := s.compensator.AbandonUpload(ctx, opAdd, stored.Path, err, committed); partial != nil {
			return Entry{}, newServiceError(opAdd, "metadata_write_failed", partial)
		}
	}
	return entry, nil
}

// List returns one page of the gallery, newest first.
func (s *Service) List(ctx context.Context, page metadata.Page) (metadata.Listing[Entry], error) {
	snapshot, err := s.repository.LoadAll(ctx)
	if err != nil {
		s.logError(opList, "load_failed", err)
		return metadata.Listing[Entry]{}, newServiceError(opList, "load_failed", err)
	}
	listing, err := metadata.Paginate(snapshot.Entries, page)
	if err != nil {
		return metadata.Listing[Entry]{}, newServiceError(opList, "invalid_input", err)
	}
	return listing, nil
}

type UpdateRequest struct {
	Path       string
	Title      string
	Date       string
	Credential access.Credential
}

// Update replaces the title and date of the entry at Path.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (Entry, error) {
	if err := s.authorize(opUpdate, request.Credential); err != nil {
		return Entry{}, err
	}
	path := strings.TrimSpace(request.Path)
	if path == "" {
		return Entry{}, newServiceError(opUpdate, "invalid_input", failure.Invalid("path", "path is required"))
	}
	title, date, err := validateTitleAndDate(request.Title, request.Date)
	if err != nil {
		return Entry{}, newServiceError(opUpdate, "invalid_input", err)
	}

	var updated Entry
	transform := s.repository.UpdateByKey(path, func(entry Entry) Entry {
		entry.Title = title
		entry.Date = date
		updated = entry
		return entry
	})
	if _, err := s.repository.Mutate(ctx, fmt.Sprintf("Update metadata: %s", path), transform); err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return Entry{}, newServiceError(opUpdate, "not_found", err)
		}
		s.logError(opUpdate, "metadata_write_failed", err, zap.String("path", path))
		return Entry{}, newServiceError(opUpdate, "metadata_write_failed", err)
	}
	return updated, nil
}

// Delete removes the entry at path, then makes a best-effort attempt to
// remove its image.
func (s *Service) Delete(ctx context.Context, path string, credential access.Credential) (metadata.DeleteOutcome, error) {
	if err := s.authorize(opDelete, credential); err != nil {
		return metadata.DeleteOutcome{}, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return metadata.DeleteOutcome{}, newServiceError(opDelete, "invalid_input", failure.Invalid("path", "path is required"))
	}

	var removed Entry
	if _, err := s.repository.Mutate(ctx, fmt.Sprintf("Delete memory: %s", path), s.repository.RemoveByKey(path, &removed)); err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return metadata.DeleteOutcome{}, newServiceError(opDelete, "not_found", err)
		}
		s.logError(opDelete, "metadata_write_failed", err, zap.String("path", path))
		return metadata.DeleteOutcome{}, newServiceError(opDelete, "metadata_write_failed", err)
	}

	outcome := metadata.DeleteOutcome{Key: path, ObjectPath: removed.Path}
	objectPath, inside := objects.Within(removed.Path, ObjectPrefix)
	if !inside {
		s.logger.Warn("gallery entry points outside the image folder",
			zap.String("operation", opDelete),
			zap.String("path", removed.Path))
	}
	outcome.ObjectRemoved, outcome.ObjectErr = s.compensator.ReleaseObject(ctx, opDelete, objectPath, fmt.Sprintf("Xóa ảnh %s", removed.Path))
	return outcome, nil
}

// References reports whether a gallery entry points at objectPath.
func (s *Service) References(ctx context.Context, objectPath string) (bool, error) {
	return s.repository.Contains(ctx, objectPath)
}

func (s *Service) authorize(operation string, credential access.Credential) error {
	err := s.gate.Authorize(credential)
	if err == nil {
		return nil
	}
	if errors.Is(err, access.ErrMisconfigured) {
		s.logError(operation, "misconfigured", err)
		return newServiceError(operation, "misconfigured", err)
	}
	return newServiceError(operation, "unauthorized", err)
}

func validateTitleAndDate(rawTitle, rawDate string) (string, string, error) {
	title := strings.TrimSpace(rawTitle)
	if title == "" {
		return "", "", failure.Invalid("title", "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", "", failure.Invalid("title", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	date := strings.TrimSpace(rawDate)
	if date == "" {
		return "", "", failure.Invalid("date", "date is required")
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", "", failure.Invalid("date", "date must be formatted as YYYY-MM-DD")
	}
	return title, date, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("memories service error", attrs...)
}

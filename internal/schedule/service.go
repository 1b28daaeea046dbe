// Package schedule manages the class timetable (TKB) library.
package schedule

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
	CollectionPath = "data/tkb.json"
	ObjectPrefix   = "data/tkb"

	collectionName = "tkb"
	idPrefix       = "tkb_"
	maxClassLength = 32
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
	opServiceNew = "tkb.service.new"
	opAdd        = "tkb.add"
	opList       = "tkb.list"
	opDelete     = "tkb.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Entry is one uploaded timetable.
type Entry struct {
	ID         string `json:"id"`
	Class      string `json:"class"`
	TkbNumber  int    `json:"tkbNumber"`
	FileName   string `json:"fileName"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	UploadedAt string `json:"uploadedAt"`
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
		Key:    func(entry Entry) string { return entry.ID },
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
	Class      string
	TkbNumber  int
	FileName   string
	Content    []byte
	Credential access.Credential
}

// Add uploads the timetable document and appends its entry.
func (s *Service) Add(ctx context.Context, request AddRequest) (Entry, error) {
	if err := s.authorize(opAdd, request.Credential); err != nil {
		return Entry{}, err
	}

	class := strings.TrimSpace(request.Class)
	if class == "" {
		return Entry{}, newServiceError(opAdd, "invalid_input", failure.Invalid("class", "class is required"))
	}
	if utf8.RuneCountInString(class) > maxClassLength {
		return Entry{}, newServiceError(opAdd, "invalid_input", failure.Invalid("class", fmt.Sprintf("class must be at most %d characters", maxClassLength)))
	}
	if request.TkbNumber <= 0 {
		return Entry{}, newServiceError(opAdd, "invalid_input", failure.Invalid("tkbNumber", "tkbNumber must be a positive number"))
	}
	fileName := strings.TrimSpace(request.FileName)
	if fileName == "" {
		return Entry{}, newServiceError(opAdd, "invalid_input", failure.Invalid("fileName", "file name is required"))
	}

	now := s.clock().UTC()
	id := fmt.Sprintf("%s%d", idPrefix, now.UnixMilli())
	stored, err := s.uploader.Upload(ctx, objects.Upload{
		Path:        objects.StemPath(ObjectPrefix, id, objects.Extension(fileName, "bin")),
		Content:     request.Content,
		Description: fmt.Sprintf("Upload TKB số %d - Lớp %s", request.TkbNumber, class),
	}, objects.DocumentPolicy)
	if err != nil {
		var validation *failure.ValidationError
		if errors.As(err, &validation) {
			return Entry{}, newServiceError(opAdd, "invalid_input", err)
		}
		s.logError(opAdd, "upload_failed", err, zap.String("id", id))
		return Entry{}, newServiceError(opAdd, "upload_failed", err)
	}

	entry := Entry{
		ID:         id,
		Class:      class,
		TkbNumber:  request.TkbNumber,
		FileName:   fileName,
		Type:       objects.Category(stored.ContentType),
		URL:        stored.URL,
		UploadedAt: now.Format(time.RFC3339),
	}
	message := fmt.Sprintf("Update TKB metadata for TKB số %d - Lớp %s", request.TkbNumber, class)
	if _, err := s.repository.Mutate(ctx, message, s.repository.Append(entry)); err != nil {
		s.logError(opAdd, "metadata_write_failed", err, zap.String("id", id))
		committed := func(ctx context.Context) (bool, error) { return s.repository.Contains(ctx, id) }
		if partial := s.compensator.AbandonUpload(ctx, opAdd, stored.Path, err, committed); partial != nil {
			return Entry{}, newServiceError(opAdd, "metadata_write_failed", partial)
		}
	}
	return entry, nil
}

// List returns one page of timetables in upload order.
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

// Delete removes the entry with id and then its companion file under
// data/tkb, best effort.
func (s *Service) Delete(ctx context.Context, id string, credential access.Credential) (metadata.DeleteOutcome, error) {
	if err := s.authorize(opDelete, credential); err != nil {
		return metadata.DeleteOutcome{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return metadata.DeleteOutcome{}, newServiceError(opDelete, "invalid_input", failure.Invalid("id", "id is required"))
	}

	var removed Entry
	message := fmt.Sprintf("Delete TKB file: %s", id)
	if _, err := s.repository.Mutate(ctx, message, s.repository.RemoveByKey(id, &removed)); err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return metadata.DeleteOutcome{}, newServiceError(opDelete, "not_found", err)
		}
		s.logError(opDelete, "metadata_write_failed", err, zap.String("id", id))
		return metadata.DeleteOutcome{}, newServiceError(opDelete, "metadata_write_failed", err)
	}

	outcome := metadata.DeleteOutcome{Key: id}
	outcome.ObjectPath, _ = s.uploader.PathUnder(removed.URL, ObjectPrefix)
	outcome.ObjectRemoved, outcome.ObjectErr = s.compensator.ReleaseObject(ctx, opDelete, outcome.ObjectPath, "Delete TKB file")
	return outcome, nil
}

// References reports whether a timetable URL resolves to objectPath.
func (s *Service) References(ctx context.Context, objectPath string) (bool, error) {
	snapshot, err := s.repository.LoadAll(ctx)
	if err != nil {
		return false, err
	}
	for _, entry := range snapshot.Entries {
		if path, ok := s.uploader.PathUnder(entry.URL, ObjectPrefix); ok && path == objectPath {
			return true, nil
		}
	}
	return false, nil
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

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("tkb service error", attrs...)
}

// Package scores manages the score-sheet and survey score-sheet libraries.
// Both collections share one Service type and differ only in where their
// document and objects live.
package scores

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/reconcile"
	"go.uber.org/zap"
)

const (
	ScoresCollectionPath       = "data/scores.json"
	ScoresObjectPrefix         = "data/scores"
	SurveyScoresCollectionPath = "data/survey-scores.json"
	SurveyScoresObjectPrefix   = "data/scores/survey"
)

var (
	errMissingStore    = errors.New("file store is required")
	errMissingUploader = errors.New("object uploader is required")
	errMissingGate     = errors.New("access gate is required")
	noOpLogger         = zap.NewNop()

	yearPattern = regexp.MustCompile(`^\d{4}(-\d{4})?$`)
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ScoreType identifies the exam a sheet belongs to.
type ScoreType string

const (
	ScoreTypeMid1   ScoreType = "mid1"
	ScoreTypeFinal1 ScoreType = "final1"
	ScoreTypeMid2   ScoreType = "mid2"
	ScoreTypeFinal2 ScoreType = "final2"
)

var scoreTypeLabels = map[ScoreType]string{
	ScoreTypeMid1:   "Giữa HK1",
	ScoreTypeFinal1: "Cuối HK1",
	ScoreTypeMid2:   "Giữa HK2",
	ScoreTypeFinal2: "Cuối HK2",
}

// Label returns the display text shown next to the sheet.
func (t ScoreType) Label() (string, bool) {
	label, ok := scoreTypeLabels[t]
	return label, ok
}

// Entry is one uploaded score sheet.
type Entry struct {
	ID            string    `json:"id"`
	Year          string    `json:"year"`
	Semester      string    `json:"semester"`
	ScoreType     ScoreType `json:"scoreType"`
	ScoreTypeText string    `json:"scoreTypeText"`
	FileName      string    `json:"fileName"`
	URL           string    `json:"url"`
	UploadedAt    string    `json:"uploadedAt"`
}

type ServiceConfig struct {
	Store    filestore.Store
	Uploader *objects.Uploader
	Gate     *access.Gate
	Clock    func() time.Time
	Recorder reconcile.Recorder
	Logger   *zap.Logger
}

type collectionLayout struct {
	name           string
	documentPath   string
	objectPrefix   string
	uploadMessage  string
	addMessage     string
	deleteMessage  string
	objectDeletion string
}

var (
	scoresLayout = collectionLayout{
		name:           "scores",
		documentPath:   ScoresCollectionPath,
		objectPrefix:   ScoresObjectPrefix,
		uploadMessage:  "Upload scores: %s",
		addMessage:     "Update scores metadata",
		deleteMessage:  "Delete score entry",
		objectDeletion: "Delete score file: %s",
	}
	surveyScoresLayout = collectionLayout{
		name:           "survey_scores",
		documentPath:   SurveyScoresCollectionPath,
		objectPrefix:   SurveyScoresObjectPrefix,
		uploadMessage:  "Upload survey scores: %s",
		addMessage:     "Update survey scores metadata",
		deleteMessage:  "Delete survey score entry",
		objectDeletion: "Delete survey score file: %s",
	}
)

type Service struct {
	layout      collectionLayout
	repository  *metadata.Repository[Entry]
	uploader    *objects.Uploader
	gate        *access.Gate
	compensator *reconcile.Compensator
	clock       func() time.Time
	logger      *zap.Logger
}

// NewScoreService manages data/scores.json.
func NewScoreService(cfg ServiceConfig) (*Service, error) {
	return newService(scoresLayout, cfg)
}

// NewSurveyScoreService manages data/survey-scores.json.
func NewSurveyScoreService(cfg ServiceConfig) (*Service, error) {
	return newService(surveyScoresLayout, cfg)
}

func newService(layout collectionLayout, cfg ServiceConfig) (*Service, error) {
	opServiceNew := layout.name + ".service.new"
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
	logger = logger.With(zap.String("collection", layout.name))

	repository, err := metadata.NewRepository(metadata.Config[Entry]{
		Store:  cfg.Store,
		Path:   layout.documentPath,
		Key:    func(entry Entry) string { return entry.ID },
		Logger: logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "repository_failed", err)
	}

	compensator, err := reconcile.NewCompensator(layout.name, cfg.Uploader, cfg.Recorder, logger)
	if err != nil {
		return nil, newServiceError(opServiceNew, "compensator_failed", err)
	}

	return &Service{
		layout:      layout,
		repository:  repository,
		uploader:    cfg.Uploader,
		gate:        cfg.Gate,
		compensator: compensator,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Name is the collection name used in error codes and logs.
func (s *Service) Name() string {
	return s.layout.name
}

type AddRequest struct {
	Year       string
	Semester   string
	ScoreType  string
	FileName   string
	Content    []byte
	Credential access.Credential
}

// Add uploads the sheet and appends its entry.
func (s *Service) Add(ctx context.Context, request AddRequest) (Entry, error) {
	operation := s.layout.name + ".add"
	if err := s.authorize(operation, request.Credential); err != nil {
		return Entry{}, err
	}

	entry, err := validateAddRequest(request)
	if err != nil {
		return Entry{}, newServiceError(operation, "invalid_input", err)
	}

	now := s.clock().UTC()
	entry.ID = strconv.FormatInt(now.UnixMilli(), 10)
	entry.UploadedAt = now.Format(time.RFC3339)

	stored, err := s.uploader.Upload(ctx, objects.Upload{
		Path:        objects.StemPath(s.layout.objectPrefix, entry.ID, objects.Extension(entry.FileName, "pdf")),
		Content:     request.Content,
		Description: fmt.Sprintf(s.layout.uploadMessage, entry.FileName),
	}, objects.DocumentPolicy)
	if err != nil {
		var validation *failure.ValidationError
		if errors.As(err, &validation) {
			return Entry{}, newServiceError(operation, "invalid_input", err)
		}
		s.logError(operation, "upload_failed", err, zap.String("id", entry.ID))
		return Entry{}, newServiceError(operation, "upload_failed", err)
	}
	entry.URL = stored.URL

	if _, err := s.repository.Mutate(ctx, s.layout.addMessage, s.repository.Append(entry)); err != nil {
		s.logError(operation, "metadata_write_failed", err, zap.String("id", entry.ID))
		committed := func(ctx context.Context) (bool, error) { return s.repository.Contains(ctx, entry.ID) }
		if partial := s.compensator.AbandonUpload(ctx, operation, stored.Path, err, committed); partial != nil {
			return Entry{}, newServiceError(operation, "metadata_write_failed", partial)
		}
	}
	return entry, nil
}

// List returns one page of the collection in upload order.
func (s *Service) List(ctx context.Context, page metadata.Page) (metadata.Listing[Entry], error) {
	operation := s.layout.name + ".list"
	snapshot, err := s.repository.LoadAll(ctx)
	if err != nil {
		s.logError(operation, "load_failed", err)
		return metadata.Listing[Entry]{}, newServiceError(operation, "load_failed", err)
	}
	listing, err := metadata.Paginate(snapshot.Entries, page)
	if err != nil {
		return metadata.Listing[Entry]{}, newServiceError(operation, "invalid_input", err)
	}
	return listing, nil
}

// Delete removes the entry with id, then makes a best-effort attempt to
// remove its file.
func (s *Service) Delete(ctx context.Context, id string, credential access.Credential) (metadata.DeleteOutcome, error) {
	operation := s.layout.name + ".delete"
	if err := s.authorize(operation, credential); err != nil {
		return metadata.DeleteOutcome{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return metadata.DeleteOutcome{}, newServiceError(operation, "invalid_input", failure.Invalid("id", "id is required"))
	}

	var removed Entry
	if _, err := s.repository.Mutate(ctx, s.layout.deleteMessage, s.repository.RemoveByKey(id, &removed)); err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return metadata.DeleteOutcome{}, newServiceError(operation, "not_found", err)
		}
		s.logError(operation, "metadata_write_failed", err, zap.String("id", id))
		return metadata.DeleteOutcome{}, newServiceError(operation, "metadata_write_failed", err)
	}

	outcome := metadata.DeleteOutcome{Key: id}
	outcome.ObjectPath, _ = s.uploader.PathUnder(removed.URL, s.layout.objectPrefix)
	outcome.ObjectRemoved, outcome.ObjectErr = s.compensator.ReleaseObject(ctx, operation, outcome.ObjectPath, fmt.Sprintf(s.layout.objectDeletion, removed.FileName))
	return outcome, nil
}

// References reports whether an entry's file URL resolves to objectPath.
func (s *Service) References(ctx context.Context, objectPath string) (bool, error) {
	snapshot, err := s.repository.LoadAll(ctx)
	if err != nil {
		return false, err
	}
	for _, entry := range snapshot.Entries {
		if path, ok := s.uploader.PathUnder(entry.URL, s.layout.objectPrefix); ok && path == objectPath {
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

func validateAddRequest(request AddRequest) (Entry, error) {
	year := strings.TrimSpace(request.Year)
	if year == "" {
		return Entry{}, failure.Invalid("year", "year is required")
	}
	if !yearPattern.MatchString(year) {
		return Entry{}, failure.Invalid("year", "year must look like 2024 or 2023-2024")
	}
	semester := strings.TrimSpace(request.Semester)
	if semester != "1" && semester != "2" {
		return Entry{}, failure.Invalid("semester", "semester must be 1 or 2")
	}
	scoreType := ScoreType(strings.TrimSpace(request.ScoreType))
	label, ok := scoreType.Label()
	if !ok {
		return Entry{}, failure.Invalid("scoreType", "scoreType must be one of mid1, final1, mid2, final2")
	}
	fileName := strings.TrimSpace(request.FileName)
	if fileName == "" {
		return Entry{}, failure.Invalid("fileName", "file name is required")
	}
	return Entry{
		Year:          year,
		Semester:      semester,
		ScoreType:     scoreType,
		ScoreTypeText: label,
		FileName:      fileName,
	}, nil
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
	s.logger.Error("scores service error", attrs...)
}

package scores

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/reconcile"
)

const testPassword = "lop10a2"

var pdfContent = []byte("%PDF-1.7\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n")

type recordingLedger struct {
	mu      sync.Mutex
	orphans []reconcile.Orphan
}

func (l *recordingLedger) RecordOrphan(_ context.Context, orphan reconcile.Orphan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans = append(l.orphans, orphan)
	return nil
}

// steppingClock advances one second per call so every Add gets its own id.
func steppingClock() func() time.Time {
	var calls atomic.Int64
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		return start.Add(time.Duration(calls.Add(1)) * time.Second)
	}
}

type harness struct {
	store   *filestore.MemoryStore
	ledger  *recordingLedger
	scores  *Service
	surveys *Service
}

func newHarness(t *testing.T, store filestore.Store, memory *filestore.MemoryStore) harness {
	t.Helper()
	uploader, err := objects.NewUploader(objects.NewStoreHost(store, objects.RawURLBuilder{Owner: "class-10a2", Repo: "memories", Branch: "main"}))
	if err != nil {
		t.Fatalf("unexpected uploader error: %v", err)
	}
	ledger := &recordingLedger{}
	cfg := ServiceConfig{
		Store:    store,
		Uploader: uploader,
		Gate:     access.NewGate(testPassword, nil),
		Clock:    steppingClock(),
		Recorder: ledger,
	}
	scores, err := NewScoreService(cfg)
	if err != nil {
		t.Fatalf("unexpected score service error: %v", err)
	}
	surveys, err := NewSurveyScoreService(cfg)
	if err != nil {
		t.Fatalf("unexpected survey service error: %v", err)
	}
	return harness{store: memory, ledger: ledger, scores: scores, surveys: surveys}
}

func newMemoryHarness(t *testing.T) harness {
	t.Helper()
	store := filestore.NewMemoryStore()
	return newHarness(t, store, store)
}

func validRequest() AddRequest {
	return AddRequest{
		Year:       "2023-2024",
		Semester:   "1",
		ScoreType:  "mid1",
		FileName:   "Bảng điểm giữa kỳ.pdf",
		Content:    pdfContent,
		Credential: access.PasswordCredential(testPassword),
	}
}

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error %s, got %v", want, err)
	}
	if serviceErr.Code() != want {
		t.Fatalf("unexpected error code: got %s want %s", serviceErr.Code(), want)
	}
}

func TestAddAppendsEntryWithLabel(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	entry, err := h.scores.Add(ctx, validRequest())
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if entry.ID != "1714550401000" {
		t.Fatalf("unexpected id %s", entry.ID)
	}
	if entry.ScoreTypeText != "Giữa HK1" || entry.UploadedAt != "2024-05-01T08:00:01Z" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if !strings.HasSuffix(entry.URL, "/data/scores/1714550401000.pdf") {
		t.Fatalf("unexpected url %s", entry.URL)
	}

	second := validRequest()
	second.ScoreType = "final2"
	second.Semester = "2"
	if _, err := h.scores.Add(ctx, second); err != nil {
		t.Fatalf("unexpected second add error: %v", err)
	}

	listing, err := h.scores.List(ctx, metadata.Page{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if listing.Total != 2 {
		t.Fatalf("expected 2 entries, got %d", listing.Total)
	}
	if listing.Data[0] != entry || listing.Data[1].ScoreTypeText != "Cuối HK2" {
		t.Fatalf("expected append order, got %+v", listing.Data)
	}
}

func TestSurveyScoresUseSeparateCollection(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	survey, err := h.surveys.Add(ctx, validRequest())
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if !strings.Contains(survey.URL, "/"+SurveyScoresObjectPrefix+"/") {
		t.Fatalf("expected survey object prefix, got %s", survey.URL)
	}

	scores, err := h.scores.List(ctx, metadata.Page{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if scores.Total != 0 {
		t.Fatalf("expected score collection untouched, got %+v", scores.Data)
	}
	_, err = h.scores.Delete(ctx, survey.ID, access.PasswordCredential(testPassword))
	requireCode(t, err, "scores.delete.not_found")

	for _, path := range h.store.Paths() {
		if path == ScoresCollectionPath {
			t.Fatalf("expected %s not to be created", ScoresCollectionPath)
		}
	}
}

func TestSequentialAddsBothPersist(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	for _, scoreType := range []string{"mid1", "final1"} {
		request := validRequest()
		request.ScoreType = scoreType
		if _, err := h.scores.Add(ctx, request); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	listing, err := h.scores.List(ctx, metadata.Page{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if listing.Total != 2 || listing.Data[0].ID == listing.Data[1].ID {
		t.Fatalf("expected two distinct entries, got %+v", listing.Data)
	}
}

// lockstepStore holds the first two collection reads until both arrived so
// two Adds observe the same version.
type lockstepStore struct {
	*filestore.MemoryStore
	path    string
	arrived sync.WaitGroup
	joined  atomic.Int32
}

func (s *lockstepStore) Read(ctx context.Context, path string) (filestore.File, error) {
	file, err := s.MemoryStore.Read(ctx, path)
	if path == s.path && s.joined.Add(1) <= 2 {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return file, err
}

func TestConcurrentAddsConflict(t *testing.T) {
	memory := filestore.NewMemoryStore()
	store := &lockstepStore{MemoryStore: memory, path: ScoresCollectionPath}
	store.arrived.Add(2)
	h := newHarness(t, store, memory)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, scoreType := range []string{"mid1", "final1"} {
		wg.Add(1)
		go func(scoreType string) {
			defer wg.Done()
			request := validRequest()
			request.ScoreType = scoreType
			_, err := h.scores.Add(context.Background(), request)
			errs <- err
		}(scoreType)
	}
	wg.Wait()
	close(errs)

	var succeeded, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, filestore.ErrConflict):
			conflicted++
			var partial *failure.PartialFailureError
			if !errors.As(err, &partial) || !partial.Compensated {
				t.Fatalf("expected compensated partial failure, got %v", err)
			}
		default:
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", succeeded, conflicted)
	}

	listing, err := h.scores.List(context.Background(), metadata.Page{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if listing.Total != 1 {
		t.Fatalf("expected exactly one entry, got %+v", listing.Data)
	}
	objectsLeft := 0
	for _, path := range memory.Paths() {
		if strings.HasPrefix(path, ScoresObjectPrefix+"/") {
			objectsLeft++
		}
	}
	if objectsLeft != 1 {
		t.Fatalf("expected the losing upload to be rolled back, found %d objects", objectsLeft)
	}
}

func TestAddValidatesInput(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*AddRequest)
		field  string
	}{
		{name: "missing-year", mutate: func(r *AddRequest) { r.Year = "" }, field: "year"},
		{name: "bad-year", mutate: func(r *AddRequest) { r.Year = "năm nay" }, field: "year"},
		{name: "bad-semester", mutate: func(r *AddRequest) { r.Semester = "3" }, field: "semester"},
		{name: "bad-score-type", mutate: func(r *AddRequest) { r.ScoreType = "quiz" }, field: "scoreType"},
		{name: "missing-file-name", mutate: func(r *AddRequest) { r.FileName = " " }, field: "fileName"},
		{name: "unsupported-content", mutate: func(r *AddRequest) { r.Content = []byte("just text") }, field: "file"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newMemoryHarness(t)
			request := validRequest()
			testCase.mutate(&request)
			_, err := h.scores.Add(context.Background(), request)
			requireCode(t, err, "scores.add.invalid_input")
			var validation *failure.ValidationError
			if !errors.As(err, &validation) || validation.Field != testCase.field {
				t.Fatalf("expected validation error on %s, got %v", testCase.field, err)
			}
			if _, writes, _ := h.store.CallCounts(); writes != 0 {
				t.Fatalf("expected zero writes, got %d", writes)
			}
		})
	}
}

func TestDeleteRequiresCredentialBeforeRemoteCalls(t *testing.T) {
	h := newMemoryHarness(t)
	_, err := h.surveys.Delete(context.Background(), "1714550401000", access.PasswordCredential("wrong"))
	requireCode(t, err, "survey_scores.delete.unauthorized")
	if !errors.Is(err, access.ErrDenied) {
		t.Fatalf("expected denied, got %v", err)
	}
	if reads, writes, deletes := h.store.CallCounts(); reads+writes+deletes != 0 {
		t.Fatalf("expected zero store calls, got reads=%d writes=%d deletes=%d", reads, writes, deletes)
	}
}

func TestDeleteRemovesEntryAndFile(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	first, err := h.scores.Add(ctx, validRequest())
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	second, err := h.scores.Add(ctx, validRequest())
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	outcome, err := h.scores.Delete(ctx, first.ID, access.PasswordCredential(testPassword))
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if outcome.Partial() || outcome.ObjectPath != "data/scores/"+first.ID+".pdf" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	listing, err := h.scores.List(ctx, metadata.Page{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if listing.Total != 1 || listing.Data[0] != second {
		t.Fatalf("expected only the second entry to remain, got %+v", listing.Data)
	}

	_, err = h.scores.Delete(ctx, first.ID, access.PasswordCredential(testPassword))
	requireCode(t, err, "scores.delete.not_found")
}

func TestDeleteWithForeignURLIsPartial(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	legacy := `[
  {"id": "1", "year": "2023", "semester": "1", "scoreType": "mid1", "scoreTypeText": "Giữa HK1", "fileName": "a.pdf", "url": "https://raw.githubusercontent.com/class-10a2/memories/main/img/memories/1_a.jpg", "uploadedAt": "2023-10-01T00:00:00Z"}
]
`
	if _, err := h.store.Write(ctx, ScoresCollectionPath, []byte(legacy), filestore.Absent, "seed"); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	outcome, err := h.scores.Delete(ctx, "1", access.PasswordCredential(testPassword))
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if !outcome.Partial() || outcome.ObjectPath != "" {
		t.Fatalf("expected entry removal without touching a foreign object, got %+v", outcome)
	}
	if _, _, deletes := h.store.CallCounts(); deletes != 0 {
		t.Fatalf("expected no object deletion, got %d", deletes)
	}
}

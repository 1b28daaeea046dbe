package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/memories"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/scores"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

const (
	testPassword    = "lop12a1-2024"
	testTokenSecret = "router-test-signing-secret"
)

var (
	jpegContent = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0x01}, 512)...)
	pdfContent  = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n")
)

type routerHarness struct {
	handler http.Handler
	store   *filestore.MemoryStore
	logs    *observer.ObservedLogs
}

type harnessOptions struct {
	password     string
	maxBodyBytes int64
}

func newRouterHarness(t *testing.T, options harnessOptions) routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := filestore.NewMemoryStore()
	uploader, err := objects.NewUploader(objects.NewStoreHost(store, objects.RawURLBuilder{Owner: "lop12a1", Repo: "memories", Branch: "main"}))
	if err != nil {
		t.Fatalf("unexpected uploader error: %v", err)
	}

	current := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		current = current.Add(time.Second)
		return current
	}
	issuer, err := access.NewTokenIssuer(access.TokenIssuerConfig{
		SigningSecret: []byte(testTokenSecret),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected token issuer error: %v", err)
	}
	gate := access.NewGate(options.password, issuer)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	memoryService, err := memories.NewService(memories.ServiceConfig{Store: store, Uploader: uploader, Gate: gate, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected memories error: %v", err)
	}
	scoreService, err := scores.NewScoreService(scores.ServiceConfig{Store: store, Uploader: uploader, Gate: gate, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected scores error: %v", err)
	}
	surveyService, err := scores.NewSurveyScoreService(scores.ServiceConfig{Store: store, Uploader: uploader, Gate: gate, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected survey scores error: %v", err)
	}
	scheduleService, err := schedule.NewService(schedule.ServiceConfig{Store: store, Uploader: uploader, Gate: gate, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected tkb error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Gate:           gate,
		Memories:       memoryService,
		Scores:         scoreService,
		SurveyScores:   surveyService,
		Schedule:       scheduleService,
		AllowedOrigins: []string{"https://lop12a1.example"},
		MaxBodyBytes:   options.maxBodyBytes,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return routerHarness{handler: handler, store: store, logs: logs}
}

func (h routerHarness) do(t *testing.T, method, target string, payload any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body := http.NoBody
	var reader *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	var request *http.Request
	if reader != nil {
		request = httptest.NewRequest(method, target, reader)
		request.Header.Set("Content-Type", "application/json")
	} else {
		request = httptest.NewRequest(method, target, body)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func encode(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

func requireStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}

func requireCategory(t *testing.T, response map[string]any, want string) {
	t.Helper()
	if response["category"] != want {
		t.Fatalf("expected category %s, got %v", want, response)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingGate {
		t.Fatalf("expected missing gate error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Gate: access.NewGate(testPassword, nil)}); err != errMissingMemories {
		t.Fatalf("expected missing memories error, got %v", err)
	}
}

func TestHealthzEchoesRequestID(t *testing.T) {
	harness := newRouterHarness(t, harnessOptions{password: testPassword})

	recorder, response := harness.do(t, http.MethodGet, "/healthz", nil, map[string]string{requestIDHeader: "req-123"})
	requireStatus(t, recorder, http.StatusOK)
	if response["ok"] != true {
		t.Fatalf("unexpected body %v", response)
	}
	if got := recorder.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	recorder, _ = harness.do(t, http.MethodGet, "/healthz", nil, nil)
	if got := recorder.Header().Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", got)
	}

	accessLogs := harness.logs.FilterMessage("http request").All()
	if len(accessLogs) != 2 {
		t.Fatalf("expected two access log entries, got %d", len(accessLogs))
	}
	if accessLogs[0].ContextMap()["request_id"] != "req-123" {
		t.Fatalf("expected access log to carry request id, got %v", accessLogs[0].ContextMap())
	}
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	harness := newRouterHarness(t, harnessOptions{password: testPassword})

	request := httptest.NewRequest(http.MethodOptions, "/api/delete-memory", http.NoBody)
	request.Header.Set("Origin", "https://lop12a1.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://lop12a1.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if methods := recorder.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, http.MethodDelete) {
		t.Fatalf("expected DELETE to be allowed, got %q", methods)
	}

	request = httptest.NewRequest(http.MethodOptions, "/api/delete-memory", http.NoBody)
	request.Header.Set("Origin", "https://elsewhere.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	recorder = httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected unknown origin to be rejected, got %d", recorder.Code)
	}
}

func TestAuthCheck(t *testing.T) {
	testCases := []struct {
		name         string
		configured   string
		password     string
		wantStatus   int
		wantCategory string
	}{
		{name: "correct", configured: testPassword, password: testPassword, wantStatus: http.StatusOK},
		{name: "wrong", configured: testPassword, password: "nope", wantStatus: http.StatusUnauthorized, wantCategory: "auth"},
		{name: "empty", configured: testPassword, password: "", wantStatus: http.StatusUnauthorized, wantCategory: "auth"},
		{name: "misconfigured", configured: "", password: "anything", wantStatus: http.StatusInternalServerError, wantCategory: "misconfigured"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newRouterHarness(t, harnessOptions{password: testCase.configured})
			recorder, response := harness.do(t, http.MethodPost, "/api/auth-check", gin.H{"password": testCase.password}, nil)
			requireStatus(t, recorder, testCase.wantStatus)
			if testCase.wantCategory != "" {
				requireCategory(t, response, testCase.wantCategory)
				return
			}
			if response["success"] != true {
				t.Fatalf("unexpected body %v", response)
			}
			token, _ := response["token"].(string)
			if token == "" {
				t.Fatalf("expected a class token, got %v", response)
			}
			if response["expires_in"] != float64(3600) {
				t.Fatalf("unexpected expires_in %v", response["expires_in"])
			}
		})
	}
}

func TestAuthCheckRejectsMalformedBody(t *testing.T) {
	harness := newRouterHarness(t, harnessOptions{password: testPassword})

	request := httptest.NewRequest(http.MethodPost, "/api/auth-check", strings.NewReader("{not json"))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	requireStatus(t, recorder, http.StatusBadRequest)
	if !strings.Contains(recorder.Body.String(), `"category":"validation"`) {
		t.Fatalf("expected validation category, got %s", recorder.Body.String())
	}
}

func TestBodyLimitRejectsOversizedRequests(t *testing.T) {
	harness := newRouterHarness(t, harnessOptions{password: testPassword, maxBodyBytes: 1024})

	recorder, response := harness.do(t, http.MethodPost, "/api/add-memory", gin.H{
		"title":         "Lớn quá",
		"date":          "2024-05-01",
		"filename":      "big.jpg",
		"contentBase64": encode(bytes.Repeat([]byte{0x01}, 4096)),
		"password":      testPassword,
	}, nil)
	requireStatus(t, recorder, http.StatusBadRequest)
	requireCategory(t, response, "validation")
	if reads, writes, deletes := harness.store.CallCounts(); reads+writes+deletes != 0 {
		t.Fatalf("expected zero store calls, got reads=%d writes=%d deletes=%d", reads, writes, deletes)
	}
}

func TestListRejectsNonNumericPaging(t *testing.T) {
	harness := newRouterHarness(t, harnessOptions{password: testPassword})

	recorder, response := harness.do(t, http.MethodGet, "/api/list-scores?limit=ten", nil, nil)
	requireStatus(t, recorder, http.StatusBadRequest)
	requireCategory(t, response, "validation")

	recorder, response = harness.do(t, http.MethodGet, "/api/list-tkb?page=-1", nil, nil)
	requireStatus(t, recorder, http.StatusBadRequest)
	requireCategory(t, response, "validation")
}

func TestDecodeContent(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    []byte
		wantErr bool
	}{
		{name: "plain", raw: encode([]byte("abc")), want: []byte("abc")},
		{name: "data-url", raw: "data:image/jpeg;base64," + encode([]byte("abc")), want: []byte("abc")},
		{name: "padded-whitespace", raw: "  " + encode([]byte("abc")) + "\n", want: []byte("abc")},
		{name: "empty", raw: "", wantErr: true},
		{name: "empty-data-url", raw: "data:image/png;base64,", wantErr: true},
		{name: "garbage", raw: "***", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := decodeContent(testCase.raw)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, testCase.want) {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestFlexibleIntAcceptsNumbersAndStrings(t *testing.T) {
	testCases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: `3`, want: 3},
		{raw: `"4"`, want: 4},
		{raw: `null`, want: 0},
		{raw: `"x"`, wantErr: true},
		{raw: `2.5`, wantErr: true},
	}
	for _, testCase := range testCases {
		var value flexibleInt
		err := json.Unmarshal([]byte(testCase.raw), &value)
		if testCase.wantErr {
			if err == nil {
				t.Fatalf("expected error for %s", testCase.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", testCase.raw, err)
		}
		if int(value) != testCase.want {
			t.Fatalf("expected %d for %s, got %d", testCase.want, testCase.raw, value)
		}
	}
}

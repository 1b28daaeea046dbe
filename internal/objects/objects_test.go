package objects

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func jpegBytes(size int) []byte {
	header := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	if size <= len(header) {
		return header
	}
	return append(header, bytes.Repeat([]byte{0x01}, size-len(header))...)
}

func TestPolicyCheck(t *testing.T) {
	testCases := []struct {
		name        string
		policy      Policy
		content     []byte
		wantType    string
		wantMessage string
	}{
		{name: "jpeg-image", policy: ImagePolicy, content: jpegBytes(2048), wantType: mimeJPEG},
		{name: "png-image", policy: ImagePolicy, content: append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...), wantType: mimePNG},
		{name: "pdf-document", policy: DocumentPolicy, content: []byte("%PDF-1.7\n%âãÏÓ\n1 0 obj\n"), wantType: mimePDF},
		{name: "empty", policy: ImagePolicy, content: nil, wantMessage: "file is empty"},
		{name: "too-large", policy: ImagePolicy, content: jpegBytes(6 * mebibyte), wantMessage: "file too large"},
		{name: "pdf-as-image", policy: ImagePolicy, content: []byte("%PDF-1.7\n"), wantMessage: "unsupported file type"},
		{name: "text-document", policy: DocumentPolicy, content: []byte("plain text pretending to be a pdf"), wantMessage: "unsupported file type"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			contentType, err := testCase.policy.Check(testCase.content)
			if testCase.wantMessage != "" {
				var validation *failure.ValidationError
				if !errors.As(err, &validation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if !strings.Contains(validation.Message, testCase.wantMessage) {
					t.Fatalf("unexpected validation message %q", validation.Message)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if contentType != testCase.wantType {
				t.Fatalf("unexpected content type: got %s want %s", contentType, testCase.wantType)
			}
		})
	}
}

func TestCategory(t *testing.T) {
	expectations := map[string]string{
		mimeDOCX:                   "docx",
		mimePDF:                    "pdf",
		mimePNG:                    "image",
		"application/octet-stream": "file",
	}
	for contentType, want := range expectations {
		if got := Category(contentType); got != want {
			t.Fatalf("Category(%s) = %s, want %s", contentType, got, want)
		}
	}
}

func TestObjectPathSanitizesFileName(t *testing.T) {
	now := time.Unix(1714521600, 123)
	got := ObjectPath("img/memories/", `..\..\Chuyến đi #1?.jpg`, now)
	want := "img/memories/1714521600000000123_Chuyến_đi_1.jpg"
	if got != want {
		t.Fatalf("unexpected object path: got %q want %q", got, want)
	}
	if ext := Extension("Bảng điểm.PDF", "bin"); ext != "pdf" {
		t.Fatalf("unexpected extension %q", ext)
	}
	if ext := Extension("noextension", "bin"); ext != "bin" {
		t.Fatalf("expected fallback extension, got %q", ext)
	}
}

func TestRawURLBuilderRoundTrip(t *testing.T) {
	builder := RawURLBuilder{Owner: "class-10a2", Repo: "memories", Branch: "main"}
	url := builder.URL("img/memories/1_a.jpg")
	if url != "https://raw.githubusercontent.com/class-10a2/memories/main/img/memories/1_a.jpg" {
		t.Fatalf("unexpected url %s", url)
	}
	path, ok := builder.PathFromURL(url)
	if !ok || path != "img/memories/1_a.jpg" {
		t.Fatalf("unexpected path %q ok=%v", path, ok)
	}
	if _, ok := builder.PathFromURL("https://example.com/elsewhere.jpg"); ok {
		t.Fatalf("expected foreign url to be rejected")
	}
}

func TestStoreHostRemoveIsIdempotent(t *testing.T) {
	store := filestore.NewMemoryStore()
	host := NewStoreHost(store, RawURLBuilder{Owner: "o", Repo: "r", Branch: "main"})
	ctx := context.Background()

	url, err := host.Put(ctx, "data/tkb/1.pdf", []byte("%PDF-1.4"), mimePDF, "Upload TKB")
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if !strings.HasSuffix(url, "/data/tkb/1.pdf") {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := host.Put(ctx, "data/tkb/1.pdf", []byte("%PDF-1.4"), mimePDF, "again"); !errors.Is(err, filestore.ErrConflict) {
		t.Fatalf("expected conflict when reusing an object path, got %v", err)
	}
	if err := host.Remove(ctx, "data/tkb/1.pdf", "Delete TKB file"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := host.Remove(ctx, "data/tkb/1.pdf", "Delete TKB file"); err != nil {
		t.Fatalf("expected second remove to succeed, got %v", err)
	}
	if paths := store.Paths(); len(paths) != 0 {
		t.Fatalf("expected object to be gone, still have %v", paths)
	}
}

type countingHost struct {
	Host
	puts int
}

func (h *countingHost) Put(ctx context.Context, path string, content []byte, contentType, description string) (string, error) {
	h.puts++
	return h.Host.Put(ctx, path, content, contentType, description)
}

func TestUploaderRejectsBeforeCallingHost(t *testing.T) {
	host := &countingHost{Host: NewStoreHost(filestore.NewMemoryStore(), RawURLBuilder{Owner: "o", Repo: "r", Branch: "main"})}
	uploader, err := NewUploader(host)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = uploader.Upload(context.Background(), Upload{Path: "img/memories/1_big.jpg", Content: jpegBytes(6 * mebibyte)}, ImagePolicy)
	if err == nil {
		t.Fatalf("expected oversized upload to fail")
	}
	if host.puts != 0 {
		t.Fatalf("expected zero host calls, got %d", host.puts)
	}

	stored, err := uploader.Upload(context.Background(), Upload{Path: "img/memories/2_small.jpg", Content: jpegBytes(2048), Description: "Upload ảnh: Trip"}, ImagePolicy)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if host.puts != 1 || stored.ContentType != mimeJPEG || stored.Path != "img/memories/2_small.jpg" {
		t.Fatalf("unexpected upload result %+v (puts=%d)", stored, host.puts)
	}
}

func TestMinioHostURLs(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{Creds: credentials.NewStaticV4("key", "secret", "")})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	host := newMinioHostWithClient(client, "classbook", "")
	url := host.URL("img/memories/1_a.jpg")
	if url != "http://localhost:9000/classbook/img/memories/1_a.jpg" {
		t.Fatalf("unexpected url %s", url)
	}
	path, ok := host.PathFromURL(url)
	if !ok || path != "img/memories/1_a.jpg" {
		t.Fatalf("unexpected path %q ok=%v", path, ok)
	}

	cdn := newMinioHostWithClient(client, "classbook", "https://cdn.example.org/")
	if got := cdn.URL("data/tkb/1.pdf"); got != "https://cdn.example.org/classbook/data/tkb/1.pdf" {
		t.Fatalf("unexpected public url %s", got)
	}
}

func TestUploaderPathUnder(t *testing.T) {
	uploader, err := NewUploader(NewStoreHost(filestore.NewMemoryStore(), RawURLBuilder{Owner: "o", Repo: "r", Branch: "main"}))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	testCases := []struct {
		name   string
		url    string
		want   string
		wantOK bool
	}{
		{name: "issued-url", url: "https://raw.githubusercontent.com/o/r/main/data/tkb/tkb_1.pdf", want: "data/tkb/tkb_1.pdf", wantOK: true},
		{name: "other-prefix", url: "https://raw.githubusercontent.com/o/r/main/data/memories.json", wantOK: false},
		{name: "legacy-host", url: "https://cdn.example.org/files/tkb_2.docx?raw=1", want: "data/tkb/tkb_2.docx", wantOK: true},
		{name: "escaping-segment", url: "https://cdn.example.org/..", wantOK: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, ok := uploader.PathUnder(testCase.url, "data/tkb/")
			if ok != testCase.wantOK || got != testCase.want {
				t.Fatalf("unexpected result %q ok=%v", got, ok)
			}
		})
	}
}

func TestWithinConfinesPathsToPrefix(t *testing.T) {
	testCases := []struct {
		name   string
		path   string
		want   string
		wantOK bool
	}{
		{name: "inside", path: "img/memories/1_a.jpg", want: "img/memories/1_a.jpg", wantOK: true},
		{name: "collection-document", path: "data/scores.json", wantOK: false},
		{name: "bare-prefix", path: "img/memories", wantOK: false},
		{name: "sibling-prefix", path: "img/memories-old/1_a.jpg", wantOK: false},
		{name: "traversal", path: "img/memories/../../data/scores.json", wantOK: false},
		{name: "absolute", path: "/img/memories/1_a.jpg", wantOK: false},
		{name: "empty", path: "", wantOK: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, ok := Within(testCase.path, "img/memories/")
			if ok != testCase.wantOK || got != testCase.want {
				t.Fatalf("unexpected result %q ok=%v", got, ok)
			}
		})
	}
}

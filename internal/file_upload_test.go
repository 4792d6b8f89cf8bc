package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"huddle/internal/media"
)

func newUploadRequest(t *testing.T, token, sessionID, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(part, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteField("session", sessionID); err != nil {
		t.Fatal(err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// TestFileUploadHandler verifies the upload then download round trip
func TestFileUploadHandler(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 0)
	user := env.signIn(t, "testuser")
	if _, err := env.channel.Join(context.Background(), "testroom", user.UserID, user.Username); err != nil {
		t.Fatal(err)
	}
	fileContent := []byte("Hello, this is a test file!")

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, user.Token, "testroom", "test.txt", fileContent))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Key != media.ContentKey(fileContent) {
		t.Errorf("expected content key %s, got %s", media.ContentKey(fileContent), resp.Key)
	}
	if resp.Name != "test.txt" {
		t.Errorf("expected filename 'test.txt', got %s", resp.Name)
	}
	if resp.Size != int64(len(fileContent)) {
		t.Errorf("expected size %d, got %d", len(fileContent), resp.Size)
	}
	if resp.URL != media.AttachmentPathPrefix+resp.Key {
		t.Errorf("unexpected url %s", resp.URL)
	}

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resp.URL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected download status 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), fileContent) {
		t.Errorf("downloaded content mismatch: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" && ct != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "attachment;") {
		t.Errorf("text should download, got disposition %q", got)
	}
}

// TestFileUploadSizeLimit verifies files over the limit are rejected
func TestFileUploadSizeLimit(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 16)
	user := env.signIn(t, "testuser")
	if _, err := env.channel.Join(context.Background(), "testroom", user.UserID, user.Username); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, user.Token, "testroom", "big.bin", bytes.Repeat([]byte("x"), 64)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestFileUploadUnknownSession(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 0)
	user := env.signIn(t, "testuser")

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, user.Token, "nosuchroom", "test.txt", []byte("data")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFileUploadRequiresToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 0)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, newUploadRequest(t, "bogus", "testroom", "test.txt", []byte("data")))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestFileDownloadMissing(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 0)
	cases := map[string]int{
		media.AttachmentPathPrefix + media.ContentKey([]byte("never stored")): http.StatusNotFound,
		media.AttachmentPathPrefix + "not-a-key":                              http.StatusBadRequest,
	}
	for path, want := range cases {
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: expected status %d, got %d", path, want, rec.Code)
		}
	}
}

func TestSendWithInlineFileStoresAttachment(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, 0)
	user := env.signIn(t, "testuser")
	ctx := context.Background()
	if _, err := env.channel.Join(ctx, "testroom", user.UserID, user.Username); err != nil {
		t.Fatal(err)
	}
	payload := []byte("\x89PNG fake image")
	body, _ := json.Marshal(map[string]interface{}{
		"type":     "image",
		"fileName": "cat.png",
		"fileType": "image/png",
		"fileData": payload,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/testroom/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+user.Token)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	msgs, err := env.channel.Snapshot(ctx, "testroom")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].AttachmentKey != media.ContentKey(payload) || msgs[0].FileData != nil {
		t.Fatalf("unexpected stored message %+v", msgs)
	}
	att, err := env.store.GetAttachment(ctx, msgs[0].AttachmentKey)
	if err != nil || att == nil {
		t.Fatalf("attachment metadata missing: %v", err)
	}
}

func TestDispositionFor(t *testing.T) {
	cases := map[string]string{
		"image/png":                "inline",
		"audio/ogg; codecs=opus":   "inline",
		"video/webm":               "inline",
		"image/svg+xml":            "attachment",
		"text/html; charset=utf-8": "attachment",
		"application/octet-stream": "attachment",
		"":                         "attachment",
	}
	for contentType, want := range cases {
		if got := dispositionFor(contentType); got != want {
			t.Errorf("dispositionFor(%q) = %q, want %q", contentType, got, want)
		}
	}
}

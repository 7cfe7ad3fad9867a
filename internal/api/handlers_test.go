package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/blobstore"
	"github.com/talesync/talesync/internal/chain"
	"github.com/talesync/talesync/internal/pipeline"
	"github.com/talesync/talesync/internal/storage"
	"github.com/talesync/talesync/internal/token"
)

const testWorkerSecret = "cb-secret"

type nopUploader struct{}

func (nopUploader) Upload(context.Context, string, string, []byte) error {
	return blobstore.ErrRemoteNotConfigured
}

func (nopUploader) SignedURL(publicID string, _ time.Duration) string {
	return "https://cdn.example.com/" + publicID
}

type testApp struct {
	handler    http.Handler
	store      *storage.Store
	tokens     *token.Service
	svc        *pipeline.Service
	uploadsDir string
}

func setupHandler(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	uploadsDir := t.TempDir()
	blobs := blobstore.NewGateway(nopUploader{}, uploadsDir)
	tokens := token.NewService("api-test-secret")
	resolver := audioaccess.NewResolver(blobs, tokens, "http://127.0.0.1:4600", false)
	svc := pipeline.NewService(store, blobs, resolver, testWorkerSecret)
	chains := chain.NewBuilder(store)

	handler := NewHandler(Deps{
		Store:    store,
		Pipeline: svc,
		Chains:   chains,
		Resolver: resolver,
		Blobs:    blobs,
		Tokens:   tokens,
	})
	return &testApp{handler: handler, store: store, tokens: tokens, svc: svc, uploadsDir: uploadsDir}
}

func (a *testApp) session(userID, userName string) string {
	return a.tokens.IssueSession(userID, userName, time.Hour)
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func authReq(method, url, body, session string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

// seed creates a memory directly in storage, bypassing the pipeline.
func seed(t *testing.T, store *storage.Store, m storage.Memory) storage.Memory {
	t.Helper()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
		m.UpdatedAt = m.CreatedAt
	}
	if err := store.CreateMemory(m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return m
}

func boolPtr(b bool) *bool { return &b }

func TestAuthRequired(t *testing.T) {
	app := setupHandler(t)

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "not-a-token"},
		{"wrong signer", token.NewService("other-secret").IssueSession("u1", "Ada", time.Hour)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := app.do(authReq(http.MethodGet, "/api/memories/me", "", tc.header))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	app := setupHandler(t)
	rec := app.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetMemory(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	rec := app.do(authReq(http.MethodPost, "/api/memories", `{"title":"First walk"}`, sess))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	id := decodeBody(t, rec)["memoryId"].(string)
	if id == "" {
		t.Fatal("empty memoryId")
	}

	rec = app.do(authReq(http.MethodGet, "/api/memories/"+id, "", sess))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body.String())
	}
	mem := decodeBody(t, rec)["memory"].(map[string]any)
	if mem["title"] != "First walk" {
		t.Errorf("title = %v", mem["title"])
	}
	if mem["isPublic"] != true {
		t.Error("absent isPublic must default to public")
	}
	if mem["status"] != storage.StatusUploaded {
		t.Errorf("status = %v", mem["status"])
	}
}

func TestCreateMemoryValidation(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	rec := app.do(authReq(http.MethodPost, "/api/memories", `{"title":""}`, sess))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestVisibilityRules(t *testing.T) {
	app := setupHandler(t)
	owner := app.session("u1", "Ada")
	stranger := app.session("u2", "Grace")

	private := seed(t, app.store, storage.Memory{
		ID: "m-private", UserID: "u1", UserName: "Ada", Title: "Secret",
		Status: storage.StatusCompleted, IsPublic: boolPtr(false),
	})
	publicDraft := seed(t, app.store, storage.Memory{
		ID: "m-draft", UserID: "u1", UserName: "Ada", Title: "Draft",
		Status: storage.StatusUploaded, IsPublic: boolPtr(true),
	})
	publicDone := seed(t, app.store, storage.Memory{
		ID: "m-done", UserID: "u1", UserName: "Ada", Title: "Done",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})

	// Owner sees everything.
	for _, id := range []string{private.ID, publicDraft.ID, publicDone.ID} {
		if rec := app.do(authReq(http.MethodGet, "/api/memories/"+id, "", owner)); rec.Code != http.StatusOK {
			t.Errorf("owner get %s = %d", id, rec.Code)
		}
	}

	// A stranger sees only public and completed, and cannot tell
	// hidden from absent.
	if rec := app.do(authReq(http.MethodGet, "/api/memories/"+publicDone.ID, "", stranger)); rec.Code != http.StatusOK {
		t.Errorf("stranger get public completed = %d", rec.Code)
	}
	for _, id := range []string{private.ID, publicDraft.ID, "m-no-such"} {
		if rec := app.do(authReq(http.MethodGet, "/api/memories/"+id, "", stranger)); rec.Code != http.StatusNotFound {
			t.Errorf("stranger get %s = %d, want 404", id, rec.Code)
		}
	}
}

func TestPublicStoryUnauthenticated(t *testing.T) {
	app := setupHandler(t)

	seed(t, app.store, storage.Memory{
		ID: "m-pub", UserID: "u1", UserName: "Ada", Title: "Open story",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})
	seed(t, app.store, storage.Memory{
		ID: "m-priv", UserID: "u1", UserName: "Ada", Title: "Hidden",
		Status: storage.StatusCompleted, IsPublic: boolPtr(false),
	})

	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/memories/public/story/m-pub", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("public story = %d: %s", rec.Code, rec.Body.String())
	}
	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/memories/public/story/m-priv", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("private story = %d, want 404", rec.Code)
	}
}

func TestPublicFeedExcludesCaller(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	seed(t, app.store, storage.Memory{
		ID: "m-mine", UserID: "u1", UserName: "Ada", Title: "Mine",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})
	seed(t, app.store, storage.Memory{
		ID: "m-theirs", UserID: "u2", UserName: "Grace", Title: "Theirs",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})

	rec := app.do(authReq(http.MethodGet, "/api/memories/public/feed", "", sess))
	if rec.Code != http.StatusOK {
		t.Fatalf("feed = %d", rec.Code)
	}
	memories := decodeBody(t, rec)["memories"].([]any)
	if len(memories) != 1 {
		t.Fatalf("feed size = %d, want 1", len(memories))
	}
	if memories[0].(map[string]any)["id"] != "m-theirs" {
		t.Errorf("feed contains %v", memories[0])
	}
}

func TestSetVisibility(t *testing.T) {
	app := setupHandler(t)
	owner := app.session("u1", "Ada")
	stranger := app.session("u2", "Grace")

	seed(t, app.store, storage.Memory{
		ID: "m1", UserID: "u1", UserName: "Ada", Title: "T",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})

	rec := app.do(authReq(http.MethodPatch, "/api/memories/m1/visibility", `{"isPublic":false}`, stranger))
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger patch = %d, want 403", rec.Code)
	}

	rec = app.do(authReq(http.MethodPatch, "/api/memories/m1/visibility", `{"isPublic":false}`, owner))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner patch = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["memory"].(map[string]any)["isPublic"] != false {
		t.Error("visibility not flipped")
	}

	rec = app.do(authReq(http.MethodPatch, "/api/memories/m1/visibility", `{}`, owner))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing flag = %d, want 400", rec.Code)
	}
}

func attachAudioRequest(t *testing.T, memoryID, session string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("memoryId", memoryID); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="audio"; filename="memory.webm"`},
		"Content-Type":        {"audio/webm"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/audio", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+session)
	return req
}

func TestUploadFlow(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	rec := app.do(authReq(http.MethodPost, "/api/memories", `{"title":"Walk"}`, sess))
	id := decodeBody(t, rec)["memoryId"].(string)

	rec = app.do(attachAudioRequest(t, id, sess, []byte("fake-webm-bytes")))
	if rec.Code != http.StatusOK {
		t.Fatalf("attach = %d: %s", rec.Code, rec.Body.String())
	}
	attach := decodeBody(t, rec)
	if attach["storageMode"] != blobstore.StorageLocal {
		t.Errorf("storageMode = %v", attach["storageMode"])
	}
	if w, ok := attach["warning"].(string); !ok || w == "" {
		t.Error("local fallback must surface a warning")
	}

	rec = app.do(authReq(http.MethodPost, "/api/uploads/complete",
		`{"memoryId":"`+id+`","mimeType":"audio/webm","durationSec":7}`, sess))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete = %d: %s", rec.Code, rec.Body.String())
	}
	mem := decodeBody(t, rec)["memory"].(map[string]any)
	if mem["status"] != storage.StatusProcessing {
		t.Errorf("status = %v, want processing", mem["status"])
	}
	if !strings.Contains(mem["playbackUrl"].(string), "/api/uploads/stream/"+id+"?token=") {
		t.Errorf("playbackUrl = %v", mem["playbackUrl"])
	}
}

func TestCompleteWithoutAudio(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	rec := app.do(authReq(http.MethodPost, "/api/memories", `{"title":"Walk"}`, sess))
	id := decodeBody(t, rec)["memoryId"].(string)

	rec = app.do(authReq(http.MethodPost, "/api/uploads/complete", `{"memoryId":"`+id+`"}`, sess))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("complete without audio = %d, want 400", rec.Code)
	}
}

func TestStreamAccess(t *testing.T) {
	app := setupHandler(t)
	sess := app.session("u1", "Ada")

	rec := app.do(authReq(http.MethodPost, "/api/memories", `{"title":"Walk","isPublic":false}`, sess))
	id := decodeBody(t, rec)["memoryId"].(string)
	app.do(attachAudioRequest(t, id, sess, []byte("fake-webm-bytes")))

	// No credentials at all.
	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+id, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bare stream = %d, want 401", rec.Code)
	}

	// Forged token.
	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+id+"?token=forged", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token = %d, want 401", rec.Code)
	}

	// Valid stream token.
	tok := app.tokens.Issue(id, token.PlaybackTTL)
	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+id+"?token="+tok, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("token stream = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "fake-webm-bytes" {
		t.Errorf("stream body = %q", got)
	}

	// A token for one memory does not open another.
	other := seed(t, app.store, storage.Memory{
		ID: "m-other", UserID: "u1", UserName: "Ada", Title: "Other",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
		AudioStorage: blobstore.StorageLocal, AudioFileName: "m-other.webm",
	})
	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+other.ID+"?token="+tok, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("cross-memory token = %d, want 401", rec.Code)
	}

	// Owner session works without a stream token.
	rec = app.do(authReq(http.MethodGet, "/api/uploads/stream/"+id, "", sess))
	if rec.Code != http.StatusOK {
		t.Errorf("owner session stream = %d", rec.Code)
	}

	// Stranger session on a private memory does not.
	rec = app.do(authReq(http.MethodGet, "/api/uploads/stream/"+id, "", app.session("u2", "Grace")))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stranger session stream = %d, want 401", rec.Code)
	}
}

func TestStreamLegacyRedirect(t *testing.T) {
	app := setupHandler(t)

	mem := seed(t, app.store, storage.Memory{
		ID: "m-legacy", UserID: "u1", UserName: "Ada", Title: "Old",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
		AudioStorage: blobstore.StorageLegacy, AudioURL: "https://files.example.com/old.mp3",
	})

	tok := app.tokens.Issue(mem.ID, token.PlaybackTTL)
	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+mem.ID+"?token="+tok, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("legacy stream = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://files.example.com/old.mp3" {
		t.Errorf("Location = %q", loc)
	}
}

func TestStreamLegacySelfServed(t *testing.T) {
	app := setupHandler(t)

	// A legacy URL under this server's own uploads path has no HTTP
	// route of its own; the stream endpoint serves the file directly.
	mem := seed(t, app.store, storage.Memory{
		ID: "m-legacy-local", UserID: "u1", UserName: "Ada", Title: "Old local",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
		AudioStorage: blobstore.StorageLegacy,
		AudioURL:     "http://127.0.0.1:4600/uploads/m-legacy-local.webm",
	})
	if err := os.WriteFile(filepath.Join(app.uploadsDir, "m-legacy-local.webm"), []byte("legacy-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	tok := app.tokens.Issue(mem.ID, token.PlaybackTTL)
	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/uploads/stream/"+mem.ID+"?token="+tok, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("self-served legacy stream = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "legacy-bytes" {
		t.Errorf("stream body = %q", got)
	}
}

func TestWorkerCallback(t *testing.T) {
	app := setupHandler(t)

	mem := seed(t, app.store, storage.Memory{
		ID: "m-cb", UserID: "u1", UserName: "Ada", Title: "T",
		Status: storage.StatusProcessing, IsPublic: boolPtr(true),
	})

	body := `{"transcript":"we walked to the lake","topic":"Family","entities":{"people":["Grace"],"places":["lake"],"dates":[]},"embedding":[0.1,0.9]}`

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/worker-callback/"+mem.ID, strings.NewReader(body))
	req.Header.Set("X-Worker-Secret", "wrong")
	if rec := app.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads/worker-callback/"+mem.ID, strings.NewReader(body))
	req.Header.Set("X-Worker-Secret", testWorkerSecret)
	if rec := app.do(req); rec.Code != http.StatusOK {
		t.Fatalf("callback = %d: %s", rec.Code, rec.Body.String())
	}

	got, err := app.store.GetMemory(mem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Transcript != "we walked to the lake" {
		t.Errorf("transcript = %q", got.Transcript)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding = %v", got.Embedding)
	}
}

func TestDeleteMemory(t *testing.T) {
	app := setupHandler(t)
	owner := app.session("u1", "Ada")

	seed(t, app.store, storage.Memory{
		ID: "m-del", UserID: "u1", UserName: "Ada", Title: "T",
		Status: storage.StatusCompleted, IsPublic: boolPtr(true),
	})

	rec := app.do(authReq(http.MethodDelete, "/api/memories/m-del", "", owner))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = app.do(authReq(http.MethodGet, "/api/memories/m-del", "", owner))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

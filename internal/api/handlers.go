package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/blobstore"
	"github.com/talesync/talesync/internal/pipeline"
	"github.com/talesync/talesync/internal/storage"
	"github.com/talesync/talesync/internal/token"
)

const maxAudioUploadSize = 25 << 20 // 25MB

const publicFeedLimit = 40

// ChainReader resolves the similarity chain for one memory.
type ChainReader interface {
	Related(ctx context.Context, mem *storage.Memory, callerID string) ([]storage.Memory, error)
}

// Deps wires the HTTP surface to the rest of the application.
type Deps struct {
	Store    *storage.Store
	Pipeline *pipeline.Service
	Chains   ChainReader
	Resolver *audioaccess.Resolver
	Blobs    *blobstore.Gateway
	Tokens   *token.Service
}

// NewHandler builds the full router: authenticated memory and upload
// routes, the public story route, the token-or-session audio stream,
// the worker callback, and the health probe.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/api/memories/public/story/{id}", handlePublicStory(deps))
	r.Get("/api/uploads/stream/{memoryId}", handleStream(deps))
	r.Post("/api/uploads/worker-callback/{memoryId}", handleWorkerCallback(deps))

	r.Group(func(r chi.Router) {
		r.Use(SessionAuth(deps.Tokens))

		r.Post("/api/memories", handleCreateMemory(deps))
		r.Get("/api/memories/me", handleListMine(deps))
		r.Get("/api/memories/public/feed", handlePublicFeed(deps))
		r.Get("/api/memories/{id}", handleGetMemory(deps))
		r.Patch("/api/memories/{id}/visibility", handleSetVisibility(deps))
		r.Delete("/api/memories/{id}", handleDeleteMemory(deps))

		r.Post("/api/uploads/audio", handleAttachAudio(deps))
		r.Post("/api/uploads/complete", handleCompleteUpload(deps))
		r.Post("/api/uploads/retry/{memoryId}", handleRetry(deps))
	})

	return r
}

type memoryView struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	UserName         string           `json:"userName"`
	Title            string           `json:"title"`
	Transcript       string           `json:"transcript,omitempty"`
	Topic            string           `json:"topic,omitempty"`
	Entities         storage.Entities `json:"entities"`
	Status           string           `json:"status"`
	ProcessingError  string           `json:"processingError,omitempty"`
	IsPublic         bool             `json:"isPublic"`
	StorageMode      string           `json:"storageMode,omitempty"`
	PlaybackURL      string           `json:"playbackUrl,omitempty"`
	AudioDurationSec int              `json:"audioDurationSec,omitempty"`
	AudioMimeType    string           `json:"audioMimeType,omitempty"`
	RelatedIDs       []string         `json:"relatedIds"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// memoryToView renders a record for JSON responses. The playback URL
// is resolved fresh on every call: signed URLs and stream tokens
// expire, so a cached one would go stale in any client that holds the
// response.
func memoryToView(deps Deps, m *storage.Memory) memoryView {
	v := memoryView{
		ID:               m.ID,
		UserID:           m.UserID,
		UserName:         m.UserName,
		Title:            m.Title,
		Transcript:       m.Transcript,
		Topic:            m.Topic,
		Entities:         m.Entities,
		Status:           m.Status,
		ProcessingError:  m.ProcessingError,
		IsPublic:         m.Public(),
		AudioDurationSec: m.AudioDurationSec,
		AudioMimeType:    m.AudioMimeType,
		RelatedIDs:       m.RelatedIDs,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if v.RelatedIDs == nil {
		v.RelatedIDs = []string{}
	}
	if loc := m.AudioLocation(); loc != nil {
		v.StorageMode = loc.Mode()
		v.PlaybackURL = deps.Resolver.PlaybackURL(m)
	}
	return v
}

func memoriesToViews(deps Deps, ms []storage.Memory) []memoryView {
	views := make([]memoryView, 0, len(ms))
	for i := range ms {
		views = append(views, memoryToView(deps, &ms[i]))
	}
	return views
}

// respondError maps domain errors onto the HTTP taxonomy.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "memory not found")
	case errors.Is(err, pipeline.ErrForbidden):
		httpError(w, http.StatusForbidden, "authorization_error", "not allowed")
	case errors.Is(err, pipeline.ErrUnauthorized):
		httpError(w, http.StatusUnauthorized, "authentication_error", "invalid credentials")
	case errors.Is(err, pipeline.ErrNoAudio):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.CountMemories(""); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type createMemoryRequest struct {
	Title    string `json:"title"`
	IsPublic *bool  `json:"isPublic"`
}

func handleCreateMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)

		var req createMemoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		// Absent visibility means public.
		isPublic := true
		if req.IsPublic != nil {
			isPublic = *req.IsPublic
		}

		mem, err := deps.Pipeline.CreateDraft(caller.UserID, caller.UserName, req.Title, isPublic)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"memoryId": mem.ID})
	}
}

func handleListMine(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		ms, err := deps.Store.ListByUser(caller.UserID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": memoriesToViews(deps, ms)})
	}
}

func handlePublicFeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		ms, err := deps.Store.ListPublicFeed(caller.UserID, publicFeedLimit)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": memoriesToViews(deps, ms)})
	}
}

// handlePublicStory serves a single public completed memory without
// authentication, with its resolved chain.
func handlePublicStory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		mem, err := deps.Store.GetMemory(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if !audioaccess.CanAccess(&mem, "") {
			// Indistinguishable from absent.
			httpError(w, http.StatusNotFound, "not_found_error", "memory not found")
			return
		}
		related, err := deps.Chains.Related(r.Context(), &mem, "")
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"memory":  memoryToView(deps, &mem),
			"related": memoriesToViews(deps, related),
		})
	}
}

func handleGetMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		mem, err := deps.Store.GetMemory(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, err)
			return
		}
		if !audioaccess.CanAccess(&mem, caller.UserID) {
			httpError(w, http.StatusNotFound, "not_found_error", "memory not found")
			return
		}
		related, err := deps.Chains.Related(r.Context(), &mem, caller.UserID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"memory":  memoryToView(deps, &mem),
			"related": memoriesToViews(deps, related),
		})
	}
}

type visibilityRequest struct {
	IsPublic *bool `json:"isPublic"`
}

func handleSetVisibility(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)

		var req visibilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsPublic == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "isPublic boolean is required")
			return
		}
		mem, err := deps.Pipeline.SetVisibility(chi.URLParam(r, "id"), caller.UserID, *req.IsPublic)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memory": memoryToView(deps, &mem)})
	}
}

func handleDeleteMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		if err := deps.Pipeline.Delete(chi.URLParam(r, "id"), caller.UserID); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

func handleAttachAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadSize)

		if err := r.ParseMultipartForm(maxAudioUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		memoryID := r.FormValue("memoryId")
		if memoryID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "memoryId is required")
			return
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading audio: %v", err)
			return
		}
		mimeType := header.Header.Get("Content-Type")

		stored, err := deps.Pipeline.AttachAudio(r.Context(), memoryID, caller.UserID, data, mimeType)
		if err != nil {
			respondError(w, err)
			return
		}

		resp := map[string]any{"storageMode": stored.Location.Mode()}
		if stored.Warning != "" {
			resp["warning"] = stored.Warning
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type completeUploadRequest struct {
	MemoryID    string `json:"memoryId"`
	MimeType    string `json:"mimeType"`
	DurationSec int    `json:"durationSec"`
}

func handleCompleteUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)

		var req completeUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.MemoryID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "memoryId is required")
			return
		}

		mem, err := deps.Pipeline.CompleteUpload(r.Context(), req.MemoryID, caller.UserID, req.MimeType, req.DurationSec)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memory": memoryToView(deps, &mem)})
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r)
		memoryID := chi.URLParam(r, "memoryId")

		if err := deps.Pipeline.Retry(r.Context(), memoryID, caller.UserID); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": storage.StatusProcessing})
	}
}

// handleStream serves audio bytes for one memory. Access is granted by
// either a time-limited stream token (minted into playback and worker
// URLs) or an authenticated session that passes the visibility check.
func handleStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memoryID := chi.URLParam(r, "memoryId")

		mem, err := deps.Store.GetMemory(memoryID)
		if err != nil {
			respondError(w, err)
			return
		}

		if !streamAllowed(deps, r, &mem) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing stream token")
			return
		}

		switch loc := mem.AudioLocation().(type) {
		case blobstore.LocalAudio:
			if mem.AudioMimeType != "" {
				w.Header().Set("Content-Type", mem.AudioMimeType)
			}
			http.ServeFile(w, r, deps.Blobs.LocalPath(loc.FileName))
		case blobstore.RemoteAudio:
			http.Redirect(w, r, deps.Blobs.SignedURL(loc.PublicID, token.PlaybackTTL), http.StatusFound)
		case blobstore.LegacyAudio:
			// Legacy URLs under our own uploads path point at files on
			// this server's disk; everything else lives elsewhere.
			if u, err := url.Parse(loc.URL); err == nil && strings.HasPrefix(u.Path, "/uploads/") {
				if mem.AudioMimeType != "" {
					w.Header().Set("Content-Type", mem.AudioMimeType)
				}
				http.ServeFile(w, r, deps.Blobs.LocalPath(path.Base(u.Path)))
				return
			}
			http.Redirect(w, r, loc.URL, http.StatusFound)
		default:
			httpError(w, http.StatusNotFound, "not_found_error", "memory has no audio")
		}
	}
}

func streamAllowed(deps Deps, r *http.Request, mem *storage.Memory) bool {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return deps.Tokens.Verify(tok, mem.ID)
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	userID, _, ok := deps.Tokens.VerifySession(auth[len(prefix):])
	return ok && audioaccess.CanAccess(mem, userID)
}

type workerCallbackRequest struct {
	Transcript      string           `json:"transcript"`
	Topic           string           `json:"topic"`
	Entities        storage.Entities `json:"entities"`
	Embedding       []float32        `json:"embedding"`
	Status          string           `json:"status"`
	ProcessingError string           `json:"processingError"`
}

func handleWorkerCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memoryID := chi.URLParam(r, "memoryId")
		secret := r.Header.Get("X-Worker-Secret")

		var req workerCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Pipeline.HandleWorkerCallback(memoryID, secret, storage.WorkerResult{
			Transcript:      req.Transcript,
			Topic:           req.Topic,
			Entities:        req.Entities,
			Embedding:       req.Embedding,
			Status:          req.Status,
			ProcessingError: req.ProcessingError,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

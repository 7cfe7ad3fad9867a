// Package pipeline carries a memory through its lifecycle: draft,
// audio attach, completion, worker dispatch, callback, retry. The
// slow parts (dispatch, chain rebuild) run as queued jobs drained by
// the Worker, detached from the triggering request.
package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/blobstore"
	"github.com/talesync/talesync/internal/storage"
)

// MaxTitleLen caps user-supplied titles.
const MaxTitleLen = 120

// Job types drained by the Worker.
const (
	JobDispatchWorker = "dispatch_worker"
	JobChainRebuild   = "chain_rebuild"
)

var (
	// ErrForbidden rejects a caller who does not own the record.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized rejects a worker callback with a bad secret.
	// Deliberately detail-free: the caller learns nothing about why.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoAudio rejects completing an upload before audio is attached.
	ErrNoAudio = errors.New("audio upload missing, upload audio first")
)

// Service implements the user-facing lifecycle operations.
type Service struct {
	store        *storage.Store
	blobs        *blobstore.Gateway
	resolver     *audioaccess.Resolver
	workerSecret string
}

// NewService wires the lifecycle service.
func NewService(store *storage.Store, blobs *blobstore.Gateway, resolver *audioaccess.Resolver, workerSecret string) *Service {
	return &Service{
		store:        store,
		blobs:        blobs,
		resolver:     resolver,
		workerSecret: workerSecret,
	}
}

// CreateDraft creates a new memory in the uploaded state with no audio.
func (s *Service) CreateDraft(userID, userName, title string, isPublic bool) (storage.Memory, error) {
	title = strings.TrimSpace(title)
	// The cap counts characters, not bytes; a byte slice could cut a
	// multibyte title short or split a rune.
	if r := []rune(title); len(r) > MaxTitleLen {
		title = string(r[:MaxTitleLen])
	}
	m := storage.Memory{
		ID:       uuid.New().String(),
		UserID:   userID,
		UserName: userName,
		Title:    title,
		IsPublic: &isPublic,
		Status:   storage.StatusUploaded,
	}
	if err := s.store.CreateMemory(m); err != nil {
		return storage.Memory{}, fmt.Errorf("creating draft: %w", err)
	}
	return s.store.GetMemory(m.ID)
}

// AttachAudio stores the uploaded bytes and records the resulting
// location on the memory. The returned Stored carries a warning when
// the primary store failed and local disk was used instead.
func (s *Service) AttachAudio(ctx context.Context, memoryID, callerID string, data []byte, mimeType string) (blobstore.Stored, error) {
	mem, err := s.ownedMemory(memoryID, callerID)
	if err != nil {
		return blobstore.Stored{}, err
	}

	stored, err := s.blobs.Store(ctx, data, mimeType, mem.UserID, mem.ID)
	if err != nil {
		return blobstore.Stored{}, fmt.Errorf("storing audio: %w", err)
	}
	if err := s.store.UpdateAudio(mem.ID, stored.Location, mimeType); err != nil {
		return blobstore.Stored{}, fmt.Errorf("recording audio location: %w", err)
	}
	return stored, nil
}

// CompleteUpload validates that audio is attached, moves the memory to
// processing, and schedules worker dispatch. It returns as soon as the
// job is queued; dispatch failure surfaces later through the record.
func (s *Service) CompleteUpload(ctx context.Context, memoryID, callerID, mimeType string, durationSec int) (storage.Memory, error) {
	mem, err := s.ownedMemory(memoryID, callerID)
	if err != nil {
		return storage.Memory{}, err
	}
	if !mem.HasAudio() {
		return storage.Memory{}, ErrNoAudio
	}
	if durationSec < 0 {
		durationSec = 0
	}

	if err := s.store.UpdateAudioMeta(mem.ID, mimeType, durationSec); err != nil {
		return storage.Memory{}, fmt.Errorf("updating audio metadata: %w", err)
	}
	if err := s.beginProcessing(mem.ID); err != nil {
		return storage.Memory{}, err
	}
	return s.store.GetMemory(mem.ID)
}

// Retry re-enters processing from failed (or completed, to force
// reprocessing). It re-validates that an audio source still resolves
// safely before anything is queued.
func (s *Service) Retry(ctx context.Context, memoryID, callerID string) error {
	mem, err := s.ownedMemory(memoryID, callerID)
	if err != nil {
		return err
	}
	if _, err := s.resolver.WorkerURL(&mem); err != nil {
		return fmt.Errorf("%w: %s", ErrNoAudio, err)
	}
	return s.beginProcessing(mem.ID)
}

func (s *Service) beginProcessing(memoryID string) error {
	if err := s.store.MarkProcessing(memoryID); err != nil {
		return fmt.Errorf("marking processing: %w", err)
	}
	// One attempt only: dispatch is never retried automatically beyond
	// the client's own address-family fallback.
	if err := s.enqueue(JobDispatchWorker, memoryID, 1); err != nil {
		return fmt.Errorf("queueing dispatch: %w", err)
	}
	return nil
}

// HandleWorkerCallback authenticates the worker and applies its
// result. The write is idempotent: replaying a payload converges to
// the same record state. A completed result schedules a chain rebuild.
func (s *Service) HandleWorkerCallback(memoryID, secret string, result storage.WorkerResult) error {
	if s.workerSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.workerSecret)) != 1 {
		return ErrUnauthorized
	}

	if err := s.store.ApplyWorkerResult(memoryID, result); err != nil {
		if err == storage.ErrNotFound {
			return err
		}
		return fmt.Errorf("applying worker result: %w", err)
	}

	status := result.Status
	if status == "" {
		status = storage.StatusCompleted
	}
	if status == storage.StatusCompleted {
		if err := s.enqueue(JobChainRebuild, memoryID, 3); err != nil {
			return fmt.Errorf("queueing chain rebuild: %w", err)
		}
	}
	return nil
}

// SetVisibility writes an explicit public flag, owner-only.
func (s *Service) SetVisibility(memoryID, callerID string, public bool) (storage.Memory, error) {
	mem, err := s.ownedMemory(memoryID, callerID)
	if err != nil {
		return storage.Memory{}, err
	}
	if err := s.store.SetVisibility(mem.ID, public); err != nil {
		return storage.Memory{}, fmt.Errorf("updating visibility: %w", err)
	}
	return s.store.GetMemory(mem.ID)
}

// Delete removes a memory and its local audio file, owner-only. Other
// records' chain caches are left to dangle; readers re-validate.
func (s *Service) Delete(memoryID, callerID string) error {
	mem, err := s.ownedMemory(memoryID, callerID)
	if err != nil {
		return err
	}
	if loc, ok := mem.AudioLocation().(blobstore.LocalAudio); ok {
		if err := s.blobs.RemoveLocal(loc.FileName); err != nil {
			return fmt.Errorf("removing audio file: %w", err)
		}
	}
	return s.store.DeleteMemory(mem.ID)
}

func (s *Service) ownedMemory(memoryID, callerID string) (storage.Memory, error) {
	mem, err := s.store.GetMemory(memoryID)
	if err != nil {
		return storage.Memory{}, err
	}
	if mem.UserID != callerID {
		return storage.Memory{}, ErrForbidden
	}
	return mem, nil
}

type jobPayload struct {
	MemoryID string `json:"memoryId"`
}

func (s *Service) enqueue(jobType, memoryID string, maxAttempts int) error {
	payload, err := json.Marshal(jobPayload{MemoryID: memoryID})
	if err != nil {
		return err
	}
	return s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	})
}

package storage

import (
	"errors"
	"time"

	"github.com/talesync/talesync/internal/blobstore"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Memory lifecycle states. Status only advances
// uploaded -> processing -> completed|failed; processing is re-entered
// via an explicit retry, never silently.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxRelated caps the similarity chain cached on each memory.
const MaxRelated = 8

// Entities holds the named entity lists the worker extracts.
type Entities struct {
	People []string `json:"people"`
	Places []string `json:"places"`
	Dates  []string `json:"dates"`
}

// Memory is the central record: one recorded story plus everything the
// worker derived from it.
type Memory struct {
	ID       string
	UserID   string
	UserName string
	Title    string

	Transcript string
	Topic      string
	Entities   Entities
	Embedding  []float32

	AudioStorage     string // "", "remote", "local", "legacy"
	AudioPublicID    string
	AudioFileName    string
	AudioURL         string
	AudioMimeType    string
	AudioDurationSec int

	// IsPublic is nil on legacy rows that predate the field; readers
	// treat absence as true. Writes always persist an explicit value.
	IsPublic *bool

	Status          string
	ProcessingError string

	// RelatedIDs caches the most recent similarity computation. Not
	// ground truth: readers re-validate entries on access, so a
	// deleted neighbor merely leaves a dangling id here.
	RelatedIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Public reports whether the memory is publicly visible, reading a
// missing flag as true for backward compatibility.
func (m *Memory) Public() bool {
	return m.IsPublic == nil || *m.IsPublic
}

// HasAudio reports whether any storage mode has a populated locator.
func (m *Memory) HasAudio() bool {
	return m.AudioLocation() != nil
}

// AudioLocation maps the persisted storage columns onto the closed
// location variant, or nil when no audio is attached yet.
func (m *Memory) AudioLocation() blobstore.AudioLocation {
	switch m.AudioStorage {
	case blobstore.StorageRemote:
		if m.AudioPublicID != "" {
			return blobstore.RemoteAudio{PublicID: m.AudioPublicID}
		}
	case blobstore.StorageLocal:
		if m.AudioFileName != "" {
			return blobstore.LocalAudio{FileName: m.AudioFileName}
		}
	case blobstore.StorageLegacy:
		if m.AudioURL != "" {
			return blobstore.LegacyAudio{URL: m.AudioURL}
		}
	}
	return nil
}

// WorkerResult is the payload the worker callback applies to a memory.
type WorkerResult struct {
	Transcript      string
	Topic           string
	Entities        Entities
	Embedding       []float32
	Status          string // empty defaults to completed
	ProcessingError string
}

// Job is a unit of detached work (worker dispatch, chain rebuild)
// queued in SQLite and drained by the pipeline worker.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

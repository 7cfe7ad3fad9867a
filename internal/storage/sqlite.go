// Package storage persists memory records and the detached-work job
// queue in SQLite.
package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/talesync/talesync/internal/blobstore"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for memories and jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "talesync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Memories ---

const memoryColumns = `id, user_id, user_name, title, transcript, topic,
	people, places, dates, embedding,
	audio_storage, audio_public_id, audio_file_name, audio_url, audio_mime_type, audio_duration_sec,
	is_public, status, processing_error, related_ids, created_at, updated_at`

// CreateMemory inserts a new record. Zero-value fields get their
// schema defaults; the caller supplies id, owner, title, visibility.
func (s *Store) CreateMemory(m Memory) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Status == "" {
		m.Status = StatusUploaded
	}
	if m.AudioMimeType == "" {
		m.AudioMimeType = "audio/webm"
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.UserName, m.Title, m.Transcript, m.Topic,
		marshalStrings(m.Entities.People), marshalStrings(m.Entities.Places), marshalStrings(m.Entities.Dates),
		encodeFloat32s(m.Embedding),
		m.AudioStorage, m.AudioPublicID, m.AudioFileName, m.AudioURL, m.AudioMimeType, m.AudioDurationSec,
		boolValue(m.IsPublic), m.Status, m.ProcessingError, marshalStrings(m.RelatedIDs),
		m.CreatedAt.Format(time.RFC3339), m.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// GetMemory returns a single record by id.
func (s *Store) GetMemory(id string) (Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// ListByUser returns all of a user's memories, newest first.
func (s *Store) ListByUser(userID string) ([]Memory, error) {
	return s.queryMemories(`
		SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListPublicFeed returns completed, public (or legacy-unset) memories
// from users other than excludeUserID, newest first.
func (s *Store) ListPublicFeed(excludeUserID string, limit int) ([]Memory, error) {
	return s.queryMemories(`
		SELECT `+memoryColumns+` FROM memories
		WHERE status = ? AND (is_public IS NULL OR is_public = 1) AND user_id != ?
		ORDER BY created_at DESC LIMIT ?`, StatusCompleted, excludeUserID, limit)
}

// SearchMemories does a keyword match over transcript, topic, and title
// of completed public memories. It backs the read-only MCP tools; a
// dedicated text index can replace it without changing callers.
func (s *Store) SearchMemories(query string, limit int) ([]Memory, error) {
	like := "%" + strings.ReplaceAll(strings.ReplaceAll(query, "%", `\%`), "_", `\_`) + "%"
	return s.queryMemories(`
		SELECT `+memoryColumns+` FROM memories
		WHERE status = ? AND (is_public IS NULL OR is_public = 1)
		  AND (transcript LIKE ? ESCAPE '\' OR topic LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\')
		ORDER BY created_at DESC LIMIT ?`, StatusCompleted, like, like, like, limit)
}

// GetByIDs returns the records matching ids, in database order. Missing
// ids are silently skipped: related-id caches may dangle after deletes.
func (s *Store) GetByIDs(ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryMemories(`SELECT `+memoryColumns+` FROM memories WHERE id IN (?`+placeholders+`)`, args...)
}

// ListChainCandidates returns up to limit completed memories with
// embeddings, excluding excludeID, newest first.
func (s *Store) ListChainCandidates(excludeID string, limit int) ([]Memory, error) {
	return s.queryMemories(`
		SELECT `+memoryColumns+` FROM memories
		WHERE id != ? AND status = ? AND embedding IS NOT NULL AND length(embedding) > 0
		ORDER BY created_at DESC LIMIT ?`, excludeID, StatusCompleted, limit)
}

// UpdateAudio persists the storage location chosen by the gateway,
// clearing the locators of the other modes so exactly one is set.
func (s *Store) UpdateAudio(id string, loc blobstore.AudioLocation, mimeType string) error {
	var storage, publicID, fileName, rawURL string
	switch l := loc.(type) {
	case blobstore.RemoteAudio:
		storage, publicID = blobstore.StorageRemote, l.PublicID
	case blobstore.LocalAudio:
		storage, fileName = blobstore.StorageLocal, l.FileName
	case blobstore.LegacyAudio:
		storage, rawURL = blobstore.StorageLegacy, l.URL
	default:
		return fmt.Errorf("unsupported audio location %T", loc)
	}
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	return s.update(`
		UPDATE memories SET audio_storage = ?, audio_public_id = ?, audio_file_name = ?,
			audio_url = ?, audio_mime_type = ?, updated_at = ?
		WHERE id = ?`,
		storage, publicID, fileName, rawURL, mimeType, nowRFC3339(), id)
}

// UpdateAudioMeta records the client-reported mime type and duration
// at upload completion.
func (s *Store) UpdateAudioMeta(id, mimeType string, durationSec int) error {
	if mimeType == "" {
		return s.update(`UPDATE memories SET audio_duration_sec = ?, updated_at = ? WHERE id = ?`,
			durationSec, nowRFC3339(), id)
	}
	return s.update(`UPDATE memories SET audio_mime_type = ?, audio_duration_sec = ?, updated_at = ? WHERE id = ?`,
		mimeType, durationSec, nowRFC3339(), id)
}

// MarkProcessing moves a record into processing and clears any prior
// error. Explicit user actions (complete, retry) are the only callers.
func (s *Store) MarkProcessing(id string) error {
	return s.update(`UPDATE memories SET status = ?, processing_error = '', updated_at = ? WHERE id = ?`,
		StatusProcessing, nowRFC3339(), id)
}

// MarkFailed records a dispatch failure. The guard on the current
// status keeps a late-arriving failure from a detached task from
// overwriting a record the worker callback has already completed.
func (s *Store) MarkFailed(id, errText string) error {
	_, err := s.db.Exec(`UPDATE memories SET status = ?, processing_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, errText, nowRFC3339(), id, StatusProcessing)
	return err
}

// ApplyWorkerResult writes the worker's output in a single idempotent
// update keyed by id: replaying the same payload rewrites identical
// values, so a duplicate callback converges to the same record state.
func (s *Store) ApplyWorkerResult(id string, r WorkerResult) error {
	status := r.Status
	if status == "" {
		status = StatusCompleted
	}
	return s.update(`
		UPDATE memories SET transcript = ?, topic = ?, people = ?, places = ?, dates = ?,
			embedding = ?, status = ?, processing_error = ?, updated_at = ?
		WHERE id = ?`,
		r.Transcript, r.Topic,
		marshalStrings(r.Entities.People), marshalStrings(r.Entities.Places), marshalStrings(r.Entities.Dates),
		encodeFloat32s(r.Embedding), status, r.ProcessingError, nowRFC3339(), id)
}

// SetVisibility writes an explicit public flag.
func (s *Store) SetVisibility(id string, public bool) error {
	v := 0
	if public {
		v = 1
	}
	return s.update(`UPDATE memories SET is_public = ?, updated_at = ? WHERE id = ?`, v, nowRFC3339(), id)
}

// UpdateRelatedIDs replaces the cached similarity chain. Last writer
// wins by design: the chain is a cache, not ground truth.
func (s *Store) UpdateRelatedIDs(id string, related []string) error {
	if len(related) > MaxRelated {
		related = related[:MaxRelated]
	}
	return s.update(`UPDATE memories SET related_ids = ?, updated_at = ? WHERE id = ?`,
		marshalStrings(related), nowRFC3339(), id)
}

// DeleteMemory removes a record. Other records' related_ids caches are
// left alone; chain readers drop dangling ids.
func (s *Store) DeleteMemory(id string) error {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMemories returns the number of memories with the given status,
// or all memories when status is empty.
func (s *Store) CountMemories(status string) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE status = ?`, status).Scan(&n)
	}
	return n, err
}

func (s *Store) update(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryMemories(query string, args ...any) ([]Memory, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var people, places, dates, related string
	var embedding []byte
	var isPublic sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&m.ID, &m.UserID, &m.UserName, &m.Title, &m.Transcript, &m.Topic,
		&people, &places, &dates, &embedding,
		&m.AudioStorage, &m.AudioPublicID, &m.AudioFileName, &m.AudioURL, &m.AudioMimeType, &m.AudioDurationSec,
		&isPublic, &m.Status, &m.ProcessingError, &related, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, err
	}

	m.Entities.People = unmarshalStrings(people)
	m.Entities.Places = unmarshalStrings(places)
	m.Entities.Dates = unmarshalStrings(dates)
	m.RelatedIDs = unmarshalStrings(related)
	if m.Embedding, err = decodeFloat32s(embedding); err != nil {
		return Memory{}, fmt.Errorf("decoding embedding for %s: %w", m.ID, err)
	}
	if isPublic.Valid {
		v := isPublic.Int64 != 0
		m.IsPublic = &v
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Memory{}, fmt.Errorf("parsing created_at for %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Memory{}, fmt.Errorf("parsing updated_at for %s: %w", m.ID, err)
	}
	return m, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolValue(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}

// encodeFloat32s packs a vector as little-endian float32 bytes.
func encodeFloat32s(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

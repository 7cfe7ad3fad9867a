// Package blobstore decides where audio bytes live: a primary remote
// object store with a local-disk fallback, plus signed delivery URLs
// for remote objects.
package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Uploader is the remote-store surface the gateway depends on.
type Uploader interface {
	Upload(ctx context.Context, publicID, mimeType string, data []byte) error
	SignedURL(publicID string, ttl time.Duration) string
}

// Stored describes the outcome of a Store call. Warning is non-empty
// when the primary store failed and the bytes went to local disk; the
// upload still succeeded and callers surface it as advisory only.
type Stored struct {
	Location AudioLocation
	Warning  string
}

// Gateway persists audio buffers and later produces a way to fetch
// them back.
type Gateway struct {
	remote     Uploader
	uploadsDir string
	logger     *slog.Logger
}

// NewGateway creates a Gateway writing fallback files under uploadsDir.
func NewGateway(remote Uploader, uploadsDir string) *Gateway {
	return &Gateway{
		remote:     remote,
		uploadsDir: uploadsDir,
		logger:     slog.Default(),
	}
}

// Store attempts the primary remote store first, placing the object
// under a path namespaced by owner and keyed by memory id so
// re-uploads overwrite deterministically. On any remote failure it
// writes the bytes to local disk instead; the returned Stored says
// which mode was used and carries the warning text.
func (g *Gateway) Store(ctx context.Context, data []byte, mimeType, ownerID, memoryID string) (Stored, error) {
	publicID := fmt.Sprintf("memories/%s/%s", ownerID, memoryID)

	remoteErr := g.remote.Upload(ctx, publicID, mimeType, data)
	if remoteErr == nil {
		return Stored{Location: RemoteAudio{PublicID: publicID}}, nil
	}
	g.logger.Warn("remote audio upload failed, falling back to local disk",
		"memory_id", memoryID, "error", remoteErr)

	fileName := memoryID + ExtensionForMIME(mimeType)
	if err := os.MkdirAll(g.uploadsDir, 0o755); err != nil {
		return Stored{}, fmt.Errorf("creating uploads directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.uploadsDir, fileName), data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("writing fallback audio file: %w", err)
	}

	return Stored{
		Location: LocalAudio{FileName: fileName},
		Warning:  fmt.Sprintf("primary store failed: %v", remoteErr),
	}, nil
}

// SignedURL mints a time-limited URL for a remote object. Local and
// legacy audio has no direct signed URL; callers go through the access
// token service instead.
func (g *Gateway) SignedURL(publicID string, ttl time.Duration) string {
	return g.remote.SignedURL(publicID, ttl)
}

// LocalPath returns the on-disk path for a fallback file name, with
// the name flattened to its base to keep lookups inside uploadsDir.
func (g *Gateway) LocalPath(fileName string) string {
	return filepath.Join(g.uploadsDir, filepath.Base(fileName))
}

// RemoveLocal deletes a fallback file. Missing files are not an error;
// delete is best-effort cleanup.
func (g *Gateway) RemoveLocal(fileName string) error {
	err := os.Remove(g.LocalPath(fileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ExtensionForMIME maps an audio mime type to the on-disk extension.
func ExtensionForMIME(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "mp4"):
		return ".m4a"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	default:
		return ".webm"
	}
}

// Package audioaccess decides who may fetch a memory's audio and which
// URL they fetch it through: a signed remote URL, a legacy direct URL,
// or a capability-token proxy route served by this process.
package audioaccess

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/talesync/talesync/internal/blobstore"
	"github.com/talesync/talesync/internal/storage"
	"github.com/talesync/talesync/internal/token"
)

// CanAccess reports whether callerID may see mem's audio: owners
// always, everyone else only for completed, public memories. Private,
// unfinished, or failed memories never leak to non-owners.
func CanAccess(mem *storage.Memory, callerID string) bool {
	if mem == nil {
		return false
	}
	if callerID != "" && mem.UserID == callerID {
		return true
	}
	return mem.Public() && mem.Status == storage.StatusCompleted
}

// URLSigner mints signed delivery URLs for remote objects.
type URLSigner interface {
	SignedURL(publicID string, ttl time.Duration) string
}

// Resolver turns a memory's audio location into a fetchable URL.
type Resolver struct {
	signer     URLSigner
	tokens     *token.Service
	baseURL    string
	production bool
}

// NewResolver creates a Resolver. baseURL is the externally reachable
// address of this server; production tightens the outbound-safety check.
func NewResolver(signer URLSigner, tokens *token.Service, baseURL string, production bool) *Resolver {
	return &Resolver{
		signer:     signer,
		tokens:     tokens,
		baseURL:    strings.TrimRight(baseURL, "/"),
		production: production,
	}
}

// PlaybackURL returns the URL a player should fetch mem's audio from,
// or "" when no audio is attached. Signed remote URLs expire in 15
// minutes; callers re-resolve on every fetch and never cache them.
func (r *Resolver) PlaybackURL(mem *storage.Memory) string {
	switch loc := mem.AudioLocation().(type) {
	case blobstore.RemoteAudio:
		return r.signer.SignedURL(loc.PublicID, token.PlaybackTTL)
	case blobstore.LegacyAudio:
		// Legacy URLs pointing outside this server are served as-is;
		// ones under our own uploads path go through the gated proxy.
		if !r.selfServed(loc.URL) {
			return loc.URL
		}
		return r.streamURL(mem.ID, token.PlaybackTTL)
	case blobstore.LocalAudio:
		return r.streamURL(mem.ID, token.PlaybackTTL)
	}
	return ""
}

// WorkerURL resolves the audio URL handed to the external worker, with
// the longer worker TTL. The result must pass the outbound-safety
// check: this URL leaves the trust boundary, and a record pointing at
// an internal address must never make the worker fetch it.
func (r *Resolver) WorkerURL(mem *storage.Memory) (string, error) {
	var resolved string
	switch loc := mem.AudioLocation().(type) {
	case blobstore.RemoteAudio:
		resolved = r.signer.SignedURL(loc.PublicID, token.WorkerTTL)
	case blobstore.LocalAudio:
		resolved = r.streamURL(mem.ID, token.WorkerTTL)
	case blobstore.LegacyAudio:
		resolved = loc.URL
	default:
		return "", fmt.Errorf("memory %s has no audio source", mem.ID)
	}
	if !IsSafeIncomingAudioURL(resolved, r.production) {
		return "", fmt.Errorf("audio URL for memory %s failed the outbound safety check", mem.ID)
	}
	return resolved, nil
}

func (r *Resolver) streamURL(memoryID string, ttl time.Duration) string {
	tok := r.tokens.Issue(memoryID, ttl)
	return fmt.Sprintf("%s/api/uploads/stream/%s?token=%s", r.baseURL, memoryID, url.QueryEscape(tok))
}

// selfServed reports whether a legacy URL points at this server's own
// uploads path and therefore must be gated through the stream route.
func (r *Resolver) selfServed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return strings.HasPrefix(u.Path, "/uploads/")
}

// Package chain maintains the "related memories" graph: for each
// memory, the top similar completed memories by embedding proximity.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/storage"
	"github.com/talesync/talesync/internal/vector"
)

// RebuildThreshold is the acceptance score for the rebuild path.
// FallbackThreshold is the slightly looser score used when computing an
// ad-hoc chain at read time for records with no precomputed one. The
// two values are intentionally distinct; unifying them would change
// long-standing behavior.
const (
	RebuildThreshold  = 0.65
	FallbackThreshold = 0.60
)

// CandidateLimit bounds the scan for cost control.
const CandidateLimit = 200

const backfillConcurrency = 4

// Store is the persistence surface the builder needs.
type Store interface {
	GetMemory(id string) (storage.Memory, error)
	ListChainCandidates(excludeID string, limit int) ([]storage.Memory, error)
	GetByIDs(ids []string) ([]storage.Memory, error)
	UpdateRelatedIDs(id string, related []string) error
}

// Builder recomputes similarity chains.
type Builder struct {
	store  Store
	logger *slog.Logger
}

// NewBuilder creates a Builder over store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store, logger: slog.Default()}
}

// Rebuild recomputes the chain for memoryID and best-effort backfills
// the reverse edge on the memories it linked to. A memory without an
// embedding is a no-op.
func (b *Builder) Rebuild(ctx context.Context, memoryID string) error {
	base, err := b.store.GetMemory(memoryID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("loading memory %s: %w", memoryID, err)
	}
	if len(base.Embedding) == 0 {
		return nil
	}

	candidates, err := b.store.ListChainCandidates(base.ID, CandidateLimit)
	if err != nil {
		return fmt.Errorf("listing chain candidates: %w", err)
	}

	related := topSimilar(base.Embedding, candidates, RebuildThreshold)
	ids := make([]string, len(related))
	for i, m := range related {
		ids[i] = m.ID
	}

	if err := b.store.UpdateRelatedIDs(base.ID, ids); err != nil {
		return fmt.Errorf("storing chain for %s: %w", base.ID, err)
	}

	// Backfill the reverse edges so links stay useful across users.
	// Best-effort: a failed or skipped backfill is compensated for by
	// the read-time fallback, never treated as an error by readers.
	b.backfill(ctx, base.ID, related)
	return nil
}

func (b *Builder) backfill(ctx context.Context, baseID string, related []storage.Memory) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)

	for _, candidate := range related {
		g.Go(func() error {
			if slices.Contains(candidate.RelatedIDs, baseID) {
				return nil
			}
			updated := append([]string{baseID}, candidate.RelatedIDs...)
			if len(updated) > storage.MaxRelated {
				updated = updated[:storage.MaxRelated]
			}
			if err := b.store.UpdateRelatedIDs(candidate.ID, updated); err != nil {
				b.logger.Warn("reverse edge backfill failed",
					"memory_id", candidate.ID, "base_id", baseID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Related resolves the chain for mem as seen by callerID. Cached ids
// are re-validated: entries that no longer exist, are not completed,
// or are not visible to the caller are dropped. When no chain was ever
// computed and the memory has an embedding, an ad-hoc set is computed
// at the looser fallback threshold without being persisted.
func (b *Builder) Related(ctx context.Context, mem *storage.Memory, callerID string) ([]storage.Memory, error) {
	if len(mem.RelatedIDs) > 0 {
		linked, err := b.store.GetByIDs(mem.RelatedIDs)
		if err != nil {
			return nil, fmt.Errorf("resolving chain for %s: %w", mem.ID, err)
		}
		return visibleTo(linked, callerID), nil
	}

	if len(mem.Embedding) == 0 {
		return nil, nil
	}

	candidates, err := b.store.ListChainCandidates(mem.ID, CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("listing fallback candidates: %w", err)
	}
	return visibleTo(topSimilar(mem.Embedding, candidates, FallbackThreshold), callerID), nil
}

// topSimilar scores candidates against embedding, keeps those at or
// above threshold, and returns at most MaxRelated sorted by descending
// score. Ties keep input order.
func topSimilar(embedding []float32, candidates []storage.Memory, threshold float32) []storage.Memory {
	type scored struct {
		mem   storage.Memory
		score float32
	}
	kept := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if s := vector.Cosine(embedding, c.Embedding); s >= threshold {
			kept = append(kept, scored{mem: c, score: s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > storage.MaxRelated {
		kept = kept[:storage.MaxRelated]
	}
	out := make([]storage.Memory, len(kept))
	for i, s := range kept {
		out[i] = s.mem
	}
	return out
}

func visibleTo(memories []storage.Memory, callerID string) []storage.Memory {
	var out []storage.Memory
	for i := range memories {
		m := &memories[i]
		if m.Status == storage.StatusCompleted && audioaccess.CanAccess(m, callerID) {
			out = append(out, *m)
		}
	}
	return out
}

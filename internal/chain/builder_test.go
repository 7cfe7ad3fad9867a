package chain

import (
	"context"
	"slices"
	"testing"

	"github.com/talesync/talesync/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMemory(t *testing.T, s *storage.Store, id, userID string, embedding []float32) {
	t.Helper()
	pub := true
	err := s.CreateMemory(storage.Memory{
		ID:        id,
		UserID:    userID,
		UserName:  "Tester",
		Status:    storage.StatusCompleted,
		Embedding: embedding,
		IsPublic:  &pub,
	})
	if err != nil {
		t.Fatalf("CreateMemory(%s): %v", id, err)
	}
}

func relatedIDs(t *testing.T, s *storage.Store, id string) []string {
	t.Helper()
	m, err := s.GetMemory(id)
	if err != nil {
		t.Fatalf("GetMemory(%s): %v", id, err)
	}
	return m.RelatedIDs
}

func TestRebuildLinksSimilarMemories(t *testing.T) {
	s := openTestStore(t)
	// a and b point nearly the same way (similarity ~0.995); c is far
	// off (~0.3 against both).
	seedMemory(t, s, "a", "u1", []float32{1, 0.1})
	seedMemory(t, s, "b", "u2", []float32{1, 0})
	seedMemory(t, s, "c", "u3", []float32{0.36, 1})

	b := NewBuilder(s)
	if err := b.Rebuild(context.Background(), "a"); err != nil {
		t.Fatalf("Rebuild(a): %v", err)
	}

	if got := relatedIDs(t, s, "a"); !slices.Equal(got, []string{"b"}) {
		t.Errorf("a.related = %v, want [b]", got)
	}
	// Reverse edge backfilled.
	if got := relatedIDs(t, s, "b"); !slices.Contains(got, "a") {
		t.Errorf("b.related = %v, want a backfilled", got)
	}
	if got := relatedIDs(t, s, "c"); len(got) != 0 {
		t.Errorf("c.related = %v, want empty", got)
	}
}

func TestRebuildMutualAboveThreshold(t *testing.T) {
	s := openTestStore(t)
	seedMemory(t, s, "a", "u1", []float32{1, 0.2})
	seedMemory(t, s, "b", "u2", []float32{1, 0.1})

	b := NewBuilder(s)
	if err := b.Rebuild(context.Background(), "a"); err != nil {
		t.Fatalf("Rebuild(a): %v", err)
	}
	if err := b.Rebuild(context.Background(), "b"); err != nil {
		t.Fatalf("Rebuild(b): %v", err)
	}

	if got := relatedIDs(t, s, "a"); !slices.Contains(got, "b") {
		t.Errorf("a.related = %v, want b", got)
	}
	if got := relatedIDs(t, s, "b"); !slices.Contains(got, "a") {
		t.Errorf("b.related = %v, want a", got)
	}
}

func TestRebuildNoEmbeddingIsNoop(t *testing.T) {
	s := openTestStore(t)
	seedMemory(t, s, "a", "u1", nil)
	seedMemory(t, s, "b", "u2", []float32{1, 0})

	if err := NewBuilder(s).Rebuild(context.Background(), "a"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := relatedIDs(t, s, "a"); len(got) != 0 {
		t.Errorf("a.related = %v, want empty", got)
	}
}

func TestRebuildMissingMemoryIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := NewBuilder(s).Rebuild(context.Background(), "ghost"); err != nil {
		t.Errorf("Rebuild of deleted memory: %v", err)
	}
}

func TestRebuildCapsAtMaxRelated(t *testing.T) {
	s := openTestStore(t)
	seedMemory(t, s, "base", "u", []float32{1, 0})
	for i := 0; i < 12; i++ {
		seedMemory(t, s, string(rune('a'+i)), "u", []float32{1, 0.01 * float32(i)})
	}

	if err := NewBuilder(s).Rebuild(context.Background(), "base"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	got := relatedIDs(t, s, "base")
	if len(got) != storage.MaxRelated {
		t.Errorf("len(related) = %d, want %d", len(got), storage.MaxRelated)
	}
	if slices.Contains(got, "base") {
		t.Error("chain must never contain the memory's own id")
	}
}

func TestRelatedDropsDanglingAndHidden(t *testing.T) {
	s := openTestStore(t)
	seedMemory(t, s, "base", "u1", []float32{1, 0})
	seedMemory(t, s, "ok", "u2", []float32{1, 0})

	pv := false
	if err := s.CreateMemory(storage.Memory{
		ID: "private", UserID: "u3", UserName: "T",
		Status: storage.StatusCompleted, Embedding: []float32{1, 0}, IsPublic: &pv,
	}); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.UpdateRelatedIDs("base", []string{"ok", "private", "deleted-long-ago"}); err != nil {
		t.Fatalf("UpdateRelatedIDs: %v", err)
	}

	base, _ := s.GetMemory("base")
	got, err := NewBuilder(s).Related(context.Background(), &base, "stranger")
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("Related = %v, want only ok", got)
	}

	// The private neighbor is visible to its own owner.
	got, err = NewBuilder(s).Related(context.Background(), &base, "u3")
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("owner should see the private neighbor, got %v", got)
	}
}

func TestRelatedFallbackWithoutPrecomputedChain(t *testing.T) {
	s := openTestStore(t)
	seedMemory(t, s, "base", "u1", []float32{1, 0.3})
	seedMemory(t, s, "near", "u2", []float32{1, 0.2})
	seedMemory(t, s, "far", "u3", []float32{0.1, 1})

	base, _ := s.GetMemory("base")
	got, err := NewBuilder(s).Related(context.Background(), &base, "stranger")
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Errorf("fallback Related = %v, want only near", got)
	}
	// The fallback never persists.
	if ids := relatedIDs(t, s, "base"); len(ids) != 0 {
		t.Errorf("fallback persisted %v", ids)
	}
}

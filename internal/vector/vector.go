// Package vector provides the similarity kernel used to link memories by
// embedding proximity.
package vector

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Empty vectors, mismatched lengths, and zero-norm inputs all score 0:
// a missing or incomparable embedding is a neutral signal, not an error.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

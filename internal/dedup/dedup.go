// Package dedup decides whether two extracted learnings carry the same
// knowledge. It is a pure comparison layer: it knows nothing about
// recursion state, runs, or depth.
//
// Two learnings are duplicates when their normalized text is equal, or
// when their semantic similarity clears a fixed threshold. Similarity
// uses embedding cosine distance when an embedding provider is
// configured and a lexical token-overlap heuristic otherwise.
package dedup

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/nagare-ai/tansa/internal/embedding"
	"github.com/nagare-ai/tansa/internal/model"
)

// Fixed similarity thresholds. Embedding cosine runs hotter than token
// overlap, so the two scales carry separate cutoffs.
const (
	EmbeddingThreshold = 0.88
	LexicalThreshold   = 0.82
)

// Normalize canonicalizes text for exact-duplicate comparison:
// lowercased, whitespace collapsed, trailing punctuation stripped.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!?,;:")
}

// Deduplicator compares learnings. Safe for concurrent use; it holds no
// mutable state of its own.
type Deduplicator struct {
	embedder embedding.Provider
	logger   *slog.Logger
}

// New creates a Deduplicator. A nil embedder (or one returning zero
// vectors, like the noop provider) silently drops to the lexical heuristic.
func New(embedder embedding.Provider, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{embedder: embedder, logger: logger}
}

// Set accumulates the unique learnings of one run along with their
// vectors. It is NOT safe for concurrent use: exactly one controller
// goroutine feeds it, per the engine's single-writer discipline.
type Set struct {
	d        *Deduplicator
	learned  []model.Learning
	nor      []string
	vectors  [][]float32
}

// NewSet creates an empty accumulation set.
func (d *Deduplicator) NewSet() *Set {
	return &Set{d: d}
}

// Len returns the number of unique learnings accumulated.
func (s *Set) Len() int { return len(s.learned) }

// Learnings returns the unique learnings in discovery order. The slice
// is owned by the set; callers must copy before sharing.
func (s *Set) Learnings() []model.Learning { return s.learned }

// Add merges a candidate into the set. It returns true when the
// candidate was new; false when it was folded into an earlier learning
// (whose source provenance is unioned with the candidate's).
//
// Embedding failures are not fatal: the candidate is compared lexically
// instead, so a flaky embedding backend can only ever cost precision.
func (s *Set) Add(ctx context.Context, candidate model.Learning) bool {
	norm := Normalize(candidate.Text)
	if norm == "" {
		return false
	}

	var vec []float32
	if s.d.embedder != nil {
		v, err := s.d.embedder.Embed(ctx, norm)
		if err != nil {
			s.d.logger.Debug("dedup: embedding failed, using lexical fallback", "error", err)
		} else if !isZeroVector(v.Slice()) {
			vec = v.Slice()
		}
	}

	for i := range s.learned {
		if !s.isDuplicate(norm, vec, i) {
			continue
		}
		// Keep the earlier learning; union the new provenance into it.
		s.learned[i].SourceQueries = unionStrings(s.learned[i].SourceQueries, candidate.SourceQueries)
		s.learned[i].SourceURLs = unionStrings(s.learned[i].SourceURLs, candidate.SourceURLs)
		return false
	}

	candidate.Embedding = vec
	s.learned = append(s.learned, candidate)
	s.nor = append(s.nor, norm)
	s.vectors = append(s.vectors, vec)
	return true
}

func (s *Set) isDuplicate(norm string, vec []float32, i int) bool {
	if norm == s.nor[i] {
		return true
	}
	if vec != nil && s.vectors[i] != nil {
		return cosineSimilarity(vec, s.vectors[i]) > EmbeddingThreshold
	}
	return jaccard(norm, s.nor[i]) > LexicalThreshold
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// jaccard computes token-set overlap between two normalized strings.
func jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func unionStrings(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	for _, s := range add {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			existing = append(existing, s)
		}
	}
	return existing
}

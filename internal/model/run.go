// Package model defines the core domain types for Tansa.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. A ResearchRun is mutated only by the
// engine controller that owns it; everything handed to other packages
// is a deep-copied snapshot.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a research run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusPlanning     RunStatus = "planning"
	RunStatusSearching    RunStatus = "searching"
	RunStatusExtracting   RunStatus = "extracting"
	RunStatusSynthesizing RunStatus = "synthesizing"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusNoResults    RunStatus = "no_results"
	RunStatusCancelled    RunStatus = "cancelled"
	RunStatusError        RunStatus = "error"
)

// Terminal reports whether a run in this status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusNoResults, RunStatusCancelled, RunStatusError:
		return true
	}
	return false
}

// RunParameters are the immutable knobs supplied at submission.
type RunParameters struct {
	Model          string `json:"model"`
	SearchProvider string `json:"search_provider"`
	MaxDepth       int    `json:"max_depth"`
	Breadth        int    `json:"breadth"`
	// Requirement is an optional writing instruction forwarded verbatim
	// to the report synthesizer.
	Requirement string `json:"requirement,omitempty"`
}

// Learning is an atomic, deduplicated fact extracted from search results.
type Learning struct {
	Text          string    `json:"text"`
	SourceQueries []string  `json:"source_queries"`
	SourceURLs    []string  `json:"source_urls,omitempty"`
	Depth         int       `json:"depth"`
	DiscoveredAt  time.Time `json:"discovered_at"`

	// Embedding is the vector computed for the learning's normalized
	// text during deduplication. Persisted with the learning but never
	// serialized to API responses; empty when no embedding provider is
	// configured.
	Embedding []float32 `json:"-"`
}

// Clone returns a deep copy so snapshot readers can never alias the
// controller's slices.
func (l Learning) Clone() Learning {
	c := l
	c.SourceQueries = append([]string(nil), l.SourceQueries...)
	c.SourceURLs = append([]string(nil), l.SourceURLs...)
	c.Embedding = append([]float32(nil), l.Embedding...)
	return c
}

// ResearchRun is one end-to-end research session.
//
// Ownership rule: exactly one engine controller goroutine mutates a run
// for its whole lifetime. Other goroutines see copies via Snapshot().
type ResearchRun struct {
	ID         uuid.UUID     `json:"id"`
	Query      string        `json:"query"`
	Parameters RunParameters `json:"parameters"`
	Status     RunStatus     `json:"status"`
	Learnings  []Learning    `json:"learnings"`
	// VisitedQueries holds every normalized sub-query ever planned,
	// including ones whose dispatch later failed. Append-only.
	VisitedQueries []string   `json:"visited_queries"`
	Report         *string    `json:"report,omitempty"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand across goroutines.
func (r *ResearchRun) Snapshot() ResearchRun {
	s := *r
	s.Learnings = make([]Learning, len(r.Learnings))
	for i, l := range r.Learnings {
		s.Learnings[i] = l.Clone()
	}
	s.VisitedQueries = append([]string(nil), r.VisitedQueries...)
	if r.Report != nil {
		rep := *r.Report
		s.Report = &rep
	}
	if r.Error != nil {
		e := *r.Error
		s.Error = &e
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

package tansa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a research run.
type RunStatus string

const (
	StatusPending      RunStatus = "pending"
	StatusPlanning     RunStatus = "planning"
	StatusSearching    RunStatus = "searching"
	StatusExtracting   RunStatus = "extracting"
	StatusSynthesizing RunStatus = "synthesizing"
	StatusCompleted    RunStatus = "completed"
	StatusError        RunStatus = "error"
	StatusCancelled    RunStatus = "cancelled"
	StatusNoResults    RunStatus = "no_results"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusNoResults:
		return true
	}
	return false
}

// RunParameters are the knobs a run was submitted with.
type RunParameters struct {
	Model          string `json:"model"`
	SearchProvider string `json:"search_provider"`
	MaxDepth       int    `json:"max_depth"`
	Breadth        int    `json:"breadth"`
	Requirement    string `json:"requirement,omitempty"`
}

// Learning is one deduplicated fact extracted during research.
type Learning struct {
	Text          string    `json:"text"`
	SourceQueries []string  `json:"source_queries"`
	SourceURLs    []string  `json:"source_urls,omitempty"`
	Depth         int       `json:"depth"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// ResearchRun is a research run as returned by the API.
type ResearchRun struct {
	ID             uuid.UUID     `json:"id"`
	Query          string        `json:"query"`
	Parameters     RunParameters `json:"parameters"`
	Status         RunStatus     `json:"status"`
	Learnings      []Learning    `json:"learnings"`
	VisitedQueries []string      `json:"visited_queries"`
	Report         *string       `json:"report,omitempty"`
	Error          *string       `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// SubmitRequest is the body of POST /v1/research. Zero values for the
// optional fields defer to server defaults.
type SubmitRequest struct {
	Query          string `json:"query"`
	Model          string `json:"model,omitempty"`
	SearchProvider string `json:"search_provider,omitempty"`
	MaxDepth       *int   `json:"max_depth,omitempty"`
	Breadth        *int   `json:"breadth,omitempty"`
	Requirement    string `json:"requirement,omitempty"`
}

// EventKind categorizes a progress event.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventLearnings EventKind = "learnings"
	EventReport    EventKind = "report"
	EventError     EventKind = "error"
	EventFinal     EventKind = "final"
)

// EventPayload carries kind-specific event data.
type EventPayload struct {
	Status    RunStatus  `json:"status,omitempty"`
	Learnings []Learning `json:"learnings,omitempty"`
	Report    string     `json:"report,omitempty"`
	Error     string     `json:"error,omitempty"`
	Final     bool       `json:"final,omitempty"`
}

// ProgressEvent is one entry from a run's ordered event log.
// SequenceNum starts at 1 and has no gaps.
type ProgressEvent struct {
	RunID       uuid.UUID    `json:"run_id"`
	SequenceNum int64        `json:"sequence_num"`
	Kind        EventKind    `json:"kind"`
	Payload     EventPayload `json:"payload"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// EventsPage is the response of GET /v1/research/{id}/events.
type EventsPage struct {
	Events   []ProgressEvent `json:"events"`
	Finished bool            `json:"finished"`
}

// RunList is the response of GET /v1/research.
type RunList struct {
	Runs  []ResearchRun `json:"runs"`
	Total int           `json:"total"`
}

// LearningHit is a cross-run learning search result.
type LearningHit struct {
	RunID uuid.UUID `json:"run_id"`
	Text  string    `json:"text"`
	Depth int       `json:"depth"`
	Score float32   `json:"score"`
}

// SearchProvider describes one web search backend the server offers.
type SearchProvider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	RequiresKey bool   `json:"requires_key"`
}

// Health is the response of GET /healthz.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant"`
	Uptime   int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type runListResponse struct {
	Runs  []ResearchRun `json:"runs"`
	Total int           `json:"total"`
}

type hitsResponse struct {
	Hits []LearningHit `json:"hits"`
}

type modelsResponse struct {
	Models map[string][]string `json:"models"`
}

type providersResponse struct {
	Providers []SearchProvider `json:"providers"`
}

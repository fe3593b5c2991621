package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes a progress event.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventLearnings EventKind = "learnings"
	EventReport    EventKind = "report"
	EventError     EventKind = "error"
	EventFinal     EventKind = "final"
)

// ProgressEvent is an immutable record appended to a run's event log.
// Source of truth for streaming consumers. Never mutated or deleted.
//
// SequenceNum is strictly increasing per run, starting at 1, with no
// gaps. It is the only total-order guarantee between events.
type ProgressEvent struct {
	RunID       uuid.UUID    `json:"run_id"`
	SequenceNum int64        `json:"sequence_num"`
	Kind        EventKind    `json:"kind"`
	Payload     EventPayload `json:"payload"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// EventPayload is the wire shape relayed to streaming clients. Exactly
// the fields relevant to the event kind are populated; Final is set on
// the terminal event so consumers know to stop waiting.
type EventPayload struct {
	Status    RunStatus  `json:"status,omitempty"`
	Learnings []Learning `json:"learnings,omitempty"`
	Report    string     `json:"report,omitempty"`
	Error     string     `json:"error,omitempty"`
	Final     bool       `json:"final,omitempty"`
}

// Package progress keeps an append-only event log per research run and
// fans out "new events" signals to subscribers.
//
// Polling and streaming share one representation: polling is "read
// events after a sequence number", streaming is "wait for the append
// signal, then read events after your cursor". Subscribers therefore
// never miss events; a dropped signal only delays the next read.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/tansa/internal/model"
)

// Publisher owns every run's event log.
type Publisher struct {
	logger *slog.Logger

	mu   sync.RWMutex
	logs map[uuid.UUID]*runLog
}

type runLog struct {
	mu     sync.RWMutex
	events []model.ProgressEvent
	subs   map[chan struct{}]struct{}
	closed bool // a terminal event has been appended
}

// NewPublisher creates an empty publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		logs:   make(map[uuid.UUID]*runLog),
	}
}

// Emit appends an event to the run's log and wakes subscribers,
// returning the appended event. The sequence number is assigned here:
// strictly increasing per run, starting at 1, no gaps. Emitting after a
// terminal event is a programming error and is dropped with a warning
// rather than corrupting the log's terminal guarantee.
func (p *Publisher) Emit(runID uuid.UUID, kind model.EventKind, payload model.EventPayload) (model.ProgressEvent, bool) {
	l := p.log(runID)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.logger.Warn("progress: emit after terminal event dropped", "run_id", runID, "kind", kind)
		return model.ProgressEvent{}, false
	}
	ev := model.ProgressEvent{
		RunID:       runID,
		SequenceNum: int64(len(l.events)) + 1,
		Kind:        kind,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}
	l.events = append(l.events, ev)
	if payload.Final {
		l.closed = true
	}
	subs := make([]chan struct{}, 0, len(l.subs))
	for ch := range l.subs {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
			// Signal already pending; the subscriber will catch up on
			// its next ReadFrom.
		}
	}
	return ev, true
}

// ReadFrom returns a copy of all events with SequenceNum > after.
func (p *Publisher) ReadFrom(runID uuid.UUID, after int64) []model.ProgressEvent {
	l := p.log(runID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.events)) {
		return nil
	}
	return append([]model.ProgressEvent(nil), l.events[after:]...)
}

// Closed reports whether the run's log has received its terminal event.
func (p *Publisher) Closed(runID uuid.UUID) bool {
	l := p.log(runID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Subscribe registers for append signals on a run's log. The returned
// channel has capacity one: a receive means "there may be new events,
// read from your cursor". Call the returned cancel func when done.
func (p *Publisher) Subscribe(runID uuid.UUID) (<-chan struct{}, func()) {
	l := p.log(runID)
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	// If events (possibly the terminal one) already exist, prime the
	// signal so a late subscriber doesn't wait for the next append.
	if len(l.events) > 0 {
		ch <- struct{}{}
	}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}
	return ch, cancel
}

// Drop discards a run's log and disconnects its subscribers. Used when
// a run is evicted from memory after archival.
func (p *Publisher) Drop(runID uuid.UUID) {
	p.mu.Lock()
	l, ok := p.logs[runID]
	delete(p.logs, runID)
	p.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	for ch := range l.subs {
		close(ch)
	}
	l.subs = make(map[chan struct{}]struct{})
	l.mu.Unlock()
}

func (p *Publisher) log(runID uuid.UUID) *runLog {
	p.mu.RLock()
	l, ok := p.logs[runID]
	p.mu.RUnlock()
	if ok {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.logs[runID]; ok {
		return l
	}
	l = &runLog{subs: make(map[chan struct{}]struct{})}
	p.logs[runID] = l
	return l
}

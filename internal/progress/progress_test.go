package progress

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/tansa/internal/model"
)

func newTestPublisher() *Publisher {
	return NewPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmitAssignsGaplessSequence(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusPlanning})
	p.Emit(runID, model.EventLearnings, model.EventPayload{Learnings: []model.Learning{{Text: "x"}}})
	p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusSynthesizing})

	events := p.ReadFrom(runID, 0)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNum, "sequence numbers must be gapless from 1")
		assert.Equal(t, runID, ev.RunID)
	}
}

func TestReadFromCursor(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	for i := 0; i < 5; i++ {
		p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusSearching})
	}

	assert.Len(t, p.ReadFrom(runID, 0), 5)
	assert.Len(t, p.ReadFrom(runID, 3), 2)
	assert.Nil(t, p.ReadFrom(runID, 5))
	assert.Len(t, p.ReadFrom(runID, -1), 5)
}

func TestTerminalEventClosesLog(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusCompleted})
	assert.False(t, p.Closed(runID))

	p.Emit(runID, model.EventFinal, model.EventPayload{Status: model.RunStatusCompleted, Final: true})
	assert.True(t, p.Closed(runID))

	// Emissions after the terminal marker are dropped.
	p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusError})
	assert.Len(t, p.ReadFrom(runID, 0), 2)
}

func TestSubscribeReceivesSignal(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	ch, cancel := p.Subscribe(runID)
	defer cancel()

	p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusPlanning})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected append signal")
	}
	assert.Len(t, p.ReadFrom(runID, 0), 1)
}

func TestLateSubscriberGetsPrimedSignal(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()
	p.Emit(runID, model.EventFinal, model.EventPayload{Final: true})

	ch, cancel := p.Subscribe(runID)
	defer cancel()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("late subscriber should be woken immediately")
	}
	events := p.ReadFrom(runID, 0)
	require.Len(t, events, 1)
	assert.True(t, events[0].Payload.Final)
}

func TestConcurrentEmitAndRead(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.Emit(runID, model.EventStatus, model.EventPayload{Status: model.RunStatusSearching})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = p.ReadFrom(runID, int64(i))
		}
	}()
	wg.Wait()

	events := p.ReadFrom(runID, 0)
	require.Len(t, events, 100)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].SequenceNum+1, events[i].SequenceNum)
	}
}

func TestDropDisconnectsSubscribers(t *testing.T) {
	p := newTestPublisher()
	runID := uuid.New()

	ch, cancel := p.Subscribe(runID)
	defer cancel()
	p.Drop(runID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("expected closed channel after Drop")
	}
}

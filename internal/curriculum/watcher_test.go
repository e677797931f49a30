package curriculum

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kflowerneat/internal/model"
	"kflowerneat/internal/recorder"
)

func intPtr(v int) *int { return &v }

func stateAt(gen int) model.GateState {
	return model.GateState{
		Generation: gen,
		SavedAt:    time.Date(2026, 1, 1, 0, 0, gen, 0, time.UTC),
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestDiffReportsDecisionsOnce(t *testing.T) {
	w := &Watcher{}

	assert.Equal(t, []EventKind{EventUpdate}, kinds(w.diff(stateAt(0))))
	assert.Empty(t, w.diff(stateAt(0)), "unchanged checkpoint")

	ready := stateAt(1)
	ready.TransitionReady = true
	ready.TransitionGeneration = intPtr(1)
	assert.Equal(t, []EventKind{EventUpdate, EventTransitionReady}, kinds(w.diff(ready)))

	later := stateAt(2)
	later.TransitionGeneration = intPtr(1)
	later.FailureGeneration = intPtr(2)
	assert.Equal(t, []EventKind{EventUpdate, EventFailureTriggered}, kinds(w.diff(later)))

	again := stateAt(3)
	again.TransitionGeneration = intPtr(1)
	again.FailureGeneration = intPtr(2)
	assert.Equal(t, []EventKind{EventUpdate}, kinds(w.diff(again)))
}

func TestWatcherFollowsCheckpointRewrites(t *testing.T) {
	rec, err := recorder.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, rec.WriteGateState(stateAt(0)))

	w, err := NewWatcher(rec.Dir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	var mu sync.Mutex
	var got []Event
	errDecided := errors.New("decided")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(e Event) error {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
			if e.Kind == EventTransitionReady {
				return errDecided
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 5*time.Second, 10*time.Millisecond, "initial checkpoint is reported")

	require.NoError(t, rec.WriteGateState(stateAt(1)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	ready := stateAt(2)
	ready.TransitionReady = true
	ready.TransitionGeneration = intPtr(2)
	require.NoError(t, rec.WriteGateState(ready))

	select {
	case err := <-done:
		require.ErrorIs(t, err, errDecided)
	case <-ctx.Done():
		t.Fatal("watcher did not report the transition")
	}

	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	assert.Equal(t, EventTransitionReady, last.Kind)
	assert.Equal(t, 2, last.State.Generation)
	assert.Equal(t, 0, got[0].State.Generation)
}

func TestWatcherStopsOnCancel(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.Run(ctx, func(Event) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher("/nonexistent/kflower/output", nil)
	require.Error(t, err)
}

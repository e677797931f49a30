package curriculum

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"kflowerneat/internal/model"
	"kflowerneat/internal/recorder"
)

type EventKind string

const (
	EventUpdate           EventKind = "update"
	EventTransitionReady  EventKind = "transition_ready"
	EventFailureTriggered EventKind = "failure_triggered"
)

// Event is one change observed in an output directory's gate checkpoint.
type Event struct {
	Kind  EventKind
	State model.GateState
}

// Handler receives events in order. A non-nil error stops the watcher and
// is returned from Run.
type Handler func(Event) error

// Watcher follows gate_state.json in a trainer output directory and turns
// rewrites into curriculum events. Transition and failure are each reported
// once, on the first checkpoint that carries their generation.
type Watcher struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	last           *model.GateState
	transitionSeen bool
	failureSeen    bool
}

func NewWatcher(outputDir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The checkpoint is replaced by rename, so the directory is watched
	// rather than the file.
	if err := fw.Add(abs); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	return &Watcher{dir: abs, logger: logger, watcher: fw}, nil
}

// Run reports the current checkpoint, if any, then every change until ctx
// ends or the handler returns an error.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	if err := w.refresh(handle); err != nil {
		return err
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != recorder.GateStateFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.refresh(handle); err != nil {
				return err
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("gate watcher error", "err", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) refresh(handle Handler) error {
	state, ok, err := recorder.ReadGateState(w.dir)
	if err != nil {
		w.logger.Warn("gate checkpoint unreadable", "dir", w.dir, "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	for _, ev := range w.diff(state) {
		if err := handle(ev); err != nil {
			return err
		}
	}
	return nil
}

// diff returns the events implied by moving from the last seen checkpoint
// to state.
func (w *Watcher) diff(state model.GateState) []Event {
	if w.last != nil && w.last.Generation == state.Generation && w.last.SavedAt.Equal(state.SavedAt) {
		return nil
	}
	s := state
	w.last = &s

	events := []Event{{Kind: EventUpdate, State: state}}
	if state.TransitionGeneration != nil && !w.transitionSeen {
		w.transitionSeen = true
		events = append(events, Event{Kind: EventTransitionReady, State: state})
	}
	if state.FailureGeneration != nil && !w.failureSeen {
		w.failureSeen = true
		events = append(events, Event{Kind: EventFailureTriggered, State: state})
	}
	return events
}

// Age is how long ago the checkpoint was written.
func (e Event) Age(now time.Time) time.Duration {
	if e.State.SavedAt.IsZero() {
		return 0
	}
	return now.Sub(e.State.SavedAt)
}

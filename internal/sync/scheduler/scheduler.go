// Package scheduler provides debounced task scheduling for change
// broadcasts. Rapid edits to the same entity collapse into one task run
// after a quiet window.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/logging"
)

// Debouncer runs each scheduled task once its quiet window elapses.
// Re-scheduling a key before its window ends cancels the pending run and
// restarts the window with the new task. Keys are independent.
type Debouncer struct {
	window time.Duration
	clock  clockwork.Clock

	mu      sync.Mutex
	pending map[string]*pendingTask
	seq     uint64
	stopped bool
}

// pendingTask pairs a timer with the generation it was armed under, so a
// callback that lost a re-schedule race can tell and bow out.
type pendingTask struct {
	timer clockwork.Timer
	seq   uint64
}

// NewDebouncer creates a Debouncer with the given quiet window.
func NewDebouncer(window time.Duration, clock clockwork.Clock) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = time.Second
	}
	return &Debouncer{
		window:  window,
		clock:   clock,
		pending: make(map[string]*pendingTask),
	}
}

// Schedule arranges for fn to run after the quiet window. A pending task
// under the same key is replaced and its window restarted.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if task, ok := d.pending[key]; ok {
		task.timer.Stop()
	}

	d.seq++
	seq := d.seq
	task := &pendingTask{seq: seq}
	task.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		current, ok := d.pending[key]
		if d.stopped || !ok || current.seq != seq {
			// Superseded or cancelled while firing.
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()

		fn()
	})
	d.pending[key] = task
}

// Cancel drops the pending task for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if task, ok := d.pending[key]; ok {
		task.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports how many tasks are waiting out their window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending task. The Debouncer accepts no further
// scheduling afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for key, task := range d.pending {
		task.timer.Stop()
		delete(d.pending, key)
	}

	logging.Debug("debouncer stopped", nil)
}

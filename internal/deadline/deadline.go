// Package deadline manages named, cancellable one-shot timers.
//
// Re-arming a name replaces its previous timer. A callback whose timer
// was cancelled or replaced after it fired but before it ran is dropped,
// so at most one callback per arm ever executes.
package deadline

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Timers is a set of named timers. The zero value is ready to use.
type Timers struct {
	mu      sync.Mutex
	entries map[string]entry
	gen     uint64
}

// Arm schedules fn to run after d under name, replacing any timer
// already armed under that name. fn runs on its own goroutine.
func (t *Timers) Arm(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries == nil {
		t.entries = make(map[string]entry)
	}

	if e, ok := t.entries[name]; ok {
		e.timer.Stop()
	}

	t.gen++
	gen := t.gen

	t.entries[name] = entry{
		gen: gen,
		timer: time.AfterFunc(d, func() {
			if !t.claim(name, gen) {
				return
			}

			fn()
		}),
	}
}

// claim removes the entry for name if it still belongs to gen.
func (t *Timers) claim(name string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok || e.gen != gen {
		return false
	}

	delete(t.entries, name)

	return true
}

// Cancel stops the timer armed under name. It reports whether a timer
// was pending.
func (t *Timers) Cancel(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return false
	}

	e.timer.Stop()
	delete(t.entries, name)

	return true
}

// CancelAll stops every pending timer.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, name)
	}
}

// Active reports whether a timer is pending under name.
func (t *Timers) Active(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[name]

	return ok
}

package syncer

import (
	"sync"
	"time"
)

// pending is one scheduled action. The handle identifies the current owner
// of a key so a superseded callback can recognize itself as stale.
type pending struct {
	timer *time.Timer
}

// Debouncer coalesces bursts of triggers into a single delayed action per
// key. Scheduling a key cancels any pending timer for the same key, so the
// last scheduled action in a window is the one that fires.
type Debouncer struct {
	mu     sync.Mutex
	timers map[string]*pending
	closed bool
}

func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]*pending)}
}

// Schedule runs fn after delay, superseding any pending action for key.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
	}
	p := &pending{}
	p.timer = time.AfterFunc(delay, func() {
		d.fire(key, p, fn)
	})
	d.timers[key] = p
}

// fire runs one timer's action. Stopping a timer does not stop a callback
// already in flight, so fire rechecks ownership under the lock: a stale
// callback must neither run nor delete its successor's entry.
func (d *Debouncer) fire(key string, p *pending, fn func()) {
	d.mu.Lock()
	if d.timers[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()
	fn()
}

// Cancel drops any pending action for key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels every pending action and rejects further scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, p := range d.timers {
		p.timer.Stop()
		delete(d.timers, key)
	}
}

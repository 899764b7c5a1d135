package collab

import (
	"sync"
	"time"
)

// timer is a cancellable one-shot. Re-arming cancels the pending fire, and
// Stop guarantees the callback will not run afterwards. A generation counter
// defeats the race where a fire is already in flight when Stop is called.
type timer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

// Arm schedules fn after d, replacing any pending schedule.
func (tm *timer) Arm(d time.Duration, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	gen := tm.gen
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		live := tm.gen == gen
		tm.mu.Unlock()
		if live {
			fn()
		}
	})
}

// Stop cancels any pending fire.
func (tm *timer) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}

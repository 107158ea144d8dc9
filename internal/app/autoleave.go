package app

import (
	"sync"
	"time"
)

// AutoLeaveTimer runs fn once after a delay unless disarmed first.
// Every Arm/Disarm starts a new generation; a timer from an older
// generation never fires, even if it was already due. fn receives the
// generation that fired so a consumer handling it later can check Due.
type AutoLeaveTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func(gen uint64)
	timer   *time.Timer
	gen     uint64
	fired   uint64
	armed   bool
	stopped bool
}

// NewAutoLeaveTimer returns a timer calling fn after delay. A non-positive
// delay disables the timer entirely.
func NewAutoLeaveTimer(delay time.Duration, fn func(gen uint64)) *AutoLeaveTimer {
	return &AutoLeaveTimer{delay: delay, fn: fn}
}

// Arm (re)starts the countdown.
func (t *AutoLeaveTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.delay <= 0 {
		return
	}
	t.resetLocked()
	gen := t.gen
	t.armed = true
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

func (t *AutoLeaveTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Stop disarms the timer for good.
func (t *AutoLeaveTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.resetLocked()
}

func (t *AutoLeaveTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Due reports whether gen is the latest firing and no Arm, Disarm or Stop
// happened since.
func (t *AutoLeaveTimer) Due(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != 0 && gen == t.fired && !t.stopped
}

func (t *AutoLeaveTimer) resetLocked() {
	t.gen++
	t.fired = 0
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *AutoLeaveTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.fired = gen
	t.armed = false
	t.timer = nil
	t.mu.Unlock()
	t.fn(gen)
}

package timer

import (
	"sync"
	"time"
)

// Timer fires a callback once per interval for session duration tracking.
// It keeps firing until Halt; pausing a recording does not touch it.
type Timer struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

func New(interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{interval: interval}
}

// Begin starts the periodic trigger. Calling Begin on a running timer is a
// no-op.
func (t *Timer) Begin(onTick func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.stop = make(chan struct{})
	t.running = true

	stop := t.stop
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onTick()
			}
		}
	}()
}

// Halt stops the trigger. Safe to call repeatedly.
func (t *Timer) Halt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	close(t.stop)
	t.running = false
}

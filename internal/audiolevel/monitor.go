package audiolevel

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Monitor samples a Source on a fixed interval and reports normalized
// loudness values. The sampling loop is self-terminating: before every tick
// it consults the liveness callback and stops rescheduling once the session
// is no longer actively recording.
type Monitor struct {
	src      Source
	interval time.Duration
	log      *slog.Logger
	acquired atomic.Bool
	sampling atomic.Bool
}

func NewMonitor(src Source, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Monitor{
		src:      src,
		interval: interval,
		log:      log.With(slog.String("component", "audiolevel")),
	}
}

// Acquire opens the underlying stream. May fail with ErrPermissionDenied.
func (m *Monitor) Acquire(ctx context.Context) error {
	if err := m.src.Acquire(ctx); err != nil {
		return err
	}
	m.acquired.Store(true)
	return nil
}

// Acquired reports whether the stream is currently open.
func (m *Monitor) Acquired() bool {
	return m.acquired.Load()
}

// Sample runs the sampling loop until alive() reports false. It blocks and
// is meant to run on its own goroutine; pausing or stopping the session
// flips alive() and the loop winds down on its next tick without any
// explicit cancellation token.
// At most one loop runs at a time: a pause/resume faster than one tick would
// otherwise relaunch while the previous loop has not yet seen liveness drop.
func (m *Monitor) Sample(alive func() bool, report func(level float64)) {
	if !m.sampling.CompareAndSwap(false, true) {
		return
	}
	defer m.sampling.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for range ticker.C {
		if !alive() {
			return
		}
		bins, err := m.src.Bins()
		if err != nil {
			m.log.Warn("failed to read analysis bins", slog.String("error", err.Error()))
			continue
		}
		report(LevelFromBins(bins))
	}
}

// Release closes the stream. Idempotent.
func (m *Monitor) Release() error {
	if !m.acquired.Swap(false) {
		return nil
	}
	return m.src.Release()
}

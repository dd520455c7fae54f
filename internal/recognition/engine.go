package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Engine supervises a Stream across the capability's silence-triggered
// interruptions. It is long-lived: the controller starts and halts it
// explicitly, and a halted engine can be started again for the same session.
// Restarting after a spontaneous run end is an explicit loop here, not a
// re-invocation chained from the completion event, so there is no unbounded
// call-stack growth and no orphaned listener.
type Engine struct {
	stream       Stream
	sink         Sink
	restartDelay time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewEngine(stream Stream, sink Sink, restartDelay time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		stream:       stream,
		sink:         sink,
		restartDelay: restartDelay,
		log:          log.With(slog.String("component", "recognition")),
	}
}

// Begin launches the supervision loop. No-op when already running.
func (e *Engine) Begin(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	go e.run(runCtx)
}

// Halt cancels the supervision loop. It does not wait for the in-flight run
// to settle; the sink's liveness guards absorb any late delivery.
func (e *Engine) Halt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	e.running = false
}

func (e *Engine) run(ctx context.Context) {
	for {
		results, errs, err := e.stream.Listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.sink.HandleError(err)
			return
		}

		if !e.consume(ctx, results, errs) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		// The capability ended the run on its own. Go right back to
		// listening for as long as we have not been halted.
		e.log.Debug("listening run ended, restarting")
		if e.restartDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.restartDelay):
			}
		}
	}
}

// consume drains one listening run. It returns true when the run ended
// spontaneously and supervision should continue.
func (e *Engine) consume(ctx context.Context, results <-chan Result, errs <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case r, ok := <-results:
			if !ok {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			e.sink.HandleResult(r)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, ErrNoSpeech) {
				e.log.Debug("ignoring no-speech condition")
				continue
			}
			if ctx.Err() != nil {
				return false
			}
			e.sink.HandleError(err)
			return false
		}
	}
}

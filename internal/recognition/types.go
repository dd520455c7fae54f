package recognition

import (
	"context"
	"errors"
)

// Result is one recognition batch. Final batches are confirmed text the
// capability will not revise; interim batches are provisional guesses that
// wholesale replace the previous one.
type Result struct {
	Text  string
	Final bool
}

// ErrNoSpeech marks the capability's transient silence condition. The engine
// swallows it and keeps listening.
var ErrNoSpeech = errors.New("no speech detected")

// Stream abstracts the platform's continuous speech-to-text capability.
// One Listen call is one listening run: results arrive on the first channel,
// classified errors on the second, and the run ends when the result channel
// closes (the capability's own silence timeout). The engine decides whether
// to begin another run.
type Stream interface {
	Listen(ctx context.Context) (<-chan Result, <-chan error, error)
}

// Sink receives engine output. Implementations guard against late delivery
// themselves; the engine never inspects session state.
type Sink interface {
	HandleResult(r Result)
	HandleError(err error)
}

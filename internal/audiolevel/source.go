package audiolevel

import (
	"context"
	"errors"
)

// NumBins is the fixed size of the frequency-domain analysis window.
const NumBins = 256

// ErrPermissionDenied is returned by Acquire when the user refuses
// microphone access. It is a soft failure: recognition may continue
// without the visualizer.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Source provides frequency-domain snapshots of a live audio stream.
//
// Acquire may block indefinitely while the platform waits for the user to
// answer a permission prompt; callers are expected to run it off the main
// path and re-check session liveness when it returns.
type Source interface {
	Acquire(ctx context.Context) error

	// Bins returns the current NumBins amplitude snapshot, each bin in 0..255.
	Bins() ([]byte, error)

	// Release stops the underlying stream and closes the analysis window.
	// Safe to call when already released.
	Release() error
}

// LevelFromBins maps a bin snapshot to a 0-100 loudness value: the mean
// amplitude across all bins with a 1.5x gain, clamped at 100.
func LevelFromBins(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	mean := float64(sum) / float64(len(bins))
	level := mean / 255 * 150
	if level > 100 {
		level = 100
	}
	return level
}

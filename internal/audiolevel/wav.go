package audiolevel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/wav"
)

// wavSource replays a WAV file as a loop of analysis snapshots. It stands in
// for a live microphone in development deployments where no capture device
// is wired up.
type wavSource struct {
	path string

	mu       sync.Mutex
	samples  []int
	scale    float64
	offset   int
	acquired bool
}

func NewWavSource(path string) Source {
	return &wavSource{path: path}
}

func (w *wavSource) Acquire(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acquired {
		return nil
	}

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsPermission(err) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("open wav source: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode wav source: %w", err)
	}
	if len(buf.Data) == 0 {
		return errors.New("wav source contains no samples")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	w.samples = buf.Data
	w.scale = 255 / float64(int(1)<<(bitDepth-1))
	w.offset = 0
	w.acquired = true
	return nil
}

// Bins folds the next window of samples into NumBins amplitude bins,
// wrapping around at the end of the file.
func (w *wavSource) Bins() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.acquired {
		return nil, errors.New("wav source not acquired")
	}

	bins := make([]byte, NumBins)
	for i := range bins {
		sample := w.samples[w.offset]
		if sample < 0 {
			sample = -sample
		}
		amp := float64(sample) * w.scale
		if amp > 255 {
			amp = 255
		}
		bins[i] = byte(amp)
		w.offset = (w.offset + 1) % len(w.samples)
	}
	return bins, nil
}

func (w *wavSource) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired = false
	w.samples = nil
	return nil
}

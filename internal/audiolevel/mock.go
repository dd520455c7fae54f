package audiolevel

import (
	"context"
	"errors"
	"sync"
)

// MockSource is a scriptable Source for tests and development runs.
type MockSource struct {
	mu          sync.Mutex
	bins        []byte
	denyAcquire bool
	released    bool
	releases    int
}

func NewMockSource() *MockSource {
	bins := make([]byte, NumBins)
	return &MockSource{bins: bins}
}

// DenyAcquire makes the next Acquire fail with ErrPermissionDenied.
func (m *MockSource) DenyAcquire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denyAcquire = true
}

// SetLevelByte fills every bin with the given amplitude.
func (m *MockSource) SetLevelByte(b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bins {
		m.bins[i] = b
	}
}

func (m *MockSource) Acquire(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denyAcquire {
		return ErrPermissionDenied
	}
	m.released = false
	return nil
}

func (m *MockSource) Bins() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, errors.New("source released")
	}
	out := make([]byte, len(m.bins))
	copy(out, m.bins)
	return out, nil
}

func (m *MockSource) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	m.released = true
	m.releases++
	return nil
}

// Releases reports how many times the stream was actually torn down.
func (m *MockSource) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

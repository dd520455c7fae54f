package recognition

import (
	"context"
	"sync"
)

// MockStream is a hand-driven Stream for tests and development. Each Listen
// call opens a fresh run; Emit* feed the current run and EndRun simulates the
// capability's spontaneous silence timeout.
type MockStream struct {
	mu      sync.Mutex
	results chan Result
	errs    chan error
	listens int
}

func NewMockStream() *MockStream {
	return &MockStream{}
}

func (m *MockStream) Listen(ctx context.Context) (<-chan Result, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = make(chan Result, 16)
	m.errs = make(chan error, 4)
	m.listens++
	return m.results, m.errs, nil
}

// Listens reports how many listening runs were opened.
func (m *MockStream) Listens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listens
}

func (m *MockStream) EmitFinal(text string) {
	m.emit(Result{Text: text, Final: true})
}

func (m *MockStream) EmitInterim(text string) {
	m.emit(Result{Text: text})
}

func (m *MockStream) emit(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		return
	}
	m.results <- r
}

func (m *MockStream) EmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs == nil {
		return
	}
	m.errs <- err
}

// EndRun closes the current run, as the platform does on a silence timeout.
func (m *MockStream) EndRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		return
	}
	close(m.results)
	close(m.errs)
	m.results = nil
	m.errs = nil
}

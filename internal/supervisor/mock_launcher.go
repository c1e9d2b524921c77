package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LaunchRecord captures one Launch call made against a MockLauncher.
type LaunchRecord struct {
	Spec       LaunchSpec
	Failed     bool
	LaunchedAt time.Time
}

// MockLauncher implements Launcher for tests, handing out handles whose
// liveness the test controls instead of spawning processes.
type MockLauncher struct {
	mu       sync.Mutex
	records  []LaunchRecord
	handles  map[string][]*MockHandle
	failures map[string]error
	nextPID  int
}

// NewMockLauncher constructs an empty launcher stub.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{
		handles:  make(map[string][]*MockHandle),
		failures: make(map[string]error),
		nextPID:  1000,
	}
}

// SetFailure makes every Launch of name fail with err until cleared with nil.
func (m *MockLauncher) SetFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, name)
		return
	}
	m.failures[name] = err
}

// Launch records the call and returns a live MockHandle.
func (m *MockLauncher) Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := LaunchRecord{Spec: spec, LaunchedAt: time.Now().UTC()}
	if err := m.failures[spec.Name]; err != nil {
		record.Failed = true
		m.records = append(m.records, record)
		return nil, err
	}
	m.records = append(m.records, record)

	handle := &MockHandle{pid: m.nextPID, done: make(chan struct{})}
	m.nextPID++
	m.handles[spec.Name] = append(m.handles[spec.Name], handle)
	return handle, nil
}

// Launches counts Launch calls for name, failed ones included.
func (m *MockLauncher) Launches(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Spec.Name == name {
			n++
		}
	}
	return n
}

// Records returns a copy of every launch record.
func (m *MockLauncher) Records() []LaunchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaunchRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Handle returns the most recent handle for name, or nil.
func (m *MockLauncher) Handle(name string) *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Handles returns every handle launched for name in launch order.
func (m *MockLauncher) Handles(name string) []*MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockHandle(nil), m.handles[name]...)
}

// MockHandle is a ProcessHandle whose exit is triggered by the test.
type MockHandle struct {
	mu      sync.Mutex
	pid     int
	done    chan struct{}
	exitErr error
	exited  bool
	stops   int
	stopErr error
}

// errMockCrash is the wait error reported by Crash.
var errMockCrash = errors.New("mock: process crashed")

func (h *MockHandle) PID() int { return h.pid }

func (h *MockHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *MockHandle) Done() <-chan struct{} { return h.done }

func (h *MockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop counts the call and marks the process exited.
func (h *MockHandle) Stop(context.Context, time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.exitLocked(nil)
	return h.stopErr
}

// Crash makes the process exit unexpectedly.
func (h *MockHandle) Crash() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitLocked(errMockCrash)
}

// SetStopError makes Stop return err.
func (h *MockHandle) SetStopError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopErr = err
}

// StopCount reports how many times Stop was invoked.
func (h *MockHandle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

func (h *MockHandle) exitLocked(err error) {
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	close(h.done)
}

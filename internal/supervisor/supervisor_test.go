package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
)

func descriptor(name string, retries int, critical bool) registry.Descriptor {
	return registry.Descriptor{
		Name:       name,
		Command:    []string{"jetbot-" + name},
		Enabled:    true,
		MaxRetries: retries,
		Critical:   critical,
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	states   map[string]string
	crashes  map[string]int
	restarts map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		states:   make(map[string]string),
		crashes:  make(map[string]int),
		restarts: make(map[string]int),
	}
}

func (f *fakeMetrics) ObserveState(module, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[module] = state
}

func (f *fakeMetrics) IncCrash(module string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashes[module]++
}

func (f *fakeMetrics) IncRestart(module string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts[module]++
}

func (f *fakeMetrics) snapshot(module string) (string, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[module], f.crashes[module], f.restarts[module]
}

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *MockLauncher, *eventbus.Bus) {
	t.Helper()
	launcher := NewMockLauncher()
	bus := eventbus.New()
	opts.Launcher = launcher
	opts.Bus = bus
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		bus.Shutdown()
	})
	return s, launcher, bus
}

func waitState(t *testing.T, s *Supervisor, name string, want State) RuntimeState {
	t.Helper()
	var st RuntimeState
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Module(name)
		return err == nil && st.State == want
	}, 2*time.Second, 5*time.Millisecond, "module %s never reached %s", name, want)
	return st
}

func TestLoadSkipsDisabledAndRejectsDuplicates(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Options{})

	disabled := descriptor("camera", 5, false)
	disabled.Enabled = false
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("face", 5, false), disabled}))

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "face", status[0].Name)
	assert.Equal(t, StateStopped, status[0].State)

	err := s.Load([]registry.Descriptor{descriptor("face", 1, false)})
	assert.ErrorIs(t, err, registry.ErrDuplicateModule)

	err = s.Load([]registry.Descriptor{{Name: "broken", Enabled: true}})
	assert.ErrorIs(t, err, registry.ErrEmptyCommand)
}

func TestStartAllPublishesStarted(t *testing.T) {
	ctx := context.Background()
	s, launcher, bus := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{
		descriptor("llm", 5, false),
		descriptor("voice", 5, false),
	}))

	require.NoError(t, s.StartAll(ctx))

	status := s.Status()
	require.Len(t, status, 2)
	for _, st := range status {
		assert.Equal(t, StateRunning, st.State)
		assert.True(t, st.Alive)
		assert.NotZero(t, st.PID)
		assert.False(t, st.LastStartTime.IsZero())
	}
	assert.Equal(t, []string{"jetbot-llm"}, launcher.Records()[0].Spec.Command)

	started := bus.Recent(eventbus.KindModuleStarted, 0)
	require.Len(t, started, 2)
	assert.Equal(t, "llm", started[0].Payload.StringOr("name", ""))
	assert.Equal(t, eventbus.SourceSupervisor, started[0].Source)
	pid, ok := started[0].Payload.Int("pid")
	require.True(t, ok)
	assert.Equal(t, status[0].PID, pid)

	_, err := s.Start(ctx, "llm")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = s.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestCrashIsRestartedUpToMaxRetries(t *testing.T) {
	metrics := newFakeMetrics()
	s, launcher, bus := newTestSupervisor(t, Options{Metrics: metrics})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("camera", 2, false)}))
	_, err := s.Start(context.Background(), "camera")
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		launcher.Handle("camera").Crash()
		s.checkModules()
		st := waitState(t, s, "camera", StateRunning)
		assert.Equal(t, attempt, st.RetryCount)
		assert.Equal(t, attempt, st.CrashCount)
	}
	require.Equal(t, 3, launcher.Launches("camera"))

	launcher.Handle("camera").Crash()
	s.checkModules()

	st, err := s.Module("camera")
	require.NoError(t, err)
	assert.Equal(t, StatePermanentlyFailed, st.State)
	assert.Equal(t, 3, st.CrashCount)
	assert.Contains(t, st.LastError, "exited with code")

	// Further cycles leave a permanently failed module alone.
	s.checkModules()
	assert.Equal(t, 3, launcher.Launches("camera"))

	// Every crashed instance is cleaned up.
	for _, h := range launcher.Handles("camera") {
		assert.Eventually(t, func() bool { return h.StopCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	}

	errorsSeen := bus.Recent(eventbus.KindModuleError, 0)
	require.Len(t, errorsSeen, 3)
	permanent, _ := errorsSeen[2].Payload.Bool("permanent")
	assert.True(t, permanent)
	critical, _ := errorsSeen[2].Payload.Bool("critical")
	assert.False(t, critical)

	state, crashes, restarts := metrics.snapshot("camera")
	assert.Equal(t, string(StatePermanentlyFailed), state)
	assert.Equal(t, 3, crashes)
	assert.Equal(t, 2, restarts)

	select {
	case <-s.Done():
		t.Fatal("non-critical failure must not shut the supervisor down")
	default:
	}
}

func TestRetryCountResetsAfterHealthyCycle(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("face", 1, false)}))
	_, err := s.Start(context.Background(), "face")
	require.NoError(t, err)

	launcher.Handle("face").Crash()
	s.checkModules()
	st := waitState(t, s, "face", StateRunning)
	require.Equal(t, 1, st.RetryCount)

	// The restarted process survives a full cycle.
	s.checkModules()
	st, err = s.Module("face")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 1, st.CrashCount)

	// With the budget restored a new crash is retried again.
	launcher.Handle("face").Crash()
	s.checkModules()
	st = waitState(t, s, "face", StateRunning)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, 2, st.CrashCount)
	assert.Equal(t, 3, launcher.Launches("face"))
}

func TestFailedLaunchIsRetriedUnderPolicy(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("llm", 1, false)}))

	launcher.SetFailure("llm", ErrLaunchTargetMissing)
	st, err := s.Start(context.Background(), "llm")
	require.ErrorIs(t, err, ErrLaunchTargetMissing)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.LastError, "launch target not found")

	s.checkModules()
	st = waitState(t, s, "llm", StateFailed)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, 0, st.CrashCount)
	require.Equal(t, 2, launcher.Launches("llm"))

	s.checkModules()
	st, err = s.Module("llm")
	require.NoError(t, err)
	assert.Equal(t, StatePermanentlyFailed, st.State)

	// An operator start resets the budget.
	launcher.SetFailure("llm", nil)
	st, err = s.Start(context.Background(), "llm")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 0, st.RetryCount)
}

func TestStopLeavesModuleStopped(t *testing.T) {
	ctx := context.Background()
	s, launcher, bus := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("voice", 3, false)}))
	_, err := s.Start(ctx, "voice")
	require.NoError(t, err)

	require.NoError(t, s.Stop(ctx, "voice"))
	handle := launcher.Handle("voice")
	assert.Equal(t, 1, handle.StopCount())

	s.checkModules()
	st, err := s.Module("voice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, launcher.Launches("voice"))

	stopped := bus.Recent(eventbus.KindModuleStopped, 1)
	require.Len(t, stopped, 1)
	assert.Equal(t, "voice", stopped[0].Payload.StringOr("name", ""))

	// Stopping again is harmless.
	require.NoError(t, s.Stop(ctx, "voice"))
	assert.Equal(t, 1, handle.StopCount())
	assert.ErrorIs(t, s.Stop(ctx, "missing"), ErrUnknownModule)
}

func TestCriticalFailureShutsDownEveryModuleOnce(t *testing.T) {
	ctx := context.Background()
	s, launcher, bus := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{
		descriptor("face", 5, false),
		descriptor("nav", 1, true),
		descriptor("voice", 5, false),
	}))
	require.NoError(t, s.StartAll(ctx))

	launcher.Handle("nav").Crash()
	s.checkModules()
	waitState(t, s, "nav", StateRunning)

	// The restarted nav dies again before any healthy cycle.
	launcher.Handle("nav").Crash()
	s.checkModules()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after critical failure")
	}
	require.ErrorIs(t, s.Err(), ErrCriticalFailure)

	assert.Equal(t, 1, launcher.Handle("face").StopCount())
	assert.Equal(t, 1, launcher.Handle("voice").StopCount())
	// Each crashed nav instance had its process group cleaned up exactly once.
	for _, h := range launcher.Handles("nav") {
		assert.Equal(t, 1, h.StopCount())
	}
	for _, st := range s.Status() {
		assert.Equal(t, StateStopped, st.State, st.Name)
		assert.False(t, st.Alive, st.Name)
	}

	var permanentNav bool
	for _, evt := range bus.Recent(eventbus.KindModuleError, 0) {
		if evt.Payload.StringOr("name", "") != "nav" {
			continue
		}
		if p, _ := evt.Payload.Bool("permanent"); p {
			permanentNav = true
			critical, _ := evt.Payload.Bool("critical")
			assert.True(t, critical)
		}
	}
	assert.True(t, permanentNav)
	assert.Len(t, bus.Recent(eventbus.KindModuleStopped, 0), 2)

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 1, launcher.Handle("face").StopCount())
	assert.Equal(t, 1, launcher.Handle("voice").StopCount())

	_, err := s.Start(ctx, "face")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsPendingRestart(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, Options{})
	slow := descriptor("controller", 3, false)
	slow.RetryDelay = time.Hour
	require.NoError(t, s.Load([]registry.Descriptor{slow, descriptor("face", 3, false)}))
	require.NoError(t, s.StartAll(context.Background()))

	launcher.Handle("controller").Crash()
	s.checkModules()
	st, err := s.Module("controller")
	require.NoError(t, err)
	require.Equal(t, StateRestarting, st.State)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked on a pending restart")
	}

	assert.Equal(t, 1, launcher.Launches("controller"))
	assert.NoError(t, s.Err())
	for _, st := range s.Status() {
		assert.Equal(t, StateStopped, st.State)
	}
}

func TestShutdownJoinsStopErrors(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, Options{})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("face", 1, false), descriptor("voice", 1, false)}))
	require.NoError(t, s.StartAll(context.Background()))

	boom := errors.New("signal refused")
	launcher.Handle("voice").SetStopError(boom)

	err := s.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stop voice")
}

func TestRunStopsOnContextAndShutdown(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("camera", 2, false)}))
	require.NoError(t, s.StartAll(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	launcher.Handle("camera").Crash()
	require.Eventually(t, func() bool { return launcher.Launches("camera") == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, "camera", StateRunning)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}

	go func() { runErr <- s.Run(context.Background()) }()
	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run ignored shutdown")
	}
}

func TestTransitionsAreJournaled(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(journal.Options{Path: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	defer j.Close()

	s, launcher, _ := newTestSupervisor(t, Options{Journal: j})
	require.NoError(t, s.Load([]registry.Descriptor{descriptor("face", 2, false)}))
	_, err = s.Start(ctx, "face")
	require.NoError(t, err)
	launcher.Handle("face").Crash()
	s.checkModules()
	waitState(t, s, "face", StateRunning)
	require.NoError(t, s.Shutdown(ctx))

	entries, err := j.Recent(ctx, "face", 0)
	require.NoError(t, err)

	var path []string
	for _, e := range entries {
		path = append(path, e.From+">"+e.To)
	}
	assert.Equal(t, []string{
		"stopped>starting",
		"starting>running",
		"running>failed",
		"failed>restarting",
		"restarting>starting",
		"starting>running",
		"running>stopped",
	}, path)
	assert.Equal(t, 1, entries[2].CrashCount)
	assert.NotEmpty(t, entries[2].Reason)
}

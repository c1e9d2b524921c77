// Package supervisor launches the robot's component processes, watches their
// liveness and applies a bounded restart policy. A critical module that
// exhausts its retries brings the whole system down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
)

const (
	defaultInterval    = 5 * time.Second
	defaultStopTimeout = 5 * time.Second
	journalQueueSize   = 256
	journalTimeout     = 2 * time.Second
)

var (
	// ErrUnknownModule is returned for names that were never loaded.
	ErrUnknownModule = errors.New("supervisor: unknown module")
	// ErrCriticalFailure reports that a critical module failed permanently.
	ErrCriticalFailure = errors.New("supervisor: critical module failed permanently")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor: shutting down")
	// ErrLaunchTargetMissing indicates the module executable was not found.
	ErrLaunchTargetMissing = errors.New("supervisor: launch target not found")
	// ErrAlreadyRunning is returned when starting a module that is up.
	ErrAlreadyRunning = errors.New("supervisor: module already running")
	// ErrRestartPending is returned when starting a module with a scheduled restart.
	ErrRestartPending = errors.New("supervisor: restart pending")
)

// Journal receives every state transition.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Metrics receives lifecycle counters.
type Metrics interface {
	ObserveState(module, state string)
	IncCrash(module string)
	IncRestart(module string)
}

// Options configures a Supervisor.
type Options struct {
	Launcher     Launcher
	Bus          *eventbus.Bus
	Logger       *zap.Logger
	Journal      Journal
	Metrics      Metrics
	Interval     time.Duration
	StopTimeout  time.Duration
	StartStagger time.Duration
}

// Supervisor owns the runtime state of every loaded module.
type Supervisor struct {
	launcher    Launcher
	bus         *eventbus.Bus
	logger      *zap.Logger
	journal     Journal
	metrics     Metrics
	interval    time.Duration
	stopTimeout time.Duration
	stagger     time.Duration

	mu           sync.Mutex
	modules      map[string]*module
	order        []string
	shuttingDown bool
	err          error

	// work tracks restart goroutines and in-flight launches.
	work          sync.WaitGroup
	restartCtx    context.Context
	restartCancel context.CancelFunc

	journalCh     chan journal.Entry
	journalDone   chan struct{}
	journalClosed bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// New constructs a Supervisor. Zero durations fall back to defaults.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = NewExecLauncher()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	restartCtx, restartCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		launcher:      launcher,
		bus:           opts.Bus,
		logger:        logger.Named("supervisor"),
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		interval:      interval,
		stopTimeout:   stopTimeout,
		stagger:       opts.StartStagger,
		modules:       make(map[string]*module),
		restartCtx:    restartCtx,
		restartCancel: restartCancel,
		done:          make(chan struct{}),
	}
	if s.journal != nil {
		s.journalCh = make(chan journal.Entry, journalQueueSize)
		s.journalDone = make(chan struct{})
		go s.journalLoop()
	}
	return s
}

// Load registers descriptors. Disabled entries are skipped.
func (s *Supervisor) Load(descs []registry.Descriptor) error {
	if err := registry.Validate(descs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return ErrShuttingDown
	}
	for _, d := range descs {
		if _, exists := s.modules[d.Name]; exists {
			return fmt.Errorf("%w: %s", registry.ErrDuplicateModule, d.Name)
		}
	}

	for _, d := range descs {
		if !d.Enabled {
			s.logger.Info("module disabled, skipping", zap.String("module", d.Name))
			continue
		}
		s.modules[d.Name] = &module{desc: d, state: StateStopped}
		s.order = append(s.order, d.Name)
		if s.metrics != nil {
			s.metrics.ObserveState(d.Name, string(StateStopped))
		}
	}
	return nil
}

// Start launches one module. Starting a permanently failed module resets its
// retry budget.
func (s *Supervisor) Start(ctx context.Context, name string) (RuntimeState, error) {
	s.mu.Lock()
	m, ok := s.modules[name]
	s.mu.Unlock()
	if !ok {
		return RuntimeState{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return s.launch(ctx, m, false)
}

// StartAll starts every loaded module in load order, pausing StartStagger
// between launches.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var errs []error
	for i, name := range names {
		if i > 0 && s.stagger > 0 {
			timer := time.NewTimer(s.stagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(append(errs, ctx.Err())...)
			case <-s.done:
				timer.Stop()
				return errors.Join(append(errs, ErrShuttingDown)...)
			case <-timer.C:
			}
		}
		if _, err := s.Start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop terminates one module and leaves it stopped; the monitor will not
// restart it.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	m, ok := s.modules[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	proc := m.proc
	m.proc = nil
	m.pendingReset = false
	s.transitionLocked(m, StateStopped, "stop requested")
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	err := proc.stop(ctx, s.stopTimeout)
	s.logger.Info("module stopped", zap.String("module", name))
	s.publish(eventbus.KindModuleStopped, eventbus.Payload{
		"name":   name,
		"reason": "stop requested",
	})
	if err != nil {
		return fmt.Errorf("supervisor: stop %s: %w", name, err)
	}
	return nil
}

// Run polls module liveness every Interval until ctx is cancelled or the
// supervisor shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.Err()
		case <-ticker.C:
			s.checkModules()
		}
	}
}

// Shutdown stops every live module exactly once and cancels pending
// restarts. Later calls wait for the first one to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx, nil)
}

// Done is closed once shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err reports why the supervisor shut down; ErrCriticalFailure when a
// critical module caused it, nil otherwise.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns a snapshot of every module in load order.
func (s *Supervisor) Status() []RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RuntimeState, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.modules[name].snapshot())
	}
	return out
}

// Module returns the snapshot of one module.
func (s *Supervisor) Module(name string) (RuntimeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	if !ok {
		return RuntimeState{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m.snapshot(), nil
}

func (s *Supervisor) launch(ctx context.Context, m *module, restart bool) (RuntimeState, error) {
	name := m.desc.Name

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return RuntimeState{}, ErrShuttingDown
	}
	switch {
	case restart && m.state != StateRestarting:
		// Stopped or started by an operator while the restart was pending.
		st := m.snapshot()
		s.mu.Unlock()
		return st, nil
	case !restart && (m.state == StateRunning || m.state == StateStarting):
		st := m.snapshot()
		s.mu.Unlock()
		return st, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	case !restart && m.state == StateRestarting:
		st := m.snapshot()
		s.mu.Unlock()
		return st, fmt.Errorf("%w: %s", ErrRestartPending, name)
	case !restart && m.state == StatePermanentlyFailed:
		m.retryCount = 0
	}
	s.work.Add(1)
	defer s.work.Done()
	s.transitionLocked(m, StateStarting, "")
	desc := m.desc
	attempt := m.retryCount
	s.mu.Unlock()

	proc := &process{
		stdout: newLineWriter(s.logger, name, "stdout", zap.InfoLevel),
		stderr: newLineWriter(s.logger, name, "stderr", zap.WarnLevel),
	}
	handle, err := s.launcher.Launch(ctx, LaunchSpec{
		Name:    name,
		Command: desc.Command,
		Dir:     desc.WorkingDir,
		Env:     desc.EnvList(),
		Stdout:  proc.stdout,
		Stderr:  proc.stderr,
	})

	if err != nil {
		proc.release()
	}

	s.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
		if m.state == StateStarting {
			s.transitionLocked(m, StateFailed, m.lastErr)
		}
		st := m.snapshot()
		s.mu.Unlock()

		s.logger.Error("module failed to start", zap.String("module", name), zap.Error(err))
		s.publish(eventbus.KindModuleError, eventbus.Payload{
			"name":        name,
			"error":       err.Error(),
			"crash_count": st.CrashCount,
			"retry_count": st.RetryCount,
			"permanent":   false,
			"critical":    st.Critical,
		})
		return st, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	proc.handle = handle
	if s.shuttingDown || m.state != StateStarting {
		// Shutdown or Stop ran while the process was spawning and never saw
		// this handle, so it is stopped here.
		s.transitionLocked(m, StateStopped, "stopped during start")
		st := m.snapshot()
		shuttingDown := s.shuttingDown
		s.mu.Unlock()
		if stopErr := proc.stop(context.Background(), s.stopTimeout); stopErr != nil {
			s.logger.Warn("failed to stop late module", zap.String("module", name), zap.Error(stopErr))
		}
		if shuttingDown {
			return st, ErrShuttingDown
		}
		return st, fmt.Errorf("supervisor: start %s: stopped during start", name)
	}

	m.proc = proc
	m.lastStart = time.Now().UTC()
	m.lastErr = ""
	m.pendingReset = restart
	s.transitionLocked(m, StateRunning, "")
	st := m.snapshot()
	s.mu.Unlock()

	s.logger.Info("module started",
		zap.String("module", name),
		zap.Int("pid", st.PID),
		zap.Int("attempt", attempt),
	)
	s.publish(eventbus.KindModuleStarted, eventbus.Payload{
		"name":    name,
		"pid":     st.PID,
		"attempt": attempt,
	})
	return st, nil
}

// checkModules runs one monitoring cycle.
func (s *Supervisor) checkModules() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}

	var (
		events   []eventbus.Payload
		escalate bool
	)
	for _, name := range s.order {
		m := s.modules[name]
		switch m.state {
		case StateRunning:
			if m.proc != nil && m.proc.handle.Alive() {
				if m.pendingReset {
					m.pendingReset = false
					m.retryCount = 0
					s.logger.Info("module recovered", zap.String("module", name))
				}
				continue
			}

			reason := "process missing"
			m.cleanup = nil
			if m.proc != nil {
				reason = exitReason(m.proc.handle)
				cleaned := make(chan struct{})
				m.cleanup = cleaned
				s.work.Add(1)
				go s.cleanupCrashed(name, m.proc, cleaned)
				m.proc = nil
			}
			m.crashCount++
			m.pendingReset = false
			m.lastErr = reason
			if s.metrics != nil {
				s.metrics.IncCrash(name)
			}
			s.transitionLocked(m, StateFailed, reason)
			s.logger.Warn("module crashed",
				zap.String("module", name),
				zap.String("reason", reason),
				zap.Int("crash_count", m.crashCount),
			)
		case StateFailed:
			// A previous start attempt failed; evaluated under the same policy.
		default:
			continue
		}

		payload, critical := s.applyPolicyLocked(m)
		events = append(events, payload)
		escalate = escalate || critical
	}
	s.mu.Unlock()

	for _, payload := range events {
		s.publish(eventbus.KindModuleError, payload)
	}
	if escalate {
		s.logger.Error("critical module failed permanently, shutting down")
		go s.shutdown(context.Background(), ErrCriticalFailure)
	}
}

// applyPolicyLocked moves a failed module to restarting or
// permanently_failed. It reports whether the failure must escalate.
func (s *Supervisor) applyPolicyLocked(m *module) (eventbus.Payload, bool) {
	name := m.desc.Name
	permanent := m.retryCount >= m.desc.MaxRetries

	if permanent {
		s.transitionLocked(m, StatePermanentlyFailed, m.lastErr)
		s.logger.Error("module failed permanently",
			zap.String("module", name),
			zap.Int("retry_count", m.retryCount),
			zap.Bool("critical", m.desc.Critical),
		)
	} else {
		m.retryCount++
		if s.metrics != nil {
			s.metrics.IncRestart(name)
		}
		s.transitionLocked(m, StateRestarting, m.lastErr)
		s.logger.Info("scheduling module restart",
			zap.String("module", name),
			zap.Int("retry", m.retryCount),
			zap.Int("max_retries", m.desc.MaxRetries),
			zap.Duration("delay", m.desc.RetryDelay),
		)
		s.work.Add(1)
		go s.restartAfter(m, m.desc.RetryDelay, m.cleanup)
	}

	payload := eventbus.Payload{
		"name":        name,
		"error":       m.lastErr,
		"crash_count": m.crashCount,
		"retry_count": m.retryCount,
		"permanent":   permanent,
		"critical":    m.desc.Critical,
	}
	return payload, permanent && m.desc.Critical
}

// cleanupCrashed terminates whatever the crashed leader left in its process
// group, then closes cleaned.
func (s *Supervisor) cleanupCrashed(name string, proc *process, cleaned chan<- struct{}) {
	defer s.work.Done()
	defer close(cleaned)

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.stopTimeout)
	defer cancel()
	if err := proc.stop(ctx, s.stopTimeout); err != nil {
		s.logger.Warn("failed to clean up crashed module",
			zap.String("module", name),
			zap.Error(err),
		)
	}
}

// restartAfter relaunches m after delay. A relaunch never overlaps the
// cleanup of the previous instance.
func (s *Supervisor) restartAfter(m *module, delay time.Duration, cleaned <-chan struct{}) {
	defer s.work.Done()

	if cleaned != nil {
		select {
		case <-cleaned:
		case <-s.restartCtx.Done():
			return
		}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-s.restartCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	} else if s.restartCtx.Err() != nil {
		return
	}

	if _, err := s.launch(s.restartCtx, m, true); err != nil && !errors.Is(err, ErrShuttingDown) {
		s.logger.Warn("module restart failed", zap.String("module", m.desc.Name), zap.Error(err))
	}
}

func (s *Supervisor) shutdown(ctx context.Context, cause error) error {
	first := false
	s.shutdownOnce.Do(func() { first = true })
	if !first {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type victim struct {
		name string
		proc *process
	}

	s.mu.Lock()
	s.shuttingDown = true
	s.err = cause
	s.restartCancel()
	var victims []victim
	for _, name := range s.order {
		m := s.modules[name]
		if m.proc != nil {
			victims = append(victims, victim{name: name, proc: m.proc})
			m.proc = nil
		}
	}
	s.mu.Unlock()

	s.logger.Info("shutting down modules", zap.Int("running", len(victims)))

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	for _, v := range victims {
		g.Go(func() error {
			if err := v.proc.stop(ctx, s.stopTimeout); err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("supervisor: stop %s: %w", v.name, err))
				errsMu.Unlock()
			}
			s.publish(eventbus.KindModuleStopped, eventbus.Payload{
				"name":   v.name,
				"reason": "shutdown",
			})
			return nil
		})
	}
	_ = g.Wait()
	s.work.Wait()

	s.mu.Lock()
	for _, name := range s.order {
		s.transitionLocked(s.modules[name], StateStopped, "shutdown")
	}
	if s.journalCh != nil {
		s.journalClosed = true
		close(s.journalCh)
	}
	s.mu.Unlock()

	if s.journalDone != nil {
		<-s.journalDone
	}
	close(s.done)

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("shutdown completed with errors", zap.Error(err))
	} else {
		s.logger.Info("shutdown complete")
	}
	return err
}

func (s *Supervisor) transitionLocked(m *module, to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	pid := 0
	if m.proc != nil {
		pid = m.proc.handle.PID()
	}
	s.logger.Debug("module state changed",
		zap.String("module", m.desc.Name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if s.metrics != nil {
		s.metrics.ObserveState(m.desc.Name, string(to))
	}
	if s.journalCh == nil || s.journalClosed {
		return
	}
	entry := journal.Entry{
		Module:     m.desc.Name,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
		PID:        pid,
		RetryCount: m.retryCount,
		CrashCount: m.crashCount,
		At:         time.Now().UTC(),
	}
	select {
	case s.journalCh <- entry:
	default:
		s.logger.Debug("journal queue full, dropping transition", zap.String("module", m.desc.Name))
	}
}

func (s *Supervisor) journalLoop() {
	defer close(s.journalDone)
	for entry := range s.journalCh {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := s.journal.Append(ctx, entry); err != nil {
			s.logger.Warn("failed to journal transition", zap.String("module", entry.Module), zap.Error(err))
		}
		cancel()
	}
}

func (s *Supervisor) publish(kind eventbus.Kind, payload eventbus.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(kind, payload, eventbus.SourceSupervisor)
}

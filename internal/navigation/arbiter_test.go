package navigation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

const tick = 100 * time.Millisecond

type recordingBackend struct {
	SimulatedBackend

	mu     sync.Mutex
	drives []Velocity
}

func (b *recordingBackend) Drive(ctx context.Context, v Velocity) error {
	b.mu.Lock()
	b.drives = append(b.drives, v)
	b.mu.Unlock()
	return b.SimulatedBackend.Drive(ctx, v)
}

func (b *recordingBackend) last() Velocity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.drives) == 0 {
		return Velocity{}
	}
	return b.drives[len(b.drives)-1]
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.drives)
}

type fixture struct {
	arbiter *Arbiter
	bus     *eventbus.Bus
	backend *recordingBackend
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	backend := &recordingBackend{}
	o := Options{Config: DefaultConfig(), Bus: bus, Backend: backend}
	for _, opt := range opts {
		opt(&o)
	}
	a, err := New(o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	t.Cleanup(a.lifecycle.Stop)

	return &fixture{arbiter: a, bus: bus, backend: backend}
}

// send publishes an event and waits until the arbiter has queued it.
func (f *fixture) send(t *testing.T, kind eventbus.Kind, payload eventbus.Payload, source eventbus.Source) {
	t.Helper()
	before := f.arbiter.pending()
	f.bus.Publish(kind, payload, source)
	require.Eventually(t, func() bool {
		return f.arbiter.pending() > before
	}, time.Second, 5*time.Millisecond)
}

func (f *fixture) mode(t *testing.T, mode Mode) {
	f.send(t, eventbus.KindModeChanged, eventbus.Payload{"mode": string(mode)}, eventbus.SourceOperator)
}

func (f *fixture) move(t *testing.T, left, right float64) {
	f.send(t, eventbus.KindMovementCommand, eventbus.Payload{"left_motor": left, "right_motor": right}, eventbus.SourceController)
}

func (f *fixture) obstacle(t *testing.T, distance float64) {
	f.send(t, eventbus.KindObstacleDetected, eventbus.Payload{"distance": distance, "direction": "front"}, eventbus.SourceSimulation)
}

// publish sends events back to back without waiting between them, then
// waits until all of them have reached the inbox.
func (f *fixture) publish(t *testing.T, events ...eventbus.Event) {
	t.Helper()
	before := f.arbiter.pending()
	for _, evt := range events {
		f.bus.Publish(evt.Kind, evt.Payload, evt.Source)
	}
	require.Eventually(t, func() bool {
		return f.arbiter.pending() == before+len(events)
	}, time.Second, time.Millisecond)
}

func modeEvent(mode Mode) eventbus.Event {
	return eventbus.Event{Kind: eventbus.KindModeChanged, Payload: eventbus.Payload{"mode": string(mode)}, Source: eventbus.SourceOperator}
}

func moveEvent(left, right float64) eventbus.Event {
	return eventbus.Event{Kind: eventbus.KindMovementCommand, Payload: eventbus.Payload{"left_motor": left, "right_motor": right}, Source: eventbus.SourceController}
}

func obstacleEvent(distance float64) eventbus.Event {
	return eventbus.Event{Kind: eventbus.KindObstacleDetected, Payload: eventbus.Payload{"distance": distance, "direction": "front"}, Source: eventbus.SourceSimulation}
}

func (f *fixture) step() {
	f.arbiter.Step(context.Background(), tick)
}

func TestArbiterManualCommandsIgnoredInAuto(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	f.mode(t, ModeManual)
	f.move(t, 1, 1)
	f.step()
	assert.Equal(t, Velocity{Linear: cfg.MaxLinearSpeed}, f.backend.last())

	f.mode(t, ModeAuto)
	f.step()
	before := f.arbiter.Snapshot().Velocity

	for i := 0; i < 3; i++ {
		f.move(t, 1, 1)
		f.move(t, -1, 1)
	}
	f.step()
	assert.Equal(t, before, f.arbiter.Snapshot().Velocity)
	assert.Equal(t, before, f.backend.last())
}

func TestArbiterKeepsPublishOrderAcrossKinds(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	for i := 0; i < 50; i++ {
		f.mode(t, ModeAuto)
		f.step()
		require.Equal(t, ModeAuto, f.arbiter.Snapshot().Mode)

		f.publish(t, modeEvent(ModeManual), moveEvent(1, 1))
		f.step()

		st := f.arbiter.Snapshot()
		require.Equal(t, ModeManual, st.Mode, "iteration %d", i)
		require.Equal(t, Velocity{Linear: cfg.MaxLinearSpeed}, st.Velocity, "iteration %d", i)
		require.Equal(t, Velocity{Linear: cfg.MaxLinearSpeed}, f.backend.last(), "iteration %d", i)
	}
}

func TestArbiterObstacleInSameTickAsMovement(t *testing.T) {
	for _, tc := range []struct {
		name   string
		events []eventbus.Event
	}{
		{name: "movement then obstacle", events: []eventbus.Event{moveEvent(1, 1), obstacleEvent(0.1)}},
		{name: "obstacle then movement", events: []eventbus.Event{obstacleEvent(0.1), moveEvent(1, 1)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			f.publish(t, tc.events...)
			f.step()

			assert.Equal(t, Velocity{}, f.backend.last())
			st := f.arbiter.Snapshot()
			assert.True(t, st.EmergencyOn)
			assert.Equal(t, StatePaused, st.NavState)
		})
	}
}

func TestArbiterRejectsNonFiniteObstacleDistance(t *testing.T) {
	f := newFixture(t)

	f.obstacle(t, 0.1)
	f.step()
	require.True(t, f.arbiter.Snapshot().EmergencyOn)

	for i, distance := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		f.bus.Publish(eventbus.KindObstacleDetected, eventbus.Payload{"distance": distance}, eventbus.SourceSimulation)
		want := uint64(i + 1)
		require.Eventually(t, func() bool {
			return f.bus.Metrics().HandlerErrors == want
		}, time.Second, 5*time.Millisecond)
	}
	assert.Zero(t, f.arbiter.pending())

	f.step()
	st := f.arbiter.Snapshot()
	assert.True(t, st.EmergencyOn)
	assert.Equal(t, StatePaused, st.NavState)
	assert.InDelta(t, 0.1, st.Obstacle.MinDistance, 1e-9)
}

func TestArbiterWheelMixing(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	f.move(t, -1, 1)
	f.step()
	assert.Equal(t, Velocity{Angular: cfg.MaxAngularSpeed}, f.backend.last())

	f.move(t, 0.5, 0)
	f.step()
	got := f.backend.last()
	assert.InDelta(t, 0.25*cfg.MaxLinearSpeed, got.Linear, 1e-9)
	assert.InDelta(t, -0.25*cfg.MaxAngularSpeed, got.Angular, 1e-9)
}

func TestArbiterClampsEveryCommand(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	f.send(t, eventbus.KindMovementCommand, eventbus.Payload{"linear": 5.0, "angular": -9.0}, eventbus.SourceController)
	f.step()
	assert.Equal(t, Velocity{Linear: cfg.MaxLinearSpeed, Angular: -cfg.MaxAngularSpeed}, f.backend.last())

	f.move(t, 7, 7)
	f.step()
	assert.Equal(t, Velocity{Linear: cfg.MaxLinearSpeed}, f.backend.last())
}

func TestArbiterEmergencyObstacleOverridesQueuedCommand(t *testing.T) {
	f := newFixture(t)

	f.move(t, 1, 1)
	f.obstacle(t, 0.1)
	f.step()

	assert.Equal(t, Velocity{}, f.backend.last())
	st := f.arbiter.Snapshot()
	assert.Equal(t, StatePaused, st.NavState)
	assert.True(t, st.EmergencyOn)
	assert.True(t, st.Obstacle.Detected)

	stops := f.bus.Recent(eventbus.KindEmergencyStop, 0)
	require.Len(t, stops, 1)
	engaged, _ := stops[0].Payload.Bool("engaged")
	assert.True(t, engaged)
	assert.Equal(t, eventbus.SourceNavigation, stops[0].Source)
	require.Len(t, f.bus.Recent(eventbus.KindVoiceOutput, 0), 1)

	// Commands arriving while the hazard persists stay suppressed.
	f.move(t, 1, 1)
	f.step()
	assert.Equal(t, Velocity{}, f.backend.last())

	f.obstacle(t, 2.0)
	f.step()
	st = f.arbiter.Snapshot()
	assert.False(t, st.EmergencyOn)
	assert.Equal(t, StateIdle, st.NavState)
	assert.Equal(t, Velocity{}, f.backend.last(), "latched manual command must not resume")

	stops = f.bus.Recent(eventbus.KindEmergencyStop, 0)
	require.Len(t, stops, 2)
	engaged, _ = stops[1].Payload.Bool("engaged")
	assert.False(t, engaged)
}

func TestArbiterEmergencyAppliesInAutoMode(t *testing.T) {
	f := newFixture(t)

	f.mode(t, ModeAuto)
	f.step()
	require.NoError(t, f.arbiter.NavigateTo(context.Background(), Goal{X: 2}))
	f.step()
	require.Equal(t, StateNavigating, f.arbiter.Snapshot().NavState)
	require.Greater(t, f.backend.last().Linear, 0.0)

	f.obstacle(t, 0.1)
	f.step()
	st := f.arbiter.Snapshot()
	assert.Equal(t, StatePaused, st.NavState)
	assert.Nil(t, st.Goal)
	assert.Equal(t, Velocity{}, f.backend.last())
	assert.ErrorIs(t, f.arbiter.NavigateTo(context.Background(), Goal{X: 1}), ErrPaused)
}

func TestArbiterWarningBandScalesForwardSpeed(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	f.move(t, 1, 1)
	f.obstacle(t, 0.35)
	f.step()

	factor := (0.35 - cfg.EmergencyDistance) / (cfg.WarningDistance - cfg.EmergencyDistance)
	assert.InDelta(t, cfg.MaxLinearSpeed*factor, f.backend.last().Linear, 1e-9)
	assert.False(t, f.arbiter.Snapshot().EmergencyOn)

	faces := f.bus.Recent(eventbus.KindFaceStatus, 0)
	require.Len(t, faces, 1)
	assert.Equal(t, "Obstacle detected!", faces[0].Payload.StringOr("status", ""))

	var warned bool
	for _, evt := range f.bus.Recent(eventbus.KindNavigationStatus, 0) {
		if evt.Payload.StringOr("warning", "") == "obstacle" {
			warned = true
		}
	}
	assert.True(t, warned)

	// Reversing away from the obstacle is not scaled.
	f.move(t, -1, -1)
	f.step()
	assert.Equal(t, -cfg.MaxLinearSpeed, f.backend.last().Linear)
}

func TestArbiterWarningBandMarksAvoidance(t *testing.T) {
	f := newFixture(t)

	f.mode(t, ModeAuto)
	f.step()
	require.NoError(t, f.arbiter.NavigateTo(context.Background(), Goal{X: 3}))
	f.step()

	f.obstacle(t, 0.4)
	f.step()
	assert.Equal(t, StateAvoidingObstacle, f.arbiter.Snapshot().NavState)

	f.obstacle(t, 1.5)
	f.step()
	assert.Equal(t, StateNavigating, f.arbiter.Snapshot().NavState)
}

func TestArbiterManualModeCancelsGoal(t *testing.T) {
	f := newFixture(t)

	f.mode(t, ModeAuto)
	f.step()
	require.NoError(t, f.arbiter.NavigateTo(context.Background(), Goal{X: 1}))
	f.step()
	st := f.arbiter.Snapshot()
	require.Equal(t, StateNavigating, st.NavState)
	require.NotNil(t, st.Goal)

	f.mode(t, ModeManual)
	f.step()
	st = f.arbiter.Snapshot()
	assert.Equal(t, ModeManual, st.Mode)
	assert.Equal(t, StateIdle, st.NavState)
	assert.Nil(t, st.Goal)
	assert.Equal(t, Velocity{}, f.backend.last())

	// The cancelled goal's completion must not surface later.
	f.step()
	assert.Equal(t, StateIdle, f.arbiter.Snapshot().NavState)
	assert.Empty(t, f.bus.Recent(eventbus.KindGoalReached, 0))
}

func TestArbiterNavigateToValidation(t *testing.T) {
	f := newFixture(t)

	err := f.arbiter.NavigateTo(context.Background(), Goal{X: 1})
	assert.ErrorIs(t, err, ErrNotAutonomous)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.mode(t, ModeAuto)
	f.step()
	assert.ErrorIs(t, f.arbiter.NavigateTo(ctx, Goal{X: 1}), context.Canceled)
}

func TestArbiterGoalEventRejectedInManual(t *testing.T) {
	f := newFixture(t)

	f.send(t, eventbus.KindNavigationGoal, eventbus.Payload{"x": 1.0, "y": 0.0}, eventbus.SourceOperator)
	f.step()
	assert.Equal(t, StateIdle, f.arbiter.Snapshot().NavState)

	var rejected bool
	for _, evt := range f.bus.Recent(eventbus.KindNavigationStatus, 0) {
		if evt.Payload.StringOr("error", "") == ErrNotAutonomous.Error() {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestArbiterReachesGoalInSimulation(t *testing.T) {
	f := newFixture(t)

	f.mode(t, ModeAuto)
	f.step()
	f.send(t, eventbus.KindNavigationGoal, eventbus.Payload{"x": 0.3, "y": 0.0}, eventbus.SourceOperator)

	for i := 0; i < 200 && f.arbiter.Snapshot().NavState != StateGoalReached; i++ {
		f.step()
	}

	st := f.arbiter.Snapshot()
	require.Equal(t, StateGoalReached, st.NavState)
	assert.InDelta(t, 0.3, st.Pose.X, 0.06)
	assert.Nil(t, st.Goal)

	reached := f.bus.Recent(eventbus.KindGoalReached, 0)
	require.Len(t, reached, 1)
	x, _ := reached[0].Payload.Float("x")
	assert.Equal(t, 0.3, x)
}

type failingPlanner struct {
	mu   sync.Mutex
	done func(error)
}

func (p *failingPlanner) Begin(_ Goal, done func(error)) {
	p.mu.Lock()
	p.done = done
	p.mu.Unlock()
}

func (p *failingPlanner) Velocity(Pose, time.Duration) Velocity {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done != nil {
		done(ErrGoalTimeout)
	}
	return Velocity{}
}

func (p *failingPlanner) Cancel() {}

func TestArbiterGoalFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Planner = &failingPlanner{} })

	f.mode(t, ModeAuto)
	f.step()
	require.NoError(t, f.arbiter.NavigateTo(context.Background(), Goal{X: 1}))
	f.step()
	f.step()

	assert.Equal(t, StateFailed, f.arbiter.Snapshot().NavState)
	assert.Empty(t, f.bus.Recent(eventbus.KindGoalReached, 0))
}

func TestArbiterOperatorEmergencyStop(t *testing.T) {
	f := newFixture(t)

	f.send(t, eventbus.KindEmergencyStop, eventbus.Payload{"engaged": true, "reason": "operator"}, eventbus.SourceOperator)
	f.move(t, 1, 1)
	f.step()
	assert.Equal(t, Velocity{}, f.backend.last())
	assert.True(t, f.arbiter.Snapshot().EmergencyOn)

	// A clear obstacle reading does not lift an operator stop.
	f.obstacle(t, 2.5)
	f.move(t, 1, 1)
	f.step()
	assert.Equal(t, Velocity{}, f.backend.last())

	f.send(t, eventbus.KindEmergencyStop, eventbus.Payload{"engaged": false}, eventbus.SourceOperator)
	f.step()
	st := f.arbiter.Snapshot()
	assert.False(t, st.EmergencyOn)
	assert.Equal(t, StateIdle, st.NavState)

	f.move(t, 1, 1)
	f.step()
	assert.Greater(t, f.backend.last().Linear, 0.0)
}

func TestArbiterPublishesStatusOnChange(t *testing.T) {
	f := newFixture(t)

	f.step()
	require.Len(t, f.bus.Recent(eventbus.KindNavigationStatus, 0), 1)

	// Unchanged state within the status interval is not republished.
	f.step()
	require.Len(t, f.bus.Recent(eventbus.KindNavigationStatus, 0), 1)

	f.move(t, 1, 1)
	f.step()
	statuses := f.bus.Recent(eventbus.KindNavigationStatus, 0)
	require.Len(t, statuses, 2)
	assert.Equal(t, "manual", statuses[1].Payload.StringOr("mode", ""))
	assert.Equal(t, "simulated", statuses[1].Payload.StringOr("backend", ""))

	for i := 0; i < 10; i++ {
		f.step()
	}
	assert.Greater(t, len(f.bus.Recent(eventbus.KindNavigationStatus, 0)), 2)
}

func TestArbiterStatusIgnoresVelocityJitter(t *testing.T) {
	f := newFixture(t)

	f.move(t, 1, 1)
	f.step()
	base := len(f.bus.Recent(eventbus.KindNavigationStatus, 0))
	require.Positive(t, base)

	// Four ticks stay inside the one second status interval.
	for i := 0; i < 4; i++ {
		v := 0.99 - 0.01*float64(i)
		f.move(t, v, v)
		f.step()
	}
	assert.Len(t, f.bus.Recent(eventbus.KindNavigationStatus, 0), base)

	f.move(t, 0, 0)
	f.step()
	assert.Len(t, f.bus.Recent(eventbus.KindNavigationStatus, 0), base+1)
}

type stallingBackend struct {
	SimulatedBackend
}

func (b *stallingBackend) Drive(ctx context.Context, _ Velocity) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestArbiterBoundsDriveToOneControlPeriod(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)
	cfg := DefaultConfig()
	cfg.ControlRate = 20

	a, err := New(Options{Config: cfg, Bus: bus, Backend: &stallingBackend{}})
	require.NoError(t, err)

	start := time.Now()
	a.Step(context.Background(), tick)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestArbiterRunStopsMotorsOnExit(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)
	backend := &recordingBackend{}
	cfg := DefaultConfig()
	cfg.ControlRate = 100

	a, err := New(Options{Config: cfg, Bus: bus, Backend: backend})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return backend.count() > 0 }, time.Second, 5*time.Millisecond)
	bus.Publish(eventbus.KindMovementCommand, eventbus.Payload{"left_motor": 1.0, "right_motor": 1.0}, eventbus.SourceController)
	require.Eventually(t, func() bool { return backend.last().Linear > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, Velocity{}, backend.last())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	cfg := DefaultConfig()
	cfg.EmergencyDistance = 0.6
	_, err := New(Options{Config: cfg, Bus: bus, Backend: NewSimulatedBackend()})
	assert.Error(t, err)

	_, err = New(Options{Config: DefaultConfig(), Backend: NewSimulatedBackend()})
	assert.Error(t, err)

	_, err = New(Options{Config: DefaultConfig(), Bus: bus})
	assert.Error(t, err)
}

package navigation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

const stopTimeout = 2 * time.Second

// Config holds the arbiter limits and thresholds.
type Config struct {
	MaxLinearSpeed    float64
	MaxAngularSpeed   float64
	WarningDistance   float64
	EmergencyDistance float64
	ControlRate       float64
	StatusInterval    time.Duration
}

// DefaultConfig returns the stock JetBot limits.
func DefaultConfig() Config {
	return Config{
		MaxLinearSpeed:    0.5,
		MaxAngularSpeed:   1.5,
		WarningDistance:   0.5,
		EmergencyDistance: 0.2,
		ControlRate:       10,
		StatusInterval:    time.Second,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.MaxLinearSpeed <= 0 || c.MaxAngularSpeed <= 0 {
		errs = append(errs, errors.New("navigation: speed limits must be positive"))
	}
	if c.EmergencyDistance <= 0 || c.WarningDistance <= c.EmergencyDistance {
		errs = append(errs, fmt.Errorf("navigation: need 0 < emergency (%.2f) < warning (%.2f)", c.EmergencyDistance, c.WarningDistance))
	}
	if c.ControlRate <= 0 {
		errs = append(errs, errors.New("navigation: control rate must be positive"))
	}
	return errors.Join(errs...)
}

// Metrics receives arbiter observations.
type Metrics interface {
	ObserveVelocity(linear, angular float64)
	ObserveNavState(state string)
	ObserveObstacle(distance float64)
	IncEmergencyStop(reason string)
}

// Options configures an Arbiter.
type Options struct {
	Config  Config
	Bus     *eventbus.Bus
	Backend MotionBackend
	Planner Planner
	Logger  *zap.Logger
	Metrics Metrics
}

type (
	modeMsg     struct{ mode Mode }
	moveMsg     struct{ cmd Velocity }
	obstacleMsg struct {
		distance  float64
		direction string
	}
	estopMsg struct {
		engaged bool
		reason  string
	}
	goalMsg     struct{ goal Goal }
	goalDoneMsg struct {
		id  uint64
		err error
	}
)

type outEvent struct {
	kind    eventbus.Kind
	payload eventbus.Payload
}

// statusVelocitySteps is the number of buckets per direction used when
// comparing velocities for status changes, so planner jitter does not turn
// NavigationStatus into a per-tick stream.
const statusVelocitySteps = 10

type statusKey struct {
	mode      Mode
	nav       NavState
	linear    int
	angular   int
	emergency bool
}

// Arbiter decides the velocity sent to the motion backend. Bus handlers only
// append to an inbox; Step drains it and is the single writer of the motion
// state.
type Arbiter struct {
	cfg     Config
	bus     *eventbus.Bus
	backend MotionBackend
	planner Planner
	logger  *zap.Logger
	metrics Metrics

	inboxMu sync.Mutex
	inbox   []any

	mu           sync.Mutex
	state        MotionState
	manual       Velocity
	hazard       bool
	operatorStop bool
	warning      bool
	goalID       uint64
	goalActive   bool
	outbox       []outEvent
	sinceStatus  time.Duration
	lastStatus   statusKey
	statusSent   bool

	period    time.Duration
	driveLog  *rate.Limiter
	lifecycle eventbus.Lifecycle
}

// New validates opts and returns an arbiter in manual mode, idle.
func New(opts Options) (*Arbiter, error) {
	cfg := opts.Config
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.Bus == nil {
		return nil, errors.New("navigation: bus is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("navigation: backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	planner := opts.Planner
	if planner == nil {
		planner = NewPursuitPlanner(cfg.MaxLinearSpeed, cfg.MaxAngularSpeed, defaultGoalTolerance, defaultGoalTimeout)
	}

	a := &Arbiter{
		cfg:      cfg,
		bus:      opts.Bus,
		backend:  opts.Backend,
		planner:  planner,
		logger:   logger.Named("arbiter"),
		metrics:  opts.Metrics,
		period:   time.Duration(float64(time.Second) / cfg.ControlRate),
		driveLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		state: MotionState{
			Mode:         ModeManual,
			NavState:     StateIdle,
			Capabilities: opts.Backend.Capabilities(),
		},
	}
	if a.metrics != nil {
		a.metrics.ObserveNavState(string(StateIdle))
	}
	return a, nil
}

var inputKinds = []eventbus.Kind{
	eventbus.KindModeChanged,
	eventbus.KindMovementCommand,
	eventbus.KindObstacleDetected,
	eventbus.KindEmergencyStop,
	eventbus.KindNavigationGoal,
}

// Start subscribes the arbiter to its input events. All inputs share one
// queue so the inbox keeps the order in which they were published.
func (a *Arbiter) Start(ctx context.Context) {
	a.lifecycle.Start(ctx)
	a.lifecycle.SubscribeKinds(a.bus, inputKinds, a.onInput, eventbus.WithSubscriptionName("navigation.input"))
}

func (a *Arbiter) onInput(ctx context.Context, evt eventbus.Event) error {
	switch evt.Kind {
	case eventbus.KindModeChanged:
		return a.onModeChanged(ctx, evt)
	case eventbus.KindMovementCommand:
		return a.onMovement(ctx, evt)
	case eventbus.KindObstacleDetected:
		return a.onObstacle(ctx, evt)
	case eventbus.KindEmergencyStop:
		return a.onEmergencyStop(ctx, evt)
	case eventbus.KindNavigationGoal:
		return a.onGoal(ctx, evt)
	}
	return nil
}

// Run drives the control loop at ControlRate until ctx is done, then stops
// the motors.
func (a *Arbiter) Run(ctx context.Context) error {
	a.Start(ctx)
	defer a.stop()

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	a.logger.Info("control loop running",
		zap.Duration("period", a.period),
		zap.String("backend", a.state.Capabilities.Backend),
	)

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.Step(ctx, now.Sub(last))
			last = now
		}
	}
}

// NavigateTo requests autonomous navigation to goal. The goal is picked up
// on the next control tick.
func (a *Arbiter) NavigateTo(ctx context.Context, goal Goal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	mode, nav, estop := a.state.Mode, a.state.NavState, a.state.EmergencyOn
	a.mu.Unlock()

	if mode != ModeAuto {
		return ErrNotAutonomous
	}
	if nav == StatePaused || estop {
		return ErrPaused
	}
	a.post(goalMsg{goal: goal})
	return nil
}

// Snapshot returns a copy of the motion state.
func (a *Arbiter) Snapshot() MotionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state
	if st.Goal != nil {
		g := *st.Goal
		st.Goal = &g
	}
	return st
}

// Step runs one control tick: apply queued inputs in arrival order, compute
// the command, apply avoidance scaling, then the emergency override, clamp
// and dispatch.
func (a *Arbiter) Step(ctx context.Context, dt time.Duration) {
	msgs := a.drain()

	a.mu.Lock()
	for _, msg := range msgs {
		a.applyLocked(msg)
	}

	var cmd Velocity
	switch {
	case a.state.Mode == ModeManual:
		cmd = a.manual
	case a.goalActive:
		cmd = a.planner.Velocity(a.state.Pose, dt)
	}
	cmd = a.avoidLocked(cmd)
	if a.hazard || a.operatorStop {
		cmd = Velocity{}
	}
	cmd = Velocity{
		Linear:  clamp(cmd.Linear, a.cfg.MaxLinearSpeed),
		Angular: clamp(cmd.Angular, a.cfg.MaxAngularSpeed),
	}
	a.state.Velocity = cmd
	a.mu.Unlock()

	// A slow backend may cost at most one control period per tick.
	driveCtx, cancel := context.WithTimeout(ctx, a.period)
	err := a.backend.Drive(driveCtx, cmd)
	cancel()
	if err != nil && a.driveLog.Allow() {
		a.logger.Warn("motion backend rejected command", zap.Error(err))
	}
	pose := a.backend.Odometry(dt)

	a.mu.Lock()
	a.state.Pose = pose
	a.state.UpdatedAt = time.Now().UTC()
	a.sinceStatus += dt
	key := a.statusKeyLocked()
	if !a.statusSent || key != a.lastStatus || a.sinceStatus >= a.cfg.StatusInterval {
		a.emitStatusLocked(nil)
		a.lastStatus = key
		a.statusSent = true
		a.sinceStatus = 0
	}
	if a.metrics != nil {
		a.metrics.ObserveVelocity(cmd.Linear, cmd.Angular)
	}
	out := a.outbox
	a.outbox = nil
	a.mu.Unlock()

	for _, evt := range out {
		a.bus.Publish(evt.kind, evt.payload, eventbus.SourceNavigation)
	}
}

func (a *Arbiter) applyLocked(msg any) {
	switch m := msg.(type) {
	case modeMsg:
		a.applyModeLocked(m.mode)
	case moveMsg:
		if a.state.Mode != ModeManual {
			a.logger.Debug("ignoring movement command outside manual mode")
			return
		}
		if a.state.EmergencyOn {
			a.logger.Debug("ignoring movement command while emergency stop is engaged")
			return
		}
		a.manual = m.cmd
	case obstacleMsg:
		a.applyObstacleLocked(m.distance, m.direction)
	case estopMsg:
		if m.engaged {
			a.operatorStop = true
			if !a.state.EmergencyOn {
				a.engageLocked(m.reason, false)
			}
			return
		}
		a.operatorStop = false
		a.releaseIfClearLocked()
	case goalMsg:
		a.applyGoalLocked(m.goal)
	case goalDoneMsg:
		a.finishGoalLocked(m.id, m.err)
	}
}

func (a *Arbiter) applyModeLocked(mode Mode) {
	prev := a.state.Mode
	switch mode {
	case ModeAuto:
		if prev == ModeAuto {
			return
		}
		a.state.Mode = ModeAuto
		a.manual = Velocity{}
		a.setNavLocked(StateIdle)
		a.emit(eventbus.KindFaceEmotion, eventbus.Payload{"emotion": "thinking"})
	case ModeManual:
		a.cancelGoalLocked()
		a.state.Mode = ModeManual
		a.manual = Velocity{}
		a.setNavLocked(StateIdle)
		if prev == ModeManual {
			return
		}
		a.emit(eventbus.KindFaceEmotion, eventbus.Payload{"emotion": "happy"})
	}
	a.logger.Info("mode changed", zap.String("from", string(prev)), zap.String("to", string(mode)))
}

func (a *Arbiter) applyObstacleLocked(distance float64, direction string) {
	a.state.Obstacle = Obstacle{
		Detected:    distance < a.cfg.WarningDistance,
		MinDistance: distance,
		Direction:   direction,
	}
	if a.metrics != nil {
		a.metrics.ObserveObstacle(distance)
	}

	switch {
	case distance < a.cfg.EmergencyDistance:
		a.warning = true
		if !a.hazard {
			a.hazard = true
			if !a.state.EmergencyOn {
				a.engageLocked("obstacle", true)
			}
		}
	case distance < a.cfg.WarningDistance:
		a.hazard = false
		if !a.warning {
			a.warning = true
			a.logger.Warn("obstacle detected", zap.Float64("distance", distance), zap.String("direction", direction))
			a.emitStatusLocked(eventbus.Payload{"warning": "obstacle"})
			a.emit(eventbus.KindFaceStatus, eventbus.Payload{"status": "Obstacle detected!"})
		}
		if a.state.NavState == StateNavigating {
			a.setNavLocked(StateAvoidingObstacle)
		}
	default:
		a.hazard = false
		a.warning = false
		if a.state.NavState == StateAvoidingObstacle {
			a.setNavLocked(StateNavigating)
		}
	}
	a.releaseIfClearLocked()
}

// engageLocked forces the robot into paused with any goal cancelled.
func (a *Arbiter) engageLocked(reason string, announce bool) {
	a.cancelGoalLocked()
	a.manual = Velocity{}
	a.state.EmergencyOn = true
	a.setNavLocked(StatePaused)
	if a.metrics != nil {
		a.metrics.IncEmergencyStop(reason)
	}
	a.logger.Warn("emergency stop engaged",
		zap.String("reason", reason),
		zap.Float64("distance", a.state.Obstacle.MinDistance),
	)

	if announce {
		a.emit(eventbus.KindEmergencyStop, eventbus.Payload{
			"engaged":  true,
			"reason":   reason,
			"distance": a.state.Obstacle.MinDistance,
		})
		a.emit(eventbus.KindVoiceOutput, eventbus.Payload{"text": "Obstacle too close. Stopping."})
	}
	a.emit(eventbus.KindFaceEmotion, eventbus.Payload{"emotion": "surprised"})
}

func (a *Arbiter) releaseIfClearLocked() {
	if a.hazard || a.operatorStop || !a.state.EmergencyOn {
		return
	}
	a.state.EmergencyOn = false
	if a.state.NavState == StatePaused {
		a.setNavLocked(StateIdle)
	}
	a.logger.Info("emergency stop released")
	a.emit(eventbus.KindEmergencyStop, eventbus.Payload{"engaged": false, "reason": "cleared"})
}

func (a *Arbiter) applyGoalLocked(goal Goal) {
	var reject error
	switch {
	case a.state.Mode != ModeAuto:
		reject = ErrNotAutonomous
	case a.state.NavState == StatePaused || a.state.EmergencyOn:
		reject = ErrPaused
	}
	if reject != nil {
		a.logger.Warn("goal rejected", zap.Error(reject))
		a.emitStatusLocked(eventbus.Payload{"error": reject.Error()})
		return
	}

	a.cancelGoalLocked()
	a.goalID++
	id := a.goalID
	a.goalActive = true
	a.state.Goal = &goal
	a.setNavLocked(StateNavigating)
	a.logger.Info("navigating to goal",
		zap.Float64("x", goal.X),
		zap.Float64("y", goal.Y),
		zap.Float64("theta", goal.Theta),
	)
	a.planner.Begin(goal, func(err error) {
		a.post(goalDoneMsg{id: id, err: err})
	})
}

func (a *Arbiter) finishGoalLocked(id uint64, err error) {
	if !a.goalActive || id != a.goalID {
		return
	}
	goal := a.state.Goal
	a.goalActive = false
	a.state.Goal = nil

	if err != nil {
		a.setNavLocked(StateFailed)
		a.logger.Warn("goal failed", zap.Error(err))
		a.emitStatusLocked(eventbus.Payload{"error": err.Error()})
		return
	}
	a.setNavLocked(StateGoalReached)
	a.logger.Info("goal reached")
	if goal != nil {
		a.emit(eventbus.KindGoalReached, eventbus.Payload{
			"x":     goal.X,
			"y":     goal.Y,
			"theta": goal.Theta,
		})
	}
}

// cancelGoalLocked drops the active goal. The planner's completion callback
// for it is ignored because the goal id moves on.
func (a *Arbiter) cancelGoalLocked() {
	if !a.goalActive {
		return
	}
	a.goalActive = false
	a.goalID++
	a.state.Goal = nil
	a.planner.Cancel()
	a.logger.Info("goal cancelled")
}

func (a *Arbiter) avoidLocked(cmd Velocity) Velocity {
	obs := a.state.Obstacle
	if !obs.Detected || cmd.Linear <= 0 {
		return cmd
	}
	band := a.cfg.WarningDistance - a.cfg.EmergencyDistance
	factor := (obs.MinDistance - a.cfg.EmergencyDistance) / band
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	cmd.Linear *= factor
	return cmd
}

func (a *Arbiter) setNavLocked(s NavState) {
	if a.state.NavState == s {
		return
	}
	a.logger.Debug("navigation state changed",
		zap.String("from", string(a.state.NavState)),
		zap.String("to", string(s)),
	)
	a.state.NavState = s
	if a.metrics != nil {
		a.metrics.ObserveNavState(string(s))
	}
}

func (a *Arbiter) statusKeyLocked() statusKey {
	return statusKey{
		mode:      a.state.Mode,
		nav:       a.state.NavState,
		linear:    int(math.Round(a.state.Velocity.Linear / a.cfg.MaxLinearSpeed * statusVelocitySteps)),
		angular:   int(math.Round(a.state.Velocity.Angular / a.cfg.MaxAngularSpeed * statusVelocitySteps)),
		emergency: a.state.EmergencyOn,
	}
}

func (a *Arbiter) emitStatusLocked(extra eventbus.Payload) {
	st := a.state
	payload := eventbus.Payload{
		"state":     string(st.NavState),
		"mode":      string(st.Mode),
		"linear":    st.Velocity.Linear,
		"angular":   st.Velocity.Angular,
		"x":         st.Pose.X,
		"y":         st.Pose.Y,
		"theta":     st.Pose.Theta,
		"emergency": st.EmergencyOn,
		"backend":   st.Capabilities.Backend,
		"simulated": st.Capabilities.Simulated,
	}
	if st.Obstacle.MinDistance > 0 {
		payload["obstacle_distance"] = st.Obstacle.MinDistance
	}
	for k, v := range extra {
		payload[k] = v
	}
	a.emit(eventbus.KindNavigationStatus, payload)
}

func (a *Arbiter) emit(kind eventbus.Kind, payload eventbus.Payload) {
	a.outbox = append(a.outbox, outEvent{kind: kind, payload: payload})
}

func (a *Arbiter) post(msg any) {
	a.inboxMu.Lock()
	a.inbox = append(a.inbox, msg)
	a.inboxMu.Unlock()
}

func (a *Arbiter) drain() []any {
	a.inboxMu.Lock()
	defer a.inboxMu.Unlock()
	msgs := a.inbox
	a.inbox = nil
	return msgs
}

func (a *Arbiter) pending() int {
	a.inboxMu.Lock()
	defer a.inboxMu.Unlock()
	return len(a.inbox)
}

func (a *Arbiter) stop() {
	a.lifecycle.Stop()

	a.mu.Lock()
	a.cancelGoalLocked()
	a.manual = Velocity{}
	a.state.Velocity = Velocity{}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.backend.Drive(ctx, Velocity{}); err != nil {
		a.logger.Warn("failed to stop motors", zap.Error(err))
		return
	}
	a.logger.Info("motors stopped")
}

func (a *Arbiter) onModeChanged(_ context.Context, evt eventbus.Event) error {
	raw, _ := evt.Payload.String("mode")
	mode, err := ParseMode(raw)
	if err != nil {
		return err
	}
	a.post(modeMsg{mode: mode})
	return nil
}

// onMovement accepts wheel commands {left_motor, right_motor} in [-1, 1] or
// a twist {linear, angular}. Mode gating happens when the message is applied
// so that ordering with ModeChanged is preserved.
func (a *Arbiter) onMovement(_ context.Context, evt eventbus.Event) error {
	p := evt.Payload
	if lin, ok := p.Float("linear"); ok {
		ang, _ := p.Float("angular")
		a.post(moveMsg{cmd: Velocity{Linear: lin, Angular: ang}})
		return nil
	}
	left, okL := p.Float("left_motor")
	right, okR := p.Float("right_motor")
	if !okL || !okR {
		return errors.New("navigation: movement command needs left_motor and right_motor")
	}
	left, right = clamp(left, 1), clamp(right, 1)
	a.post(moveMsg{cmd: Velocity{
		Linear:  (left + right) / 2 * a.cfg.MaxLinearSpeed,
		Angular: (right - left) / 2 * a.cfg.MaxAngularSpeed,
	}})
	return nil
}

func (a *Arbiter) onObstacle(_ context.Context, evt eventbus.Event) error {
	distance, ok := evt.Payload.Float("distance")
	if !ok || distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return errors.New("navigation: obstacle event needs a finite non-negative distance")
	}
	a.post(obstacleMsg{distance: distance, direction: evt.Payload.StringOr("direction", "front")})
	return nil
}

func (a *Arbiter) onEmergencyStop(_ context.Context, evt eventbus.Event) error {
	if evt.Source == eventbus.SourceNavigation {
		return nil
	}
	engaged, ok := evt.Payload.Bool("engaged")
	if !ok {
		engaged = true
	}
	a.post(estopMsg{engaged: engaged, reason: evt.Payload.StringOr("reason", "operator")})
	return nil
}

func (a *Arbiter) onGoal(_ context.Context, evt eventbus.Event) error {
	x, okX := evt.Payload.Float("x")
	y, okY := evt.Payload.Float("y")
	if !okX || !okY {
		return errors.New("navigation: goal needs x and y")
	}
	theta, _ := evt.Payload.Float("theta")
	a.post(goalMsg{goal: Goal{X: x, Y: y, Theta: theta}})
	return nil
}

package navigation

import (
	"math"
	"sync"
	"time"
)

// Planner turns a goal into velocity commands. The Arbiter calls Velocity
// once per tick while a goal is active. done passed to Begin must be invoked
// exactly once: nil on arrival, an error on failure. It may be called from
// any goroutine, including from within Velocity.
type Planner interface {
	Begin(goal Goal, done func(error))
	Velocity(pose Pose, dt time.Duration) Velocity
	Cancel()
}

const (
	defaultGoalTolerance = 0.05
	defaultGoalTimeout   = 60 * time.Second
	// headingWindow is the heading error above which the planner turns in
	// place before driving.
	headingWindow = 0.35
	linearGain    = 1.0
	angularGain   = 2.0
)

// PursuitPlanner is a turn-then-drive proportional controller.
type PursuitPlanner struct {
	maxLinear  float64
	maxAngular float64
	tolerance  float64
	timeout    time.Duration

	mu      sync.Mutex
	goal    Goal
	done    func(error)
	elapsed time.Duration
	active  bool
}

// NewPursuitPlanner returns a planner bounded by the given speeds.
func NewPursuitPlanner(maxLinear, maxAngular, tolerance float64, timeout time.Duration) *PursuitPlanner {
	if tolerance <= 0 {
		tolerance = defaultGoalTolerance
	}
	if timeout <= 0 {
		timeout = defaultGoalTimeout
	}
	return &PursuitPlanner{
		maxLinear:  maxLinear,
		maxAngular: maxAngular,
		tolerance:  tolerance,
		timeout:    timeout,
	}
}

func (p *PursuitPlanner) Begin(goal Goal, done func(error)) {
	p.mu.Lock()
	prev := p.finishLocked()
	p.goal = goal
	p.done = done
	p.elapsed = 0
	p.active = true
	p.mu.Unlock()

	if prev != nil {
		prev(ErrGoalCancelled)
	}
}

func (p *PursuitPlanner) Velocity(pose Pose, dt time.Duration) Velocity {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return Velocity{}
	}

	p.elapsed += dt
	dx := p.goal.X - pose.X
	dy := p.goal.Y - pose.Y
	dist := math.Hypot(dx, dy)

	var (
		cmd    Velocity
		finish func(error)
		result error
	)
	switch {
	case dist <= p.tolerance:
		finish = p.finishLocked()
	case p.elapsed > p.timeout:
		finish = p.finishLocked()
		result = ErrGoalTimeout
	default:
		heading := normalizeAngle(math.Atan2(dy, dx) - pose.Theta)
		cmd.Angular = clamp(angularGain*heading, p.maxAngular)
		if math.Abs(heading) < headingWindow {
			cmd.Linear = clamp(linearGain*dist, p.maxLinear)
		}
	}
	p.mu.Unlock()

	if finish != nil {
		finish(result)
	}
	return cmd
}

func (p *PursuitPlanner) Cancel() {
	p.mu.Lock()
	done := p.finishLocked()
	p.mu.Unlock()
	if done != nil {
		done(ErrGoalCancelled)
	}
}

func (p *PursuitPlanner) finishLocked() func(error) {
	if !p.active {
		return nil
	}
	done := p.done
	p.active = false
	p.done = nil
	return done
}

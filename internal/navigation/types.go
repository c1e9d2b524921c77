// Package navigation owns robot motion. The Arbiter consumes mode, movement,
// obstacle and goal events from the bus and decides, once per control tick,
// which velocity is safe to send to the motion backend.
package navigation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode selects which authority may move the robot.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// ParseMode accepts mode names case-insensitively.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeManual:
		return ModeManual, nil
	case ModeAuto:
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("navigation: unknown mode %q", raw)
	}
}

// NavState is the autonomous navigation state.
type NavState string

const (
	StateIdle             NavState = "idle"
	StateNavigating       NavState = "navigating"
	StateAvoidingObstacle NavState = "avoiding_obstacle"
	StateGoalReached      NavState = "goal_reached"
	StateFailed           NavState = "failed"
	StatePaused           NavState = "paused"
)

var (
	// ErrNotAutonomous rejects goals outside auto mode.
	ErrNotAutonomous = errors.New("navigation: goals require auto mode")
	// ErrPaused rejects goals while an emergency stop holds the robot.
	ErrPaused = errors.New("navigation: paused by emergency stop")
	// ErrGoalTimeout is reported when a goal is not reached in time.
	ErrGoalTimeout = errors.New("navigation: goal timed out")
	// ErrGoalCancelled is reported to planners whose goal was superseded.
	ErrGoalCancelled = errors.New("navigation: goal cancelled")
	// ErrBridgeUnavailable indicates the hardware motor bridge did not answer.
	ErrBridgeUnavailable = errors.New("navigation: motor bridge unavailable")
)

// Pose is a planar position in metres and heading in radians.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Velocity is a differential drive command.
type Velocity struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

// IsZero reports whether the command stops the robot.
func (v Velocity) IsZero() bool {
	return v.Linear == 0 && v.Angular == 0
}

// Obstacle is the latest proximity reading.
type Obstacle struct {
	Detected    bool    `json:"detected"`
	MinDistance float64 `json:"min_distance"`
	Direction   string  `json:"direction,omitempty"`
}

// Goal is a target pose for autonomous navigation.
type Goal struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// MotionState is the robot motion state owned by the Arbiter.
type MotionState struct {
	Mode         Mode         `json:"mode"`
	NavState     NavState     `json:"nav_state"`
	Pose         Pose         `json:"pose"`
	Obstacle     Obstacle     `json:"obstacle"`
	Velocity     Velocity     `json:"velocity"`
	Goal         *Goal        `json:"goal,omitempty"`
	EmergencyOn  bool         `json:"emergency"`
	Capabilities Capabilities `json:"capabilities"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// normalizeAngle maps a to (-pi, pi].
func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

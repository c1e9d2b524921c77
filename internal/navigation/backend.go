package navigation

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capabilities describes the selected motion backend.
type Capabilities struct {
	Backend   string `json:"backend"`
	Simulated bool   `json:"simulated"`
	Format    string `json:"format,omitempty"`
}

// MotionBackend executes velocity commands and reports odometry.
type MotionBackend interface {
	Capabilities() Capabilities
	Drive(ctx context.Context, v Velocity) error
	// Odometry advances the pose estimate by dt and returns it.
	Odometry(dt time.Duration) Pose
	Close() error
}

// odometer dead-reckons a pose from the last commanded velocity.
type odometer struct {
	mu   sync.Mutex
	pose Pose
	vel  Velocity
}

func (o *odometer) command(v Velocity) {
	o.mu.Lock()
	o.vel = v
	o.mu.Unlock()
}

func (o *odometer) advance(dt time.Duration) Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	secs := dt.Seconds()
	if secs > 0 {
		o.pose.X += o.vel.Linear * secs * math.Cos(o.pose.Theta)
		o.pose.Y += o.vel.Linear * secs * math.Sin(o.pose.Theta)
		o.pose.Theta = normalizeAngle(o.pose.Theta + o.vel.Angular*secs)
	}
	return o.pose
}

// SimulatedBackend integrates commanded velocities into a kinematic pose.
type SimulatedBackend struct {
	odo odometer
}

// NewSimulatedBackend starts at the origin facing +x.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

func (b *SimulatedBackend) Capabilities() Capabilities {
	return Capabilities{Backend: "simulated", Simulated: true}
}

func (b *SimulatedBackend) Drive(_ context.Context, v Velocity) error {
	b.odo.command(v)
	return nil
}

func (b *SimulatedBackend) Odometry(dt time.Duration) Pose {
	return b.odo.advance(dt)
}

func (b *SimulatedBackend) Close() error {
	b.odo.command(Velocity{})
	return nil
}

// SelectBackend probes the hardware bridge once and falls back to the
// simulated backend when it is not configured or does not answer.
func SelectBackend(ctx context.Context, cfg HardwareConfig, logger *zap.Logger) MotionBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		logger.Info("no motor bridge configured, using simulated backend")
		return NewSimulatedBackend()
	}

	hw, err := NewHardwareBackend(cfg, logger)
	if err == nil {
		err = hw.Probe(ctx)
	}
	if err != nil {
		logger.Warn("motor bridge unavailable, using simulated backend",
			zap.String("url", cfg.URL),
			zap.Error(err),
		)
		return NewSimulatedBackend()
	}

	logger.Info("motor bridge connected",
		zap.String("url", cfg.URL),
		zap.String("format", string(hw.cfg.Format)),
	)
	return hw
}

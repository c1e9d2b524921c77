package navigation

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

const (
	defaultObstaclePeriod = 2 * time.Second
	minSimulatedDistance  = 0.1
	maxSimulatedDistance  = 3.0
)

var obstacleDirections = []string{"front", "left", "right"}

// ObstacleSimulator publishes synthetic ObstacleDetected readings so the
// avoidance path is exercised without a range sensor.
type ObstacleSimulator struct {
	bus    *eventbus.Bus
	period time.Duration
	rng    *rand.Rand
	logger *zap.Logger
}

// NewObstacleSimulator seeds its generator with seed so runs are repeatable.
func NewObstacleSimulator(bus *eventbus.Bus, period time.Duration, seed uint64, logger *zap.Logger) *ObstacleSimulator {
	if period <= 0 {
		period = defaultObstaclePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObstacleSimulator{
		bus:    bus,
		period: period,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger: logger.Named("obstacles"),
	}
}

// Next draws one reading.
func (s *ObstacleSimulator) Next() (float64, string) {
	distance := minSimulatedDistance + s.rng.Float64()*(maxSimulatedDistance-minSimulatedDistance)
	direction := obstacleDirections[s.rng.IntN(len(obstacleDirections))]
	return distance, direction
}

// Run publishes a reading every period until ctx is done.
func (s *ObstacleSimulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("synthetic obstacle source running", zap.Duration("period", s.period))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			distance, direction := s.Next()
			s.bus.Publish(eventbus.KindObstacleDetected, eventbus.Payload{
				"distance":  distance,
				"direction": direction,
			}, eventbus.SourceSimulation)
		}
	}
}

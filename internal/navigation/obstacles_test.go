package navigation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

func TestObstacleSimulatorDeterministic(t *testing.T) {
	a := NewObstacleSimulator(nil, 0, 42, nil)
	b := NewObstacleSimulator(nil, 0, 42, nil)

	for i := 0; i < 50; i++ {
		da, dirA := a.Next()
		db, dirB := b.Next()
		require.Equal(t, da, db)
		require.Equal(t, dirA, dirB)
		assert.GreaterOrEqual(t, da, minSimulatedDistance)
		assert.Less(t, da, maxSimulatedDistance)
		assert.Contains(t, obstacleDirections, dirA)
	}
}

func TestObstacleSimulatorPublishes(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	sim := NewObstacleSimulator(bus, 5*time.Millisecond, 7, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(bus.Recent(eventbus.KindObstacleDetected, 0)) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	evt := bus.Recent(eventbus.KindObstacleDetected, 1)[0]
	assert.Equal(t, eventbus.SourceSimulation, evt.Source)
	_, ok := evt.Payload.Float("distance")
	assert.True(t, ok)
}

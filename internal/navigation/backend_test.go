package navigation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedBackendIntegratesPose(t *testing.T) {
	b := NewSimulatedBackend()
	require.True(t, b.Capabilities().Simulated)

	require.NoError(t, b.Drive(context.Background(), Velocity{Angular: math.Pi / 2}))
	pose := b.Odometry(time.Second)
	assert.InDelta(t, math.Pi/2, pose.Theta, 1e-9)

	require.NoError(t, b.Drive(context.Background(), Velocity{Linear: 0.5}))
	pose = b.Odometry(2 * time.Second)
	assert.InDelta(t, 0, pose.X, 1e-9)
	assert.InDelta(t, 1.0, pose.Y, 1e-9)

	require.NoError(t, b.Close())
	assert.Equal(t, pose, b.Odometry(time.Second))
}

func TestNormalizeAngle(t *testing.T) {
	assert.InDelta(t, -math.Pi/2, normalizeAngle(3*math.Pi/2), 1e-9)
	assert.InDelta(t, math.Pi, normalizeAngle(-math.Pi), 1e-9)
	assert.InDelta(t, 0.1, normalizeAngle(0.1+4*math.Pi), 1e-9)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, clamp(3, 1))
	assert.Equal(t, -1.0, clamp(-3, 1))
	assert.Equal(t, 0.25, clamp(0.25, 1))
	assert.Equal(t, 0.0, clamp(math.NaN(), 1))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" AUTO ")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("cruise")
	assert.Error(t, err)
}

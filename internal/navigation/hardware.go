package navigation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/validate"
)

// BridgeFormat selects the JSON shape posted to the motor bridge.
type BridgeFormat string

const (
	// FormatWheels posts {left_motor_speed, right_motor_speed} in -255..255.
	FormatWheels BridgeFormat = "wheels"
	// FormatTwist posts {linear, angular} in SI units.
	FormatTwist BridgeFormat = "twist"
)

const (
	motorPath       = "/api/motor"
	statusPath      = "/status"
	maxWheelSpeed   = 255
	defaultTimeout  = 2 * time.Second
	defaultRateHz   = 20
	userAgentHeader = "jetbot-nav"
)

// HardwareConfig configures the HTTP motor bridge.
type HardwareConfig struct {
	URL        string
	Format     BridgeFormat
	Rate       float64
	Timeout    time.Duration
	MaxLinear  float64
	MaxAngular float64
}

// HardwareBackend drives an HTTP motor bridge. Pose is dead-reckoned from the
// commands sent since the bridge reports no odometry.
type HardwareBackend struct {
	cfg     HardwareConfig
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	odo     odometer
}

// NewHardwareBackend validates cfg and builds the HTTP client.
func NewHardwareBackend(cfg HardwareConfig, logger *zap.Logger) (*HardwareBackend, error) {
	if _, err := validate.HTTPURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("navigation: bridge %w", err)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatWheels
	case FormatWheels, FormatTwist:
	default:
		return nil, fmt.Errorf("navigation: unknown bridge format %q", cfg.Format)
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultRateHz
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxLinear <= 0 || cfg.MaxAngular <= 0 {
		return nil, errors.New("navigation: bridge speed limits must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(cfg.URL), "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", userAgentHeader).
		SetHeader("Content-Type", "application/json")

	return &HardwareBackend{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), 1),
		logger:  logger.Named("bridge"),
	}, nil
}

// Probe checks that the bridge answers its status endpoint.
func (b *HardwareBackend) Probe(ctx context.Context) error {
	resp, err := b.client.R().SetContext(ctx).Get(statusPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrBridgeUnavailable, resp.StatusCode())
	}
	return nil
}

func (b *HardwareBackend) Capabilities() Capabilities {
	return Capabilities{Backend: "hardware", Format: string(b.cfg.Format)}
}

// Drive posts v to the bridge. Non-zero commands beyond the configured rate
// are skipped; stop commands are always sent.
func (b *HardwareBackend) Drive(ctx context.Context, v Velocity) error {
	if !v.IsZero() && !b.limiter.Allow() {
		return nil
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(b.body(v)).
		Post(motorPath)
	if err != nil {
		return fmt.Errorf("navigation: drive: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("navigation: drive: bridge returned status %d", resp.StatusCode())
	}
	b.odo.command(v)
	return nil
}

func (b *HardwareBackend) body(v Velocity) map[string]any {
	if b.cfg.Format == FormatTwist {
		return map[string]any{"linear": v.Linear, "angular": v.Angular}
	}
	left, right := WheelSpeeds(v, b.cfg.MaxLinear, b.cfg.MaxAngular)
	return map[string]any{"left_motor_speed": left, "right_motor_speed": right}
}

func (b *HardwareBackend) Odometry(dt time.Duration) Pose {
	return b.odo.advance(dt)
}

// Close sends a final stop.
func (b *HardwareBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	return b.Drive(ctx, Velocity{})
}

// WheelSpeeds inverts the differential mapping used for manual commands and
// scales each wheel to the bridge's integer range.
func WheelSpeeds(v Velocity, maxLinear, maxAngular float64) (int, int) {
	lin := v.Linear / maxLinear
	ang := v.Angular / maxAngular
	left := clamp(lin-ang, 1)
	right := clamp(lin+ang, 1)
	return int(math.Round(left * maxWheelSpeed)), int(math.Round(right * maxWheelSpeed))
}

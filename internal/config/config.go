package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration shared by the Jetbot binaries.
type Config struct {
	Instance   string `envconfig:"JETBOT_INSTANCE" default:"default"`
	APIURL     string `envconfig:"JETBOT_API_URL" default:"http://127.0.0.1:8765"`
	Logging    LogConfig
	Supervisor SupervisorConfig
	Bus        BusConfig
	Broker     BrokerConfig
	Navigation NavigationConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SupervisorConfig controls the process supervisor.
type SupervisorConfig struct {
	ModulesFile     string        `envconfig:"JETBOT_MODULES_FILE"`
	MonitorInterval time.Duration `envconfig:"JETBOT_MONITOR_INTERVAL" default:"5s"`
	StopTimeout     time.Duration `envconfig:"JETBOT_STOP_TIMEOUT" default:"5s"`
	StartStagger    time.Duration `envconfig:"JETBOT_START_STAGGER" default:"2s"`
	Journal         bool          `envconfig:"JETBOT_JOURNAL" default:"true"`
	JournalPath     string        `envconfig:"JETBOT_JOURNAL_PATH"`
}

// BusConfig controls the in-process event bus.
type BusConfig struct {
	HistorySize int `envconfig:"BUS_HISTORY" default:"1000"`
	QueueSize   int `envconfig:"BUS_QUEUE" default:"64"`
}

// BrokerConfig controls the cross-process relay.
type BrokerConfig struct {
	Listen    string        `envconfig:"BROKER_LISTEN" default:"127.0.0.1:8765"`
	URL       string        `envconfig:"BROKER_URL" default:"ws://127.0.0.1:8765/bus"`
	Reconnect time.Duration `envconfig:"BROKER_RECONNECT" default:"2s"`
	Enabled   bool          `envconfig:"BROKER_ENABLED" default:"true"`
}

// NavigationConfig holds arbiter thresholds and actuator bridge settings.
type NavigationConfig struct {
	MaxLinearSpeed     float64       `envconfig:"NAV_MAX_LINEAR" default:"0.5"`
	MaxAngularSpeed    float64       `envconfig:"NAV_MAX_ANGULAR" default:"1.5"`
	WarningDistance    float64       `envconfig:"NAV_WARNING_DISTANCE" default:"0.5"`
	EmergencyDistance  float64       `envconfig:"NAV_EMERGENCY_DISTANCE" default:"0.2"`
	ControlRate        float64       `envconfig:"NAV_CONTROL_RATE" default:"10"`
	StatusInterval     time.Duration `envconfig:"NAV_STATUS_INTERVAL" default:"1s"`
	BridgeURL          string        `envconfig:"NAV_BRIDGE_URL"`
	BridgeFormat       string        `envconfig:"NAV_BRIDGE_FORMAT" default:"wheels"`
	BridgeRate         float64       `envconfig:"NAV_BRIDGE_RATE" default:"20"`
	BridgeTimeout      time.Duration `envconfig:"NAV_BRIDGE_TIMEOUT" default:"2s"`
	SimulateObstacles  bool          `envconfig:"NAV_SIMULATE_OBSTACLES" default:"true"`
	ObstaclePeriod     time.Duration `envconfig:"NAV_OBSTACLE_PERIOD" default:"2s"`
	MetricsListen      string        `envconfig:"NAV_METRICS_LISTEN" default:"127.0.0.1:8766"`
	GoalTolerance      float64       `envconfig:"NAV_GOAL_TOLERANCE" default:"0.05"`
	GoalTimeout        time.Duration `envconfig:"NAV_GOAL_TIMEOUT" default:"60s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	cfg.applyPaths()
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns Default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Instance: DefaultInstance,
		APIURL:   "http://127.0.0.1:8765",
		Logging: LogConfig{
			Level: "info",
		},
		Supervisor: SupervisorConfig{
			MonitorInterval: 5 * time.Second,
			StopTimeout:     5 * time.Second,
			StartStagger:    2 * time.Second,
			Journal:         true,
		},
		Bus: BusConfig{
			HistorySize: 1000,
			QueueSize:   64,
		},
		Broker: BrokerConfig{
			Listen:    "127.0.0.1:8765",
			URL:       "ws://127.0.0.1:8765/bus",
			Reconnect: 2 * time.Second,
			Enabled:   true,
		},
		Navigation: NavigationConfig{
			MaxLinearSpeed:    0.5,
			MaxAngularSpeed:   1.5,
			WarningDistance:   0.5,
			EmergencyDistance: 0.2,
			ControlRate:       10,
			StatusInterval:    time.Second,
			BridgeFormat:      "wheels",
			BridgeRate:        20,
			BridgeTimeout:     2 * time.Second,
			SimulateObstacles: true,
			ObstaclePeriod:    2 * time.Second,
			MetricsListen:     "127.0.0.1:8766",
			GoalTolerance:     0.05,
			GoalTimeout:       60 * time.Second,
		},
	}
	cfg.applyPaths()
	return cfg
}

func (c *Config) applyPaths() {
	paths := GetInstancePaths(c.Instance)
	if c.Supervisor.ModulesFile == "" {
		c.Supervisor.ModulesFile = paths.ModulesFile
	} else {
		c.Supervisor.ModulesFile = ExpandPath(c.Supervisor.ModulesFile)
	}
	if c.Supervisor.JournalPath == "" {
		c.Supervisor.JournalPath = paths.Journal
	} else {
		c.Supervisor.JournalPath = ExpandPath(c.Supervisor.JournalPath)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/broker"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/config"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/logging"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/navigation"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/observability"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/server"
	jetbotversion "github.com/Eshwarpawanpeddi/Jetbot-os/internal/version"
)

const probeTimeout = 3 * time.Second

type navFlags struct {
	bridgeURL     string
	simulate      bool
	logLevel      string
	metricsListen string
	standalone    bool
}

func main() {
	var flags navFlags
	rootCmd := &cobra.Command{
		Use:           "jetbot-nav",
		Short:         "JetBot navigation - arbitrates motion commands and drives the motors",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNavigation(cmd.Context(), flags)
		},
	}
	rootCmd.Version = jetbotversion.Full()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&flags.bridgeURL, "bridge-url", "", "motor bridge base URL (overrides NAV_BRIDGE_URL)")
	rootCmd.Flags().BoolVar(&flags.simulate, "simulate", false, "ignore the motor bridge and use the simulated backend")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.Flags().StringVar(&flags.metricsListen, "metrics-listen", "", "status and metrics listen address (overrides NAV_METRICS_LISTEN)")
	rootCmd.Flags().BoolVar(&flags.standalone, "standalone", false, "do not connect to the jetbotd broker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNavigation(ctx context.Context, flags navFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	nav := cfg.Navigation
	if flags.bridgeURL != "" {
		nav.BridgeURL = flags.bridgeURL
	}
	if flags.simulate {
		nav.BridgeURL = ""
	}
	if flags.metricsListen != "" {
		nav.MetricsListen = flags.metricsListen
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer logger.Sync()
	logger = logger.Named("nav")

	busMetrics := observability.NewBusMetrics()
	navMetrics := observability.NewNavigationMetrics()
	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithHistorySize(cfg.Bus.HistorySize),
		eventbus.WithQueueSize(cfg.Bus.QueueSize),
		eventbus.WithObserver(busMetrics),
	)
	defer bus.Shutdown()

	reg := observability.NewRegistry()
	collectors := append(busMetrics.Collectors(), navMetrics.Collectors()...)
	collectors = append(collectors, observability.NewBusStatsCollector(bus))
	if err := observability.Register(reg, collectors...); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var relay *broker.Client
	if cfg.Broker.Enabled && !flags.standalone {
		relay = broker.NewClient(cfg.Broker.URL, bus,
			broker.WithClientLogger(logger),
			broker.WithReconnectDelay(cfg.Broker.Reconnect),
		)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, probeTimeout)
	backend := navigation.SelectBackend(probeCtx, navigation.HardwareConfig{
		URL:        nav.BridgeURL,
		Format:     navigation.BridgeFormat(nav.BridgeFormat),
		Rate:       nav.BridgeRate,
		Timeout:    nav.BridgeTimeout,
		MaxLinear:  nav.MaxLinearSpeed,
		MaxAngular: nav.MaxAngularSpeed,
	}, logger)
	cancelProbe()
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close motion backend", zap.Error(err))
		}
	}()

	arbiter, err := navigation.New(navigation.Options{
		Config: navigation.Config{
			MaxLinearSpeed:    nav.MaxLinearSpeed,
			MaxAngularSpeed:   nav.MaxAngularSpeed,
			WarningDistance:   nav.WarningDistance,
			EmergencyDistance: nav.EmergencyDistance,
			ControlRate:       nav.ControlRate,
			StatusInterval:    nav.StatusInterval,
		},
		Bus:     bus,
		Backend: backend,
		Planner: navigation.NewPursuitPlanner(nav.MaxLinearSpeed, nav.MaxAngularSpeed, nav.GoalTolerance, nav.GoalTimeout),
		Logger:  logger,
		Metrics: navMetrics,
	})
	if err != nil {
		return err
	}

	api, err := server.New(server.Options{
		Bus:      bus,
		Metrics:  observability.Handler(reg),
		Instance: cfg.Instance,
		Version:  jetbotversion.String(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	caps := backend.Capabilities()
	logger.Info("jetbot-nav starting",
		zap.String("version", jetbotversion.String()),
		zap.String("backend", caps.Backend),
		zap.Bool("simulated", caps.Simulated),
		zap.Bool("relay", relay != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if caps.Simulated && nav.SimulateObstacles {
		sim := navigation.NewObstacleSimulator(bus, nav.ObstaclePeriod, uint64(time.Now().UnixNano()), logger)
		g.Go(func() error {
			sim.Run(gctx)
			return nil
		})
	}
	if nav.MetricsListen != "" {
		g.Go(func() error { return api.ListenAndServe(gctx, nav.MetricsListen) })
	}
	g.Go(func() error {
		err := arbiter.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("jetbot-nav stopped")
	return nil
}

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
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/logging"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/observability"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/procutil"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/server"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
	jetbotversion "github.com/Eshwarpawanpeddi/Jetbot-os/internal/version"
)

const shutdownGrace = 30 * time.Second

type daemonFlags struct {
	modulesFile string
	listen      string
	logLevel    string
	noJournal   bool
}

func main() {
	var flags daemonFlags
	rootCmd := &cobra.Command{
		Use:           "jetbotd",
		Short:         "JetBot daemon - supervises robot modules and hosts the event broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
	rootCmd.Version = jetbotversion.Full()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&flags.modulesFile, "modules", "", "module registry YAML (overrides JETBOT_MODULES_FILE)")
	rootCmd.Flags().StringVar(&flags.listen, "listen", "", "API and broker listen address (overrides BROKER_LISTEN)")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.Flags().BoolVar(&flags.noJournal, "no-journal", false, "disable the lifecycle journal")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, flags daemonFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flags.modulesFile != "" {
		cfg.Supervisor.ModulesFile = config.ExpandPath(flags.modulesFile)
	}
	if flags.listen != "" {
		cfg.Broker.Listen = flags.listen
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.noJournal {
		cfg.Supervisor.Journal = false
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer logger.Sync()

	paths, err := config.EnsureInstanceDirs(cfg.Instance)
	if err != nil {
		return fmt.Errorf("prepare instance directories: %w", err)
	}
	pidFile, err := procutil.AcquirePIDFile(paths.PIDFile)
	if err != nil {
		return err
	}
	defer pidFile.Release()
	logger.Info("jetbotd starting",
		zap.String("version", jetbotversion.String()),
		zap.Int("pid", os.Getpid()),
		zap.String("instance", cfg.Instance),
		zap.String("home", paths.Home),
	)

	busMetrics := observability.NewBusMetrics()
	supMetrics := observability.NewSupervisorMetrics()
	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithHistorySize(cfg.Bus.HistorySize),
		eventbus.WithQueueSize(cfg.Bus.QueueSize),
		eventbus.WithObserver(busMetrics),
		eventbus.WithOrigin("jetbotd"),
	)
	defer bus.Shutdown()

	reg := observability.NewRegistry()
	collectors := append(busMetrics.Collectors(), supMetrics.Collectors()...)
	collectors = append(collectors, observability.NewBusStatsCollector(bus))
	if err := observability.Register(reg, collectors...); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := broker.NewHub(broker.WithHubLogger(logger), broker.WithLocalBus(bus))

	var (
		jrnl    *journal.Journal
		history server.History
		supJrnl supervisor.Journal
	)
	if cfg.Supervisor.Journal {
		jrnl, err = journal.Open(journal.Options{Path: cfg.Supervisor.JournalPath})
		if err != nil {
			logger.Warn("lifecycle journal unavailable, continuing without it",
				zap.String("path", cfg.Supervisor.JournalPath),
				zap.Error(err),
			)
		} else {
			defer jrnl.Close()
			if pruned, err := jrnl.Prune(ctx, journal.DefaultRetention); err != nil {
				logger.Warn("journal prune failed", zap.Error(err))
			} else if pruned > 0 {
				logger.Debug("journal pruned", zap.Int64("rows", pruned))
			}
			history, supJrnl = jrnl, jrnl
		}
	}

	descs := registry.LoadOrDefault(cfg.Supervisor.ModulesFile, logger)
	sup := supervisor.New(supervisor.Options{
		Bus:          bus,
		Logger:       logger,
		Journal:      supJrnl,
		Metrics:      supMetrics,
		Interval:     cfg.Supervisor.MonitorInterval,
		StopTimeout:  cfg.Supervisor.StopTimeout,
		StartStagger: cfg.Supervisor.StartStagger,
	})
	if err := sup.Load(descs); err != nil {
		return fmt.Errorf("load modules: %w", err)
	}

	api, err := server.New(server.Options{
		Bus:      bus,
		Modules:  sup,
		History:  history,
		Hub:      hub,
		Metrics:  observability.Handler(reg),
		Instance: cfg.Instance,
		Version:  jetbotversion.String(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.Broker.Listen)
	})
	g.Go(func() error {
		err := sup.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := sup.StartAll(gctx); err != nil && gctx.Err() == nil {
			logger.Warn("some modules failed to start", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if ctx.Err() != nil {
		logger.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("errors while stopping modules", zap.Error(err))
	}

	if err := sup.Err(); err != nil {
		logger.Error("jetbotd stopped after critical module failure", zap.Error(err))
		return err
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("jetbotd stopped")
	return nil
}

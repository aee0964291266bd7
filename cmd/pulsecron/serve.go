package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/avoronkov/pulsecron/internal/bus"
	"github.com/avoronkov/pulsecron/internal/config"
	"github.com/avoronkov/pulsecron/internal/cron"
	"github.com/avoronkov/pulsecron/internal/heartbeat"
	"github.com/avoronkov/pulsecron/internal/logger"
	"github.com/avoronkov/pulsecron/internal/workers"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler daemon (main command)",
	Long: `Start the pulsecron daemon with the specified configuration.
This initializes all components (logger, event bus, worker pool, heartbeat
loop, cron service, metrics endpoint) and handles graceful shutdown.`,
	Run: serveHandler,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to config file (default ./config.toml)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "override logging level")
}

func serveHandler(cmd *cobra.Command, args []string) {
	if err := config.LoadEnvOptional("./.env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	configPath := serveConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) && serveConfigPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}

	if errors := cfg.Validate(); len(errors) > 0 {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		for _, e := range errors {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting pulsecron",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "workspace", Value: cfg.Workspace.Path},
		logger.Field{Key: "store", Value: cfg.StorePath()})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	eventBus := bus.New(cfg.Bus.Capacity, log)
	if err := eventBus.Start(); err != nil {
		log.Error("failed to start event bus", err)
		os.Exit(1)
	}

	pool := workers.New(cfg.Workers.Count, cfg.Workers.BufferSize, log)
	pool.RegisterExecutor(workers.TaskKindAgentTurn, agentTurnExecutor(eventBus, log))
	if err := pool.Start(); err != nil {
		log.Error("failed to start worker pool", err)
		os.Exit(1)
	}

	loop := heartbeat.NewLoop(
		time.Duration(cfg.Heartbeat.IntervalMinutes)*time.Minute,
		eventBus.Subscribe(),
		heartbeatHandler(log),
		log,
	)
	if cfg.Heartbeat.Enabled {
		if err := loop.Start(); err != nil {
			log.Error("failed to start heartbeat loop", err)
			os.Exit(1)
		}
	}

	service := cron.New(cron.Options{
		StorePath:     cfg.StorePath(),
		SeedDir:       cfg.Cron.SeedDir,
		QueueCapacity: cfg.Cron.QueueCapacity,
		RunLogSize:    cfg.Cron.RunLogSize,
		Logger:        log,
		Namespace:     cfg.Metrics.Namespace,
		Registerer:    prometheus.DefaultRegisterer,
		Emitter:       bus.NewEmitter(eventBus, "cron"),
		Waker:         loop,
		Agent:         workers.NewAgentRunner(pool),
	})
	if err := service.Start(); err != nil {
		log.Error("failed to start cron service", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: cfg.Metrics.Listen})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", err)
			}
		}()
	}

	sig := <-sigChan
	log.Info("shutdown signal received", logger.Field{Key: "signal", Value: sig.String()})

	if err := service.Stop(); err != nil {
		log.Error("failed to stop cron service", err)
	}
	if cfg.Heartbeat.Enabled {
		if err := loop.Stop(); err != nil {
			log.Error("failed to stop heartbeat loop", err)
		}
	}
	if err := pool.Stop(); err != nil {
		log.Error("failed to stop worker pool", err)
	}
	if err := eventBus.Stop(); err != nil {
		log.Error("failed to stop event bus", err)
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error("failed to shut down metrics server", err)
		}
	}

	log.Info("pulsecron stopped")
}

// agentTurnExecutor handles agentTurn tasks. The real agent runtime is an
// external collaborator; here each turn is surfaced as a system event so the
// heartbeat consumer can pick it up.
func agentTurnExecutor(eventBus *bus.EventBus, log *logger.Logger) workers.Executor {
	return func(_ context.Context, task workers.Task) (workers.Result, error) {
		job, ok := task.Payload.(cron.AgentJob)
		if !ok {
			return workers.Result{}, fmt.Errorf("unexpected payload type %T", task.Payload)
		}

		event := bus.SystemEvent{
			Text:          job.Message,
			SessionTarget: job.SessionTarget,
			Source:        "agent",
			AtMs:          time.Now().UnixMilli(),
		}
		if err := eventBus.Publish(event); err != nil {
			return workers.Result{Status: "error", Error: err.Error()}, nil
		}

		log.Debug("agent turn dispatched",
			logger.Field{Key: "job_id", Value: job.JobID},
			logger.Field{Key: "session_target", Value: job.SessionTarget})
		return workers.Result{Status: "ok"}, nil
	}
}

// heartbeatHandler logs each consumed batch.
func heartbeatHandler(log *logger.Logger) heartbeat.Handler {
	return heartbeat.HandlerFunc(func(_ context.Context, events []bus.SystemEvent) error {
		for _, e := range events {
			log.Info("system event consumed",
				logger.Field{Key: "source", Value: e.Source},
				logger.Field{Key: "session_target", Value: e.SessionTarget},
				logger.Field{Key: "text", Value: e.Text})
		}
		return nil
	})
}

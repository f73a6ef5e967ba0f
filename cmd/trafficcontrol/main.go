// TrafficControl orchestrator server — dispatches agent sessions across
// projects, serves the dashboard HTTP API, and watches spend, productivity,
// and database health.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/allocation"
	"github.com/trafficcontrol/trafficcontrol/pkg/api"
	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/capacity"
	"github.com/trafficcontrol/trafficcontrol/pkg/config"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/dispatch"
	"github.com/trafficcontrol/trafficcontrol/pkg/events"
	"github.com/trafficcontrol/trafficcontrol/pkg/metrics"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/notify"
	"github.com/trafficcontrol/trafficcontrol/pkg/observability"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/session"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
	"github.com/trafficcontrol/trafficcontrol/pkg/store"
	"github.com/trafficcontrol/trafficcontrol/pkg/subagent"
	"github.com/trafficcontrol/trafficcontrol/pkg/version"
)

// notifyTimeout bounds one outbound Slack delivery from a monitor callback.
const notifyTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := run(); err != nil {
		slog.Error("TrafficControl exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("TC_CONFIG", "trafficcontrol.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env (best-effort; a missing file is fine)
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	// 1. Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))
	slog.Info("Starting TrafficControl",
		"version", version.Full(),
		"config_path", *configPath,
		"listen_addr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Tracing (no-op unless OTLP_ENDPOINT is set)
	shutdownTracing, err := observability.SetupTracing(ctx, version.Full())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("Error shutting down tracing", "error", err)
		}
	}()

	// 3. Connect to PostgreSQL and apply migrations
	var dbCfg store.Config
	if err := env.Parse(&dbCfg); err != nil {
		return err
	}
	st, err := store.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pricing, err := st.Pricing(ctx)
	if err != nil {
		// Sessions still finalize with agent-reported costs only.
		slog.Warn("Could not load model pricing, using agent-reported costs", "error", err)
	}

	// Sessions left live by a previous process are unrecoverable: fail
	// them and put their tasks back in the queue before dispatch starts.
	if n, err := st.MarkOrphanedSessions(ctx, "orchestrator restarted"); err != nil {
		slog.Warn("Could not settle orphaned sessions", "error", err)
	} else if n > 0 {
		slog.Info("Settled orphaned sessions from previous run", "count", n)
	}

	// 4. Monitors and trackers
	capTracker := capacity.NewTracker(cfg.Capacity.Limits())
	tree := subagent.NewTracker(cfg.Agent.MaxSubagentDepth)
	circuit := breaker.New(cfg.Breaker)
	spendMon := spend.NewMonitor(cfg.Spend)
	prodMon := productivity.NewMonitor(cfg.Productivity)
	health := dbhealth.NewMonitor(cfg.Health)

	// 5. Event bus and notifications
	bus := events.NewBus()
	defer bus.Close()
	publisher := events.NewEventPublisher(bus)

	var notifier *notify.Service
	if cfg.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.Slack.TokenEnv),
			Channel:      cfg.Slack.Channel,
			DashboardURL: cfg.Slack.DashboardURL,
		})
		if notifier == nil {
			slog.Warn("Slack enabled but token or channel missing, notifications disabled")
		}
	}

	wireCallbacks(publisher, notifier, spendMon, prodMon, health, circuit)

	// 6. Agent adapter and session manager
	adapter := agent.NewAdapter(cfg.Agent.AdapterConfig())
	manager := session.NewManager(
		session.AdapterStarter{Adapter: adapter},
		capTracker, tree, pricing, publisher,
	)
	manager.OnQuestion(func(sess models.Session, question string) {
		notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		notifier.NotifyAgentQuestion(notifyCtx, sess, question)
	})

	// 7. Dispatcher
	defaultModel, err := models.ParseModel(cfg.Agent.DefaultModel)
	if err != nil {
		return err
	}
	dispCfg := dispatch.DefaultConfig()
	dispCfg.TickInterval = cfg.Dispatch.TickInterval
	dispCfg.TaskPageSize = cfg.Dispatch.TaskPageSize
	dispCfg.DefaultModel = defaultModel
	dispCfg.WorkDirRoot = cfg.Agent.WorkDirRoot

	scorer := scoring.NewScorer(cfg.Scoring)
	dispatcher := dispatch.New(dispCfg, dispatch.Deps{
		Store:        st,
		Manager:      manager,
		Scorer:       scorer,
		Allocator:    allocation.NewAllocator(),
		Capacity:     capTracker,
		Breaker:      circuit,
		Spend:        spendMon,
		Productivity: prodMon,
		Health:       health,
		Publisher:    publisher,
	})
	manager.OnFinalized(dispatcher.HandleFinalized)

	// 8. HTTP server
	apiDeps := api.Deps{
		Store:        st,
		Sessions:     manager,
		Dispatcher:   dispatcher,
		Capacity:     capTracker,
		Breaker:      circuit,
		Spend:        spendMon,
		Productivity: prodMon,
		Health:       health,
		Scorer:       scorer,
		Bus:          bus,
		Publisher:    publisher,
		Version:      version.Full(),
	}
	if notifier != nil {
		apiDeps.Notifier = notifier
	}
	server := api.NewServer(
		api.Config{
			ListenAddr:     cfg.Server.ListenAddr,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		apiDeps,
	)

	// 9. Run subsystems until a signal arrives or one of them fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return health.RunProber(gctx, st)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	slog.Info("TrafficControl started",
		"tick_interval", cfg.Dispatch.TickInterval,
		"capacity_opus", cfg.Capacity.Opus,
		"capacity_sonnet", cfg.Capacity.Sonnet,
		"capacity_haiku", cfg.Capacity.Haiku)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Subsystem failed, shutting down", "error", err)
	} else {
		slog.Info("Shutdown signal received")
		err = nil
	}

	// 10. Drain: cancel live sessions and wait for their subprocesses
	drainSessions(manager, cfg.Dispatch.ShutdownTimeout)

	slog.Info("Shutdown complete")
	return err
}

// wireCallbacks routes monitor and breaker signals to the event bus and
// the Slack notifier. The notifier is nil-safe, so unconfigured Slack
// costs nothing here.
func wireCallbacks(
	publisher *events.EventPublisher,
	notifier *notify.Service,
	spendMon *spend.Monitor,
	prodMon *productivity.Monitor,
	health *dbhealth.Monitor,
	circuit *breaker.Breaker,
) {
	spendMon.OnAlert(func(alert spend.Alert) {
		severity := "soft"
		if alert.IsHardLimit {
			severity = "hard"
		}
		metrics.SpendAlerts.WithLabelValues(severity).Inc()

		topTasks := make([]events.TopTask, len(alert.TopTasks))
		for i, t := range alert.TopTasks {
			topTasks[i] = events.TopTask{
				TaskID:    t.TaskID,
				AmountUSD: t.AmountUSD,
				Percent:   t.Percent,
			}
		}
		if err := publisher.PublishSpendAlert(events.SpendAlertPayload{
			AmountUSD:     alert.AmountUSD,
			ThresholdUSD:  alert.ThresholdUSD,
			WindowMinutes: alert.WindowMinutes,
			IsHardLimit:   alert.IsHardLimit,
			TopTasks:      topTasks,
		}); err != nil {
			slog.Warn("Failed to publish spend alert", "error", err)
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		notifier.NotifySpendAlert(notifyCtx, alert)
	})

	prodMon.OnAlert(func(alert productivity.Alert) {
		metrics.ProductivityAlerts.WithLabelValues(string(alert.Type)).Inc()
		if err := publisher.PublishProductivityAlert(events.ProductivityAlertPayload{
			AlertType:  string(alert.Type),
			Message:    alert.Message,
			Value:      alert.Value,
			Threshold:  alert.Threshold,
			SampleSize: alert.SampleSize,
		}); err != nil {
			slog.Warn("Failed to publish productivity alert", "error", err)
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		notifier.NotifyProductivityAlert(notifyCtx, alert)
	})

	health.OnStateChange(func(degraded bool, downtime time.Duration) {
		stats := health.Stats()
		if err := publisher.PublishDatabaseHealth(events.DatabaseHealthPayload{
			Degraded:            degraded,
			ConsecutiveFailures: stats.ConsecutiveFailures,
			DowntimeSeconds:     downtime.Seconds(),
		}); err != nil {
			slog.Warn("Failed to publish database health change", "error", err)
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		notifier.NotifyDatabaseHealth(notifyCtx, degraded, downtime)
	})

	circuit.OnStateChange(func(previous, next breaker.State, reason string) {
		slog.Warn("Circuit breaker state changed",
			"previous", string(previous), "next", string(next), "reason", reason)
	})
}

// drainSessions cancels every live session and waits for the subprocesses
// to exit, bounded by timeout. Sessions that outlive the deadline are
// reported and abandoned to OS cleanup.
func drainSessions(manager *session.Manager, timeout time.Duration) {
	cancelled := manager.CancelAll()
	if cancelled > 0 {
		slog.Info("Cancelling active sessions", "count", cancelled)
	}

	deadline := time.Now().Add(timeout)
	for manager.Count() > 0 {
		if time.Now().After(deadline) {
			slog.Warn("Shutdown timeout exceeded, abandoning sessions",
				"remaining", manager.Count())
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if cancelled > 0 {
		slog.Info("All sessions drained")
	}
}

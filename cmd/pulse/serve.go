package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/pulse/pkg/api"
	"github.com/cuemby/pulse/pkg/auth"
	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/events"
	"github.com/cuemby/pulse/pkg/health"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/notify"
	"github.com/cuemby/pulse/pkg/push"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/router"
	"github.com/cuemby/pulse/pkg/snapshot"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/storage/postgres"
	redisstore "github.com/cuemby/pulse/pkg/storage/redis"
	"github.com/spf13/cobra"
)

// shutdownWait bounds how long serve waits for background loops to exit
const shutdownWait = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pulse server",
	Long: `Run the WebSocket push server together with the push scheduler,
the daily snapshot scheduler and the health and metrics endpoints.

Without a postgres DSN the server still accepts connections and records
events, but metrics pushes and business topics are disabled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := auth.NewResolver(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	store, pg, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores(store, pg)

	checker := metrics.NewHealthChecker(Version, "storage")
	monitor := health.NewMonitor(checker, health.Config{
		Interval: cfg.Metrics.HealthInterval,
		Timeout:  5 * time.Second,
		Retries:  3,
	})
	monitor.Add(health.NewPingChecker("storage", 5*time.Second, store.Ping))
	if pg != nil && storage.Store(pg) != store {
		monitor.Add(health.NewPingChecker("postgres", 5*time.Second, pg.Ping))
	}

	var baselines push.BaselineStore = store
	if cfg.Redis.Addr != "" {
		rb, err := redisstore.NewBaselineStore(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rb.Close()
		baselines = rb
		monitor.Add(health.NewPingChecker("redis", 5*time.Second, rb.Ping))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis for push baselines")
	}

	var notifier push.Notifier
	if cfg.RabbitMQ.URL != "" {
		pub, err := notify.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
		monitor.Add(health.NewPingChecker("rabbitmq", 5*time.Second, pub.Ping))
		logger.Info().Str("exchange", cfg.RabbitMQ.Exchange).Msg("Forwarding notifications to RabbitMQ")
	}

	reg := registry.New(registry.Config{
		Capacity:      cfg.Registry.Capacity,
		WaitTimeout:   cfg.Registry.WaitTimeout,
		StaleAfter:    cfg.Registry.StaleAfter,
		SweepInterval: cfg.Registry.SweepInterval,
		SendBuffer:    cfg.Registry.SendBuffer,
	})
	rt := router.New()

	deps := api.Deps{
		Registry: reg,
		Router:   rt,
		Auth:     resolver,
		Health:   checker,
		Recorder: events.NewRecorder(store, cfg.Server.APIPrefix),
	}

	var subs metrics.SubscriptionCounter
	var pushSched *push.Scheduler
	if pg != nil {
		pushSched = push.New(push.Config{
			Tick:           cfg.Push.Tick,
			Workers:        cfg.Push.Workers,
			SurgeThreshold: cfg.Push.SurgeThreshold,
			UserTimeout:    cfg.Push.UserTimeout,
		}, pg, baselines, rt, notifier)
		deps.Push = pushSched
		deps.Entitlements = pg
		subs = pushSched
	} else {
		logger.Warn().Msg("No postgres DSN configured; metrics push and business topics are disabled")
	}

	var snapSched *snapshot.Scheduler
	if cfg.Snapshot.Enabled {
		snapSched, err = newSnapshotScheduler(cfg, store, checker)
		if err != nil {
			return err
		}
		deps.Snapshot = snapSched
	}

	srv, err := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		EventsRateLimit:   cfg.Server.EventsRateLimit,
		EventsRateWindow:  cfg.Server.EventsRateWindow,
	}, deps)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Metrics.CollectInterval, reg, rt, subs)

	loops := []<-chan struct{}{reg.Done(), collector.Done(), monitor.Done()}
	reg.Start(ctx)
	collector.Start(ctx)
	monitor.Start(ctx)
	if pushSched != nil {
		pushSched.Start(ctx)
		loops = append(loops, pushSched.Done())
	}
	if snapSched != nil {
		snapSched.Start(ctx)
		loops = append(loops, snapSched.Done())
	}

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr).
		Int("capacity", cfg.Registry.Capacity).
		Msg("Pulse is running")

	serveErr := srv.ListenAndServe(ctx)
	stop()

	deadline := time.After(shutdownWait)
	for _, done := range loops {
		select {
		case <-done:
		case <-deadline:
			logger.Warn().Msg("Timed out waiting for background loops")
			return serveErr
		}
	}

	logger.Info().Msg("Shutdown complete")
	return serveErr
}

func newSnapshotScheduler(cfg *config.Config, store snapshot.Store, checker *metrics.HealthChecker) (*snapshot.Scheduler, error) {
	runAt, err := cfg.Snapshot.RunAtOffset()
	if err != nil {
		return nil, err
	}
	return snapshot.New(snapshot.Config{
		RunAt:                  runAt,
		RetentionDays:          cfg.Snapshot.RetentionDays,
		BackoffBase:            cfg.Snapshot.BackoffBase,
		BackoffMax:             cfg.Snapshot.BackoffMax,
		MaxConsecutiveFailures: cfg.Snapshot.MaxConsecutiveFailures,
		RunTimeout:             cfg.Snapshot.RunTimeout,
	}, store, checker), nil
}

func closeStores(store storage.Store, pg *postgres.Store) {
	if err := store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close store")
	}
	if pg != nil && storage.Store(pg) != store {
		if err := pg.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close postgres")
		}
	}
}

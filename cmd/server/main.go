package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/gridpulse/internal/adapter/httpserver"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/adapter/rabbitmq"
	"github.com/pscheid92/gridpulse/internal/adapter/redis"
	"github.com/pscheid92/gridpulse/internal/app"
	"github.com/pscheid92/gridpulse/internal/platform/config"
	"github.com/pscheid92/gridpulse/internal/platform/logging"
	"github.com/pscheid92/gridpulse/internal/platform/version"
	"github.com/pscheid92/gridpulse/internal/registry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func setupConfig() *config.Config {
	envFile := pflag.String("env-file", "", "load environment variables from this file before reading the environment")
	pflag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}

	cfg, err := config.Load(envFiles...)
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// presence is the optional Redis mirror of who is online.
type presence struct {
	client *goredis.Client
	mirror *redis.PresenceMirror
}

func setupPresence(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, clock clockwork.Clock) *presence {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, presence mirror disabled")
		return nil
	}

	m := metrics.NewPresenceMetrics(reg)
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m, clock), redis.NewCircuitBreakerHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return &presence{
		client: client,
		mirror: redis.NewPresenceMirror(redis.NewPresenceStore(client), m),
	}
}

func healthChecks(consumer *rabbitmq.Consumer, p *presence) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{{
		Name: "broker",
		Check: func(context.Context) error {
			if state := consumer.State(); state != rabbitmq.StateConnected {
				return fmt.Errorf("broker %s", state)
			}
			return nil
		},
	}}
	if p != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return p.client.Ping(ctx).Err() },
		})
	}
	return checks
}

func runGracefulShutdown(seq shutdownSequence) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")
		seq.run()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	reg := metrics.NewRegistry()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	presenceCtx, cancelPresence := context.WithCancel(context.Background())
	defer cancelPresence()
	var presenceDone sync.WaitGroup

	hubOpts := registry.Options{
		Clock:        clock,
		Metrics:      metrics.NewRegistryMetrics(reg),
		InboundRate:  rate.Limit(cfg.WSEventsPerSecond),
		InboundBurst: cfg.WSEventsBurst,
	}

	p := setupPresence(presenceCtx, cfg, reg, clock)
	if p != nil {
		defer func() { _ = p.client.Close() }()
		hubOpts.OnUserOnline = p.mirror.UserOnline
		hubOpts.OnUserOffline = p.mirror.UserOffline

		presenceDone.Add(1)
		go func() {
			defer presenceDone.Done()
			p.mirror.Run(presenceCtx)
		}()
	}

	hub := registry.NewHub(hubOpts)

	relay := app.NewRelay(hub, app.Queues{
		Notifications: cfg.NotificationQueue,
		Chat:          cfg.ChatQueue,
	}, clock, metrics.NewRelayMetrics(reg))

	consumer := rabbitmq.NewConsumer(rabbitmq.Config{
		URL:             cfg.BrokerURL(),
		Queues:          []string{cfg.NotificationQueue, cfg.ChatQueue},
		Prefetch:        cfg.BrokerPrefetch,
		RetryDelay:      cfg.BrokerRetryDelay,
		StartupAttempts: cfg.BrokerStartupAttempts,
	}, relay, nil, clock, metrics.NewBrokerMetrics(reg))

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		Registry:       hub,
		Authenticator:  registry.NewAuthenticator(cfg.JWTSecretKey, clock),
		BrokerState:    func() string { return consumer.State().String() },
		HealthChecks:   healthChecks(consumer, p),
		Metrics:        metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		Clock:          clock,
	})

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil {
			// Without a broker at startup the relay has nothing to relay.
			slog.Error("Broker consumer failed", "error", err)
			os.Exit(1)
		}
	}()

	done := runGracefulShutdown(shutdownSequence{
		timeout:      cfg.ShutdownTimeout,
		server:       srv,
		stopConsumer: stopConsumer,
		consumerDone: consumerDone,
		hub:          hub,
		stopPresence: func() {
			cancelPresence()
			presenceDone.Wait()
		},
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}

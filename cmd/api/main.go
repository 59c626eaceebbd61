package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelmail/hookrelay/internal/api"
	"github.com/kestrelmail/hookrelay/internal/auth"
	"github.com/kestrelmail/hookrelay/internal/config"
	"github.com/kestrelmail/hookrelay/internal/db"
	"github.com/kestrelmail/hookrelay/internal/dispatch"
	"github.com/kestrelmail/hookrelay/internal/event"
	"github.com/kestrelmail/hookrelay/internal/health"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/metrics"
	"github.com/kestrelmail/hookrelay/internal/subscription"
	"github.com/kestrelmail/hookrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("hookrelay-api")

	shutdown, err := tracing.InitTracing(ctx, "hookrelay-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	defer rdb.Close()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	subStore := subscription.NewStore(pool)
	subCache := subscription.NewCache(subStore, rdb, cfg.Redis.TTL)
	eventStore := event.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	dlqStore := ledger.NewDLQStore(pool)

	dispatcher := dispatch.New(subCache, eventStore, ledgerStore, producer, cfg.NSQ.DeliveriesTopic)

	var authMW func(http.Handler) http.Handler
	if cfg.Auth.PublicKeyPEM == "" {
		logger.Plain().Warn("no auth public key configured, trusting X-Tenant-Id header")
		authMW = auth.DevMiddleware
	} else {
		validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
		authMW = validator.Middleware
	}

	srv := api.NewServer(cfg.API, subCache, dispatcher, ledgerStore, dlqStore, authMW)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool,
		health.Check{Name: "cache", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		health.Check{Name: "queue", Probe: func(context.Context) error { return producer.Ping() }},
	))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	httpSrv := &http.Server{Addr: cfg.API.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api service stopped")
}

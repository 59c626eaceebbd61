package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelmail/hookrelay/internal/config"
	"github.com/kestrelmail/hookrelay/internal/db"
	"github.com/kestrelmail/hookrelay/internal/health"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/metrics"
	"github.com/kestrelmail/hookrelay/internal/subscription"
	"github.com/kestrelmail/hookrelay/internal/tracing"
	"github.com/kestrelmail/hookrelay/internal/worker"
)

// nsqdPing probes nsqd's HTTP /ping endpoint, served one port above TCP.
func nsqdPing(nsqdTCPAddr string) func(ctx context.Context) error {
	addr := strings.Replace(nsqdTCPAddr, ":4150", ":4151", 1)
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/ping", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("nsqd ping returned %s", resp.Status)
		}
		return nil
	}
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("hookrelay-worker")

	shutdown, err := tracing.InitTracing(ctx, "hookrelay-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	subStore := subscription.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	dlqStore := ledger.NewDLQStore(pool)

	// DLQ topic producer, only when dead letters also go to the queue
	var pub worker.Publisher
	if cfg.Worker.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		pub = producer
	}

	processor := worker.NewProcessor(subStore, ledgerStore, dlqStore, pub, nil, worker.Options{
		HTTPTimeout:      cfg.Worker.HTTPTimeout,
		JitterPercent:    cfg.Worker.JitterPercent,
		AutoDisableAfter: cfg.Worker.AutoDisableAfter,
		PublishDLQ:       cfg.Worker.PublishDLQ,
		DLQTopic:         cfg.NSQ.DLQTopic,
		SignatureHeader:  cfg.API.SignatureHdr,
		TimestampHeader:  cfg.API.TimestampHdr,
		DeliveryIDHeader: cfg.API.DeliveryIDHdr,
		BreakerFailures:  cfg.Worker.BreakerFailures,
		BreakerCooldown:  cfg.Worker.BreakerCooldown,
	})
	handler := worker.NewHandler(processor, subStore, cfg.Worker.BatchLinger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool,
		health.Check{Name: "queue", Probe: nsqdPing(cfg.NSQ.NsqdTCPAddr)},
	))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(handler, cfg.Worker.Concurrency)

	worker.StartBacklogMonitor(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

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

	"github.com/austindbirch/harbor_egress/internal/backlog"
	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/health"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/pipeline"
	"github.com/austindbirch/harbor_egress/internal/sink"
	"github.com/austindbirch/harbor_egress/internal/tracing"
	"github.com/austindbirch/harbor_egress/internal/trigger"
)

const serviceName = "egress-worker"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// DLQ producer
	var dlq sink.Publisher
	if cfg.Worker.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().Fatalf("nsq producer for DLQ topic %s: %v", cfg.NSQ.DLQTopic, err)
		}
		defer producer.Stop()
		dlq = producer
	}

	p, err := pipeline.Build(ctx, cfg, pipeline.Options{Logger: logger, DLQ: dlq})
	if err != nil {
		logger.Plain().WithError(err).Fatal("pipeline setup failed")
	}
	defer p.Close(context.Background())

	checks := []health.Check{{Name: "docstore", Pinger: p.Fetcher}}
	if p.Pool != nil {
		checks = append(checks, health.Check{Name: "database", Pinger: p.Pool})
	}
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: newMux(reg, checks)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go backlog.New(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.ChangesTopic, cfg.NSQ.EgressChannel,
		cfg.Worker.BacklogPollInterval, logging.New(serviceName+"-monitor")).Run(ctx)

	consumer, err := nsq.NewConsumer(cfg.NSQ.ChangesTopic, cfg.NSQ.EgressChannel, consumerConfig(cfg))
	if err != nil {
		logger.Plain().Fatalf("nsq consumer for %s/%s: %v", cfg.NSQ.ChangesTopic, cfg.NSQ.EgressChannel, err)
	}
	consumer.AddHandler(trigger.NewHandler(p.Orchestrator, cfg.Worker.RunTimeout, logger))

	// Connecting directly to nsqd creates the channel up front instead of on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().Fatalf("connect to nsqd %s: %v", cfg.NSQ.NsqdTCPAddr, err)
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().Fatalf("connect to lookupd %s: %v", cfg.NSQ.LookupHTTPAddr, err)
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.ChangesTopic,
		"channel": cfg.NSQ.EgressChannel,
		"journal": p.Pool != nil,
	}).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

// consumerConfig sizes in-flight messages; each message is a whole run.
// MsgTimeout has to outlast a run's retries or nsqd redelivers mid-run.
func consumerConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	if conf.MaxInFlight < 1 {
		conf.MaxInFlight = 1
	}
	conf.MaxAttempts = 0
	if cfg.Worker.RunTimeout > 0 {
		conf.MsgTimeout = cfg.Worker.RunTimeout + time.Minute
	} else {
		conf.MsgTimeout = 15 * time.Minute
	}
	return conf
}

func newMux(reg *prometheus.Registry, checks []health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(2*time.Second, checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

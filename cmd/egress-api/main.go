package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_egress/internal/auth"
	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/health"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/tracing"
	"github.com/austindbirch/harbor_egress/internal/trigger"
)

const serviceName = "egress-api"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().Fatalf("nsq producer for %s: %v", cfg.NSQ.NsqdTCPAddr, err)
	}
	defer prod.Stop()

	validator, err := loadValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().Fatalf("jwt setup failed: %v", err)
	}
	if validator == nil {
		logger.Plain().Warn("neither JWT_JWKS_URL nor JWT_PUBLIC_KEY set, API is unauthenticated")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	api := trigger.NewAPI(prod, cfg.NSQ.ChangesTopic, logger)
	checks := []health.Check{{Name: "nsqd", Pinger: pingFunc(func(context.Context) error { return prod.Ping() })}}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHandler(api, reg, validator, checks),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api stopped")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// loadValidator returns nil when no key source is configured. A JWKS URL
// takes precedence over a PEM file.
func loadValidator(ctx context.Context, a config.Auth) (*auth.JWTValidator, error) {
	if !a.Enabled() {
		return nil, nil
	}
	if a.JWKSURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(fetchCtx, a.JWKSURL, a.KeyID)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, a.Issuer, a.Audience), nil
	}
	pem, err := os.ReadFile(a.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return auth.NewJWTValidator(string(pem), a.Issuer, a.Audience)
}

func newHandler(api *trigger.API, reg *prometheus.Registry, validator *auth.JWTValidator, checks []health.Check) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(2*time.Second, checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.Routes(mux)

	if validator == nil {
		return mux
	}
	return validator.HTTPMiddleware(mux)
}

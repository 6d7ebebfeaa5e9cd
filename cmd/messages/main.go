package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messaging/internal/authz"
	"messaging/internal/config"
	"messaging/internal/kafka"
	"messaging/internal/notify"
	"messaging/internal/observability/logging"
	"messaging/internal/observability/metrics"
	"messaging/internal/observability/middleware"
	"messaging/internal/observability/tracing"
	"messaging/internal/presence"
	"messaging/internal/realtime"
	"messaging/internal/service"
	"messaging/internal/store"
	transport "messaging/internal/transport/http"
)

func main() {
	logger := logging.NewLogger(logging.Config{
		ServiceName: "messages",
		Environment: logging.Environment(),
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("messages")

	logger.Info("starting service")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: "messages",
		Environment: logging.Environment(),
		SampleRatio: 1,
	})
	if err != nil {
		logger.Error("tracing init", "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(store.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	validator, closeValidator, err := newValidator(cfg)
	if err != nil {
		logger.Error("auth validator", "error", err)
		os.Exit(1)
	}
	defer closeValidator()

	tracker := newTracker(ctx, cfg)
	hub := realtime.NewHub()

	opts := []service.Option{service.WithPresence(tracker)}
	switch cfg.RealtimeSource {
	case config.RealtimePostgres:
		if err := st.InstallChangeFeed(ctx, cfg.RealtimeChannel); err != nil {
			logger.Error("install change feed", "error", err)
			os.Exit(1)
		}
		listener := realtime.NewPGListener(cfg.DatabaseURL, cfg.RealtimeChannel, st.Messages(), hub)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("pg listener", "error", err)
			}
		}()
	default:
		opts = append(opts, service.WithPublisher(hub))
	}

	var waitDispatch func(context.Context) error
	if cfg.KafkaBrokers != "" {
		writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer writer.Close()
		d := notify.NewKafkaDispatcher(writer, cfg.DispatchTimeout)
		opts = append(opts, service.WithDispatcher(d))
		waitDispatch = d.Wait
		logger.Info("notifications dispatched through kafka", "topic", cfg.KafkaTopic)
	} else {
		fanout := notify.NewFanout(st, notify.NewSender(vapid(cfg)), tracker,
			notify.WithConcurrency(cfg.PushConcurrency),
			notify.WithLinkPrefix(cfg.NotificationLink),
		)
		d := notify.NewAsyncDispatcher(fanout, cfg.DispatchTimeout)
		opts = append(opts, service.WithDispatcher(d))
		waitDispatch = d.Wait
	}

	svc := service.New(st, opts...)
	router := transport.NewRouter(svc, hub, transport.Config{
		Validator:       validator,
		AllowQueryToken: cfg.AllowQueryTok,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimit:       cfg.RateLimit,
	})
	handler := middleware.WithRequestAndTrace(tracing.Handler(router, "messages"))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := waitDispatch(shutdownCtx); err != nil {
			logger.Warn("pending notifications abandoned", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	slog.Info("messages service listening", "addr", cfg.Addr, "realtime_source", cfg.RealtimeSource)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
}

func newValidator(cfg config.Config) (authz.Validator, func(), error) {
	if cfg.SharedSecret != "" {
		slog.Info("using HS256 shared-secret token validation")
		return authz.NewHMACValidator(cfg.SharedSecret, cfg.Issuer), func() {}, nil
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = cfg.Issuer + "/v1/oauth/jwks"
	}
	slog.Info("using JWKS token validation", "jwks_url", jwksURL)
	v, err := authz.NewJWTValidator(jwksURL, cfg.Issuer)
	if err != nil {
		return nil, nil, err
	}
	return v, v.Close, nil
}

func newTracker(ctx context.Context, cfg config.Config) presence.Tracker {
	if cfg.RedisAddr == "" {
		return presence.NewMemory(cfg.PresenceTTL)
	}
	r, err := presence.Open(ctx, cfg.RedisAddr, cfg.PresenceTTL)
	if err != nil {
		slog.Warn("redis unavailable, presence kept in memory", "error", err)
		return presence.NewMemory(cfg.PresenceTTL)
	}
	return r
}

func vapid(cfg config.Config) notify.VAPIDConfig {
	return notify.VAPIDConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
		TTL:        cfg.PushTTL,
	}
}

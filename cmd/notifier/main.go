// Command notifier consumes message events from Kafka and runs the
// notification fan-out, plus the unread digest schedule.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messaging/internal/config"
	"messaging/internal/kafka"
	"messaging/internal/notify"
	"messaging/internal/observability/logging"
	"messaging/internal/observability/metrics"
	"messaging/internal/presence"
	"messaging/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logging.NewLogger(logging.Config{
		ServiceName: "notifier",
		Environment: logging.Environment(),
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("notifier")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	var tracker notify.Presence
	if cfg.RedisAddr != "" {
		r, err := presence.Open(ctx, cfg.RedisAddr, cfg.PresenceTTL)
		if err != nil {
			// Presence written by the messages service lives in its memory;
			// without Redis every push goes out.
			logger.Warn("redis unavailable, push suppression disabled", "error", err)
		} else {
			defer r.Close()
			tracker = r
		}
	}

	fanout := notify.NewFanout(st, notify.NewSender(vapid(cfg)), tracker,
		notify.WithConcurrency(cfg.PushConcurrency),
		notify.WithLinkPrefix(cfg.NotificationLink),
	)
	digest, err := notify.NewDigestScheduler(st, fanout, cfg.DigestCron, cfg.DigestMinUnread)
	if err != nil {
		logger.Error("digest scheduler", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.KafkaBrokers != "" {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic, func(ctx context.Context, key, value []byte) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
			defer cancel()
			return fanout.HandleRaw(ctx, key, value)
		})
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set, only the digest schedule runs")
	}
	g.Go(func() error { return digest.Run(gctx) })

	metricsAddr := os.Getenv("NOTIFIER_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9094"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	logger.Info("notifier running", "topic", cfg.KafkaTopic, "digest_cron", cfg.DigestCron, "metrics_addr", metricsAddr)
	if err := g.Wait(); err != nil {
		logger.Error("notifier stopped", "error", err)
		os.Exit(1)
	}
}

func vapid(cfg config.Config) notify.VAPIDConfig {
	return notify.VAPIDConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
		TTL:        cfg.PushTTL,
	}
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"messaging/internal/domain"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // mailto: or https: contact
	TTL        int    // seconds the push service may hold the message
}

type WebPushSender struct {
	cfg    VAPIDConfig
	client *http.Client
}

func NewWebPushSender(cfg VAPIDConfig, client *http.Client) (*WebPushSender, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, errors.New("notify: VAPID key pair required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3600
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPushSender{cfg: cfg, client: client}, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub domain.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s (status %d)", ErrGone, sub.Endpoint, resp.StatusCode)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			Endpoint:   sub.Endpoint,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}
	return nil
}

// LogSender stands in for web push when no VAPID keys are configured.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, sub domain.PushSubscription, payload []byte) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("push (log only)", "user_id", sub.UserID, "endpoint", sub.Endpoint, "payload", string(payload))
	return nil
}

// NewSender returns a WebPushSender, or a LogSender when cfg has no key pair.
func NewSender(cfg VAPIDConfig) Sender {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		slog.Warn("VAPID keys not configured, push notifications are logged only")
		return LogSender{}
	}
	s, err := NewWebPushSender(cfg, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		slog.Warn("web push disabled", "error", err)
		return LogSender{}
	}
	return s
}

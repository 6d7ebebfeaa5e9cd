package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"messaging/internal/domain"
	"messaging/internal/msgjson"
	"messaging/internal/observability/metrics"
	"messaging/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

type Fanout struct {
	store       *store.Store
	sender      Sender
	presence    Presence
	concurrency int
	linkPrefix  string
	now         func() time.Time
	log         *slog.Logger
}

type Option func(*Fanout)

func WithConcurrency(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithLinkPrefix sets the deep link used for message notifications; the chat
// id is appended.
func WithLinkPrefix(prefix string) Option {
	return func(f *Fanout) { f.linkPrefix = prefix }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fanout) { f.now = now }
}

// NewFanout builds the service. presence may be nil, in which case pushes
// are never suppressed.
func NewFanout(st *store.Store, sender Sender, presence Presence, opts ...Option) *Fanout {
	f := &Fanout{
		store:       st,
		sender:      sender,
		presence:    presence,
		concurrency: defaultConcurrency,
		linkPrefix:  "/messages?chat=",
		now:         time.Now,
		log:         slog.Default().With("component", "notify"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Notify delivers p to every recipient. Each recipient is handled on its own;
// nothing that happens to one of them is visible to the others, and Notify
// itself never fails.
func (f *Fanout) Notify(ctx context.Context, recipients []uuid.UUID, p Payload) Report {
	recipients = dedupe(recipients)
	rep := Report{Recipients: len(recipients)}
	if len(recipients) == 0 {
		return rep
	}

	body, err := p.pushBody()
	if err != nil {
		f.log.Error("encode push payload", "kind", p.Kind, "event_id", p.EventID, "error", err)
		body = nil
	}
	data, err := msgjson.FromValue(p.Data)
	if err != nil {
		f.log.Warn("encode notification data", "kind", p.Kind, "error", err)
		data = nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, userID := range recipients {
		g.Go(func() error {
			out := f.deliver(ctx, userID, p, body, data)
			mu.Lock()
			rep.Add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (f *Fanout) deliver(ctx context.Context, userID uuid.UUID, p Payload, body []byte, data msgjson.JSON) (out Report) {
	log := f.log.With("recipient", userID, "kind", p.Kind, "event_id", p.EventID)
	kind := string(p.Kind)
	defer func() {
		if r := recover(); r != nil {
			log.Error("recipient delivery panicked", "panic", fmt.Sprint(r))
			out = Report{Failed: 1}
			metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		}
	}()

	if p.Kind.Scheduled() {
		done, err := f.store.Deliveries().Exists(ctx, p.EventID, userID, kind)
		if err != nil {
			log.Warn("delivery log lookup failed", "error", err)
			metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
			return Report{Failed: 1}
		}
		if done {
			metrics.NotificationsTotal.WithLabelValues(kind, "duplicate").Inc()
			return Report{Skipped: 1}
		}
	}

	rec := domain.NotificationRecord{
		UserID:    userID,
		Kind:      kind,
		EventID:   eventRef(p.EventID),
		ChatID:    p.ChatID,
		Title:     p.Title,
		Body:      p.Body,
		Link:      p.Link,
		Data:      data,
		CreatedAt: f.now().UTC().Truncate(time.Microsecond),
	}
	// A previous attempt may have written the record before its pushes failed.
	created, err := f.store.Notifications().CreateOnce(ctx, &rec)
	haveRecord := err == nil
	switch {
	case err != nil:
		log.Warn("write notification record", "error", err)
	case created:
		out.Recorded = 1
	}

	if p.Kind == KindMessage && p.ChatID != nil && f.presence != nil {
		viewing, err := f.presence.Viewing(ctx, userID, *p.ChatID)
		if err != nil {
			log.Debug("presence lookup failed", "error", err)
		}
		if viewing {
			out.Suppressed = 1
			metrics.NotificationsTotal.WithLabelValues(kind, "suppressed").Inc()
			return out
		}
	}

	if body == nil || f.sender == nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "recorded").Inc()
		return out
	}

	subs, err := f.store.Subscriptions().ForUser(ctx, userID)
	if err != nil {
		log.Warn("load push subscriptions", "error", err)
		out.Failed = 1
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return out
	}

	for _, sub := range subs {
		err := f.sender.Send(ctx, sub, body)
		switch {
		case err == nil:
			out.Pushed++
			metrics.PushDeliveriesTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrGone):
			metrics.PushDeliveriesTotal.WithLabelValues("gone").Inc()
			if derr := f.store.Subscriptions().DeleteByEndpoint(ctx, sub.Endpoint); derr != nil {
				log.Warn("prune push subscription", "endpoint", sub.Endpoint, "error", derr)
				continue
			}
			out.Pruned++
			log.Info("pruned expired push subscription", "endpoint", sub.Endpoint)
		default:
			out.Failed++
			metrics.PushDeliveriesTotal.WithLabelValues("error").Inc()
			log.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
		}
	}

	delivered := out.Pushed > 0 || (len(subs) == 0 && haveRecord)
	if p.Kind.Scheduled() && delivered {
		if err := f.store.Deliveries().Record(ctx, p.EventID, userID, kind, f.now().UTC()); err != nil {
			log.Warn("write delivery log", "error", err)
		}
	}

	switch {
	case out.Pushed > 0:
		metrics.NotificationsTotal.WithLabelValues(kind, "pushed").Inc()
	case len(subs) == 0:
		metrics.NotificationsTotal.WithLabelValues(kind, "no_subscription").Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
	}
	return out
}

func eventRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"messaging/internal/domain"
	"messaging/internal/store"
	"messaging/pkg/chatwire"

	"github.com/google/uuid"
)

const maxNotificationPage = 100

// Subscribe registers (or takes over) a web push endpoint for the actor.
func (s *Service) Subscribe(ctx context.Context, actor *uuid.UUID, req chatwire.PushSubscriptionRequest, userAgent string) error {
	if actor == nil || *actor == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute http(s) URL", domain.ErrValidation)
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", domain.ErrValidation)
	}
	sub := &domain.PushSubscription{
		UserID:    *actor,
		Endpoint:  endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: userAgent,
		CreatedAt: s.timestamp(),
	}
	if err := s.store.Subscriptions().Upsert(ctx, sub); err != nil {
		return storageErr("save subscription", err)
	}
	return nil
}

// Unsubscribe removes one of the actor's endpoints. Unknown endpoints are
// not an error.
func (s *Service) Unsubscribe(ctx context.Context, actor *uuid.UUID, endpoint string) error {
	if actor == nil || *actor == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", domain.ErrValidation)
	}
	if err := s.store.Subscriptions().DeleteForUser(ctx, *actor, strings.TrimSpace(endpoint)); err != nil {
		return storageErr("delete subscription", err)
	}
	return nil
}

func (s *Service) Notifications(ctx context.Context, actor *uuid.UUID, limit int) ([]chatwire.Notification, error) {
	if actor == nil || *actor == uuid.Nil {
		return nil, domain.ErrUnauthenticated
	}
	if limit <= 0 || limit > maxNotificationPage {
		limit = DefaultPageSize
	}
	recs, err := s.store.Notifications().ListForUser(ctx, *actor, limit)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	out := make([]chatwire.Notification, 0, len(recs))
	for _, r := range recs {
		n := chatwire.Notification{
			ID:        r.ID.String(),
			Kind:      r.Kind,
			Title:     r.Title,
			Body:      r.Body,
			Link:      r.Link,
			Read:      r.Read,
			CreatedAt: chatwire.FormatTime(r.CreatedAt),
		}
		if r.ChatID != nil {
			id := r.ChatID.String()
			n.ChatID = &id
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, actor *uuid.UUID, id uuid.UUID) error {
	if actor == nil || *actor == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	err := s.store.Notifications().MarkRead(ctx, *actor, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return storageErr("mark notification read", err)
	}
	return nil
}

package service

import (
	"context"

	"messaging/internal/domain"
	"messaging/internal/observability/metrics"
	"messaging/internal/presence"

	"github.com/google/uuid"
)

func WithPresence(t presence.Tracker) Option {
	return func(s *Service) { s.presence = t }
}

// Heartbeat marks the actor as viewing chatID for one presence TTL.
// Tracker failures are logged, never returned: presence is advisory.
func (s *Service) Heartbeat(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID) error {
	if err := s.requireMember(ctx, actor, chatID); err != nil {
		return err
	}
	metrics.PresenceHeartbeatsTotal.WithLabelValues("beat").Inc()
	if s.presence == nil {
		return nil
	}
	if err := s.presence.Beat(ctx, *actor, chatID); err != nil {
		s.log.Warn("presence beat", "chat_id", chatID, "user_id", *actor, "error", err)
	}
	return nil
}

// ClearPresence is idempotent and skips the membership check: clearing a
// presence entry that does not exist is harmless.
func (s *Service) ClearPresence(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID) error {
	if actor == nil || *actor == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	metrics.PresenceHeartbeatsTotal.WithLabelValues("clear").Inc()
	if s.presence == nil {
		return nil
	}
	if err := s.presence.Clear(ctx, *actor, chatID); err != nil {
		s.log.Warn("presence clear", "chat_id", chatID, "user_id", *actor, "error", err)
	}
	return nil
}

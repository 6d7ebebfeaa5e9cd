package store

import (
	"context"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionStore struct{ db *gorm.DB }

func (s *Store) Subscriptions() *SubscriptionStore { return &SubscriptionStore{db: s.DB} }

// Upsert registers an endpoint for a user. A browser that re-subscribes with
// the same endpoint takes the row over with fresh keys.
func (p *SubscriptionStore) Upsert(ctx context.Context, sub *domain.PushSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth", "user_agent"}),
		}).
		Create(sub).Error
}

func (p *SubscriptionStore) ForUser(ctx context.Context, userID uuid.UUID) ([]domain.PushSubscription, error) {
	var subs []domain.PushSubscription
	err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (p *SubscriptionStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return p.db.WithContext(ctx).
		Where("endpoint = ?", endpoint).
		Delete(&domain.PushSubscription{}).Error
}

// DeleteForUser removes an endpoint only if userID owns it.
func (p *SubscriptionStore) DeleteForUser(ctx context.Context, userID uuid.UUID, endpoint string) error {
	return p.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&domain.PushSubscription{}).Error
}

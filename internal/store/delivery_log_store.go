package store

import (
	"context"
	"time"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryLogStore struct{ db *gorm.DB }

func (s *Store) Deliveries() *DeliveryLogStore { return &DeliveryLogStore{db: s.DB} }

func (d *DeliveryLogStore) Exists(ctx context.Context, eventID string, recipient uuid.UUID, kind string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&domain.DeliveryLog{}).
		Where("event_id = ? AND recipient_id = ? AND kind = ?", eventID, recipient, kind).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Record inserts the log row; a concurrent duplicate is not an error.
func (d *DeliveryLogStore) Record(ctx context.Context, eventID string, recipient uuid.UUID, kind string, at time.Time) error {
	row := domain.DeliveryLog{
		EventID:     eventID,
		RecipientID: recipient,
		Kind:        kind,
		DeliveredAt: at,
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

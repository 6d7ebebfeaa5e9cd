package store

import (
	"context"
	"fmt"
	"regexp"

	"messaging/internal/domain"

	"github.com/google/uuid"
)

var channelName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ChangeNotice is the payload the messages trigger sends with pg_notify. It
// only carries identifiers; NOTIFY payloads are capped at 8000 bytes and a
// body alone may exceed that, so listeners load the row.
type ChangeNotice struct {
	Op     string `json:"op"`
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
}

// InstallChangeFeed creates (or replaces) the trigger publishing message row
// changes on channel. Postgres only; other dialects are a no-op.
func (s *Store) InstallChangeFeed(ctx context.Context, channel string) error {
	if s.DB.Dialector.Name() != "postgres" {
		return nil
	}
	if !channelName.MatchString(channel) {
		return fmt.Errorf("store: invalid notify channel %q", channel)
	}
	fn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
DECLARE
	op text := TG_OP;
BEGIN
	IF TG_OP = 'UPDATE' AND NEW.deleted_at IS NOT NULL AND OLD.deleted_at IS NULL THEN
		op := 'DELETE';
	ELSIF TG_OP = 'UPDATE' AND NEW.deleted_at IS NOT NULL THEN
		RETURN NEW;
	END IF;
	PERFORM pg_notify('%s', json_build_object(
		'op', op,
		'id', COALESCE(NEW.id, OLD.id),
		'chat_id', COALESCE(NEW.chat_id, OLD.chat_id)
	)::text);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;`, channel)
	stmts := []string{
		fn,
		`DROP TRIGGER IF EXISTS messages_notify ON messages`,
		`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
FOR EACH ROW EXECUTE FUNCTION notify_message_change()`,
	}
	return s.WithTx(ctx, func(tx *Store) error {
		for _, stmt := range stmts {
			if err := tx.DB.Exec(stmt).Error; err != nil {
				return fmt.Errorf("store: install change feed: %w", err)
			}
		}
		return nil
	})
}

// GetAny loads a message including soft-deleted rows.
func (m *MessageStore) GetAny(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).Unscoped().First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

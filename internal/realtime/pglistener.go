package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"messaging/internal/domain"
	"messaging/internal/store"
	"messaging/pkg/chatwire"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MessageLoader reads a message row regardless of soft deletion.
type MessageLoader interface {
	GetAny(ctx context.Context, id uuid.UUID) (*domain.Message, error)
}

// PGListener turns NOTIFY payloads from the messages trigger into hub
// events. It reconnects with backoff until ctx is cancelled.
type PGListener struct {
	dsn     string
	channel string
	loader  MessageLoader
	hub     *Hub
	log     *slog.Logger
}

func NewPGListener(dsn, channel string, loader MessageLoader, hub *Hub) *PGListener {
	return &PGListener{
		dsn:     dsn,
		channel: channel,
		loader:  loader,
		hub:     hub,
		log:     slog.Default().With("component", "pg_listener", "channel", channel),
	}
}

func (l *PGListener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("listener disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.log.Info("listening for message changes")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, []byte(n.Payload))
	}
}

func (l *PGListener) handle(ctx context.Context, payload []byte) {
	ev, err := l.toEvent(ctx, payload)
	if err != nil {
		l.log.Warn("dropping change notice", "error", err, "payload", string(payload))
		return
	}
	chatID, _ := uuid.Parse(ev.Record.ChatID)
	l.hub.Publish(chatID, ev)
}

func (l *PGListener) toEvent(ctx context.Context, payload []byte) (chatwire.Event, error) {
	var notice store.ChangeNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return chatwire.Event{}, err
	}
	id, err := uuid.Parse(notice.ID)
	if err != nil {
		return chatwire.Event{}, err
	}
	chatID, err := uuid.Parse(notice.ChatID)
	if err != nil {
		return chatwire.Event{}, err
	}

	ev := chatwire.Event{Type: chatwire.EventType(notice.Op)}
	if ev.Type == chatwire.EventDelete {
		ev.Record = chatwire.MessageRecord{ID: id.String(), ChatID: chatID.String()}
		return ev, ev.Validate()
	}

	msg, err := l.loader.GetAny(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			ev.Type = chatwire.EventDelete
			ev.Record = chatwire.MessageRecord{ID: id.String(), ChatID: chatID.String()}
			return ev, nil
		}
		return chatwire.Event{}, err
	}
	if msg.DeletedAt.Valid {
		ev.Type = chatwire.EventDelete
		ev.Record = chatwire.MessageRecord{ID: id.String(), ChatID: chatID.String()}
		return ev, nil
	}
	ev.Record = msg.Record()
	return ev, ev.Validate()
}

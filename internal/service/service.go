// Package service implements message persistence and the membership rules
// around it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"messaging/internal/domain"
	"messaging/internal/notify"
	"messaging/internal/observability/metrics"
	"messaging/internal/presence"
	"messaging/internal/store"
	"messaging/pkg/chatwire"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Publisher receives committed row changes for the realtime channel.
type Publisher interface {
	Publish(chatID uuid.UUID, ev chatwire.Event) int
}

type Service struct {
	store      *store.Store
	publisher  Publisher
	dispatcher notify.Dispatcher
	presence   presence.Tracker
	now        func() time.Time
	log        *slog.Logger
}

type Option func(*Service)

// WithPublisher makes the service emit realtime events itself. Leave it
// unset when the database change feed is the event source.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithDispatcher(d notify.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		now:   time.Now,
		log:   slog.Default().With("component", "messages"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type SendInput struct {
	ChatID         *uuid.UUID
	RecipientID    *uuid.UUID
	Body           string
	CorrelationKey string
}

// Sent is the canonical stored message plus the echoed correlation key.
type Sent struct {
	Message        domain.Message
	CorrelationKey string
	ChatCreated    bool
}

func (s Sent) Record() chatwire.MessageRecord {
	rec := s.Message.Record()
	rec.CorrelationKey = s.CorrelationKey
	return rec
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: body is empty", domain.ErrValidation)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body is not valid UTF-8", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(body); n > domain.MaxBodyChars {
		return fmt.Errorf("%w: body has %d characters, limit is %d", domain.ErrValidation, n, domain.MaxBodyChars)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}

// Send stores a message, creating the 1:1 chat on first contact. The chat
// creation, the insert and the chat timestamp bump commit together.
func (s *Service) Send(ctx context.Context, actor *uuid.UUID, in SendInput) (Sent, error) {
	if actor == nil || *actor == uuid.Nil {
		return Sent{}, domain.ErrUnauthenticated
	}
	if err := validateBody(in.Body); err != nil {
		return Sent{}, err
	}
	if in.ChatID == nil && in.RecipientID == nil {
		return Sent{}, fmt.Errorf("%w: chatId or recipientUserId is required", domain.ErrValidation)
	}
	if in.ChatID == nil && (*in.RecipientID == uuid.Nil || *in.RecipientID == *actor) {
		return Sent{}, fmt.Errorf("%w: invalid recipient", domain.ErrValidation)
	}

	var (
		out  Sent
		chat *domain.Chat
	)
	now := s.timestamp()
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if in.ChatID != nil {
			chat, err = tx.Chats().Get(ctx, *in.ChatID)
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: chat %s", domain.ErrNotFound, in.ChatID)
			}
			if err != nil {
				return storageErr("load chat", err)
			}
			ok, err := tx.Members().IsMember(ctx, chat.ID, *actor)
			if err != nil {
				return storageErr("check membership", err)
			}
			if !ok {
				return fmt.Errorf("%w: not a member of chat %s", domain.ErrForbidden, chat.ID)
			}
		} else {
			chat, err = tx.Chats().FindDirect(ctx, *actor, *in.RecipientID)
			switch {
			case errors.Is(err, store.ErrRecordNotFound):
				chat, out.ChatCreated, err = tx.Chats().CreateDirect(ctx, *actor, *in.RecipientID, now)
				if err != nil {
					return storageErr("create chat", err)
				}
			case err != nil:
				return storageErr("find chat", err)
			}
		}

		out.Message = domain.Message{
			ID:        uuid.New(),
			ChatID:    chat.ID,
			SenderID:  *actor,
			Body:      in.Body,
			Status:    domain.StatusSent,
			Tag:       domain.TagNone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Messages().Create(ctx, &out.Message); err != nil {
			return storageErr("insert message", err)
		}
		if err := tx.Chats().Touch(ctx, chat.ID, now); err != nil {
			return storageErr("touch chat", err)
		}
		return nil
	})
	if err != nil {
		return Sent{}, err
	}
	out.CorrelationKey = in.CorrelationKey

	chatType := "direct"
	if chat.IsGroup {
		chatType = "group"
	}
	metrics.MessagesStoredTotal.WithLabelValues(chatType).Inc()
	metrics.MessageBodyChars.WithLabelValues(chatType).Observe(float64(utf8.RuneCountInString(in.Body)))

	s.publish(chat.ID, chatwire.EventInsert, out.Record())
	s.dispatchNotification(ctx, chat, out.Message)
	return out, nil
}

func (s *Service) publish(chatID uuid.UUID, typ chatwire.EventType, rec chatwire.MessageRecord) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(chatID, chatwire.Event{Type: typ, Record: rec})
}

func (s *Service) dispatchNotification(ctx context.Context, chat *domain.Chat, msg domain.Message) {
	if s.dispatcher == nil {
		return
	}
	members, err := s.store.Members().List(ctx, chat.ID)
	if err != nil {
		s.log.Warn("load recipients for notification", "chat_id", chat.ID, "error", err)
		return
	}
	recipients := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m != msg.SenderID {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return
	}
	s.dispatcher.Dispatch(ctx, notify.MessageEvent{
		ChatID:     chat.ID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Recipients: recipients,
		ChatTitle:  chat.Title,
		IsGroup:    chat.IsGroup,
		Body:       msg.Body,
		CreatedAt:  chatwire.FormatTime(msg.CreatedAt),
	})
}

func (s *Service) requireMember(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID) error {
	if actor == nil || *actor == uuid.Nil {
		return domain.ErrUnauthenticated
	}
	if _, err := s.store.Chats().Get(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: chat %s", domain.ErrNotFound, chatID)
		}
		return storageErr("load chat", err)
	}
	ok, err := s.store.Members().IsMember(ctx, chatID, *actor)
	if err != nil {
		return storageErr("check membership", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of chat %s", domain.ErrForbidden, chatID)
	}
	return nil
}

// AuthorizeSubscribe gates the realtime channel of a chat.
func (s *Service) AuthorizeSubscribe(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID) error {
	return s.requireMember(ctx, actor, chatID)
}

type Page struct {
	Items      []chatwire.MessageRecord
	Members    []uuid.UUID
	NextCursor *string
}

// Fetch returns one page of a chat's history, oldest first. Without a
// cursor it is the newest page.
func (s *Service) Fetch(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID, limit int, before *string) (Page, error) {
	if err := s.requireMember(ctx, actor, chatID); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var cursor *store.Cursor
	scope := "latest"
	if before != nil && *before != "" {
		c, err := parseCursor(*before)
		if err != nil {
			return Page{}, err
		}
		cursor = &c
		scope = "older"
	}

	msgs, err := s.store.Messages().Page(ctx, chatID, cursor, limit)
	if err != nil {
		return Page{}, storageErr("page messages", err)
	}
	members, err := s.store.Members().List(ctx, chatID)
	if err != nil {
		return Page{}, storageErr("list members", err)
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues(scope).Inc()

	page := Page{Items: make([]chatwire.MessageRecord, 0, len(msgs)), Members: members}
	for i := range msgs {
		page.Items = append(page.Items, msgs[i].Record())
	}
	if len(msgs) == limit {
		next := page.Items[0].CreatedAt + "," + page.Items[0].ID
		page.NextCursor = &next
	}
	return page, nil
}

// parseCursor reads "<createdAt>,<id>". A bare timestamp is accepted and
// pages by time alone.
func parseCursor(raw string) (store.Cursor, error) {
	ts, id, hasID := strings.Cut(raw, ",")
	t, err := chatwire.ParseTime(ts)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("%w: invalid cursor", domain.ErrValidation)
	}
	c := store.Cursor{CreatedAt: t}
	if hasID {
		if c.ID, err = uuid.Parse(id); err != nil {
			return store.Cursor{}, fmt.Errorf("%w: invalid cursor", domain.ErrValidation)
		}
	}
	return c, nil
}

func (s *Service) loadForMember(ctx context.Context, actor *uuid.UUID, messageID uuid.UUID) (*domain.Message, error) {
	if actor == nil || *actor == uuid.Nil {
		return nil, domain.ErrUnauthenticated
	}
	msg, err := s.store.Messages().Get(ctx, messageID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, storageErr("load message", err)
	}
	ok, err := s.store.Members().IsMember(ctx, msg.ChatID, *actor)
	if err != nil {
		return nil, storageErr("check membership", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: not a member of chat %s", domain.ErrForbidden, msg.ChatID)
	}
	return msg, nil
}

// UpdateTag classifies a message; any member may tag.
func (s *Service) UpdateTag(ctx context.Context, actor *uuid.UUID, messageID uuid.UUID, tag string) (chatwire.MessageRecord, error) {
	if !domain.ValidTag(tag) {
		return chatwire.MessageRecord{}, fmt.Errorf("%w: unknown tag %q", domain.ErrValidation, tag)
	}
	msg, err := s.loadForMember(ctx, actor, messageID)
	if err != nil {
		return chatwire.MessageRecord{}, err
	}
	now := s.timestamp()
	if err := s.store.Messages().UpdateTag(ctx, msg.ID, tag, now); err != nil {
		return chatwire.MessageRecord{}, storageErr("update tag", err)
	}
	msg.Tag = tag
	msg.UpdatedAt = now
	rec := msg.Record()
	s.publish(msg.ChatID, chatwire.EventUpdate, rec)
	return rec, nil
}

// Delete soft-deletes a message. Only its sender may delete it.
func (s *Service) Delete(ctx context.Context, actor *uuid.UUID, messageID uuid.UUID) error {
	msg, err := s.loadForMember(ctx, actor, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != *actor {
		return fmt.Errorf("%w: only the sender may delete a message", domain.ErrForbidden)
	}
	if err := s.store.Messages().Delete(ctx, msg.ID); err != nil {
		return storageErr("delete message", err)
	}
	s.publish(msg.ChatID, chatwire.EventDelete, chatwire.MessageRecord{ID: msg.ID.String(), ChatID: msg.ChatID.String()})
	return nil
}

// MarkRead moves the actor's read mark to now and clears the chat's in-app
// notifications.
func (s *Service) MarkRead(ctx context.Context, actor *uuid.UUID, chatID uuid.UUID) error {
	if err := s.requireMember(ctx, actor, chatID); err != nil {
		return err
	}
	if err := s.store.Members().MarkRead(ctx, chatID, *actor, s.timestamp()); err != nil {
		return storageErr("mark read", err)
	}
	if err := s.store.Notifications().MarkChatRead(ctx, *actor, chatID); err != nil {
		s.log.Warn("mark chat notifications read", "chat_id", chatID, "error", err)
	}
	return nil
}

// ListChats returns the actor's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, actor *uuid.UUID) ([]chatwire.ChatSummary, error) {
	if actor == nil || *actor == uuid.Nil {
		return nil, domain.ErrUnauthenticated
	}
	chats, err := s.store.Chats().ListForUser(ctx, *actor)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	ids := make([]uuid.UUID, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	members, err := s.store.Members().ListForChats(ctx, ids)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	unread, err := s.store.Members().UnreadCounts(ctx, *actor)
	if err != nil {
		return nil, storageErr("unread counts", err)
	}

	out := make([]chatwire.ChatSummary, 0, len(chats))
	for _, c := range chats {
		memberIDs := make([]string, 0, len(members[c.ID]))
		for _, m := range members[c.ID] {
			memberIDs = append(memberIDs, m.String())
		}
		out = append(out, chatwire.ChatSummary{
			ID:        c.ID.String(),
			Title:     c.Title,
			IsGroup:   c.IsGroup,
			Members:   memberIDs,
			UpdatedAt: chatwire.FormatTime(c.UpdatedAt),
			Unread:    unread[c.ID],
		})
	}
	return out, nil
}

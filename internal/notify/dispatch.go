package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const previewChars = 140

// MessageEvent announces a stored message to the fan-out. Recipients never
// include the sender.
type MessageEvent struct {
	ChatID     uuid.UUID   `json:"chatId"`
	MessageID  uuid.UUID   `json:"messageId"`
	SenderID   uuid.UUID   `json:"senderId"`
	Recipients []uuid.UUID `json:"recipients"`
	ChatTitle  *string     `json:"chatTitle,omitempty"`
	IsGroup    bool        `json:"isGroup"`
	Body       string      `json:"body"`
	CreatedAt  string      `json:"createdAt"`
}

// Dispatcher hands a message event to the fan-out without blocking or
// failing the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev MessageEvent)
}

// HandleMessage fans a message event out to its recipients.
func (f *Fanout) HandleMessage(ctx context.Context, ev MessageEvent) Report {
	chatID := ev.ChatID
	title := "New message"
	if ev.IsGroup && ev.ChatTitle != nil && *ev.ChatTitle != "" {
		title = *ev.ChatTitle
	}
	return f.Notify(ctx, ev.Recipients, Payload{
		Kind:    KindMessage,
		EventID: ev.MessageID.String(),
		ChatID:  &chatID,
		Title:   title,
		Body:    preview(ev.Body),
		Link:    f.linkPrefix + chatID.String(),
		Data: map[string]any{
			"messageId": ev.MessageID.String(),
			"senderId":  ev.SenderID.String(),
		},
	})
}

// HandleRaw decodes a message event as published by KafkaDispatcher.
func (f *Fanout) HandleRaw(ctx context.Context, _ []byte, value []byte) error {
	var ev MessageEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("notify: decode message event: %w", err)
	}
	rep := f.HandleMessage(ctx, ev)
	f.log.Debug("message event handled", "message_id", ev.MessageID, "report", rep)
	return nil
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewChars {
		return body
	}
	return string(r[:previewChars-1]) + "…"
}

// tracker runs detached work that outlives the request and lets shutdown
// wait for it.
type tracker struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func (t *tracker) goDetached(ctx context.Context, fn func(ctx context.Context)) {
	timeout := t.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until in-flight work finished or ctx is done.
func (t *tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncDispatcher runs the fan-out in-process on a detached goroutine.
type AsyncDispatcher struct {
	tracker
	fanout *Fanout
}

func NewAsyncDispatcher(f *Fanout, timeout time.Duration) *AsyncDispatcher {
	return &AsyncDispatcher{tracker: tracker{timeout: timeout}, fanout: f}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, ev MessageEvent) {
	d.goDetached(ctx, func(ctx context.Context) {
		rep := d.fanout.HandleMessage(ctx, ev)
		slog.Default().Debug("notification fan-out finished",
			"message_id", ev.MessageID,
			"recipients", rep.Recipients,
			"pushed", rep.Pushed,
			"suppressed", rep.Suppressed,
			"failed", rep.Failed,
		)
	})
}

// EventPublisher is the subset of the kafka writer the dispatcher needs.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaDispatcher hands events to cmd/notifier through a topic.
type KafkaDispatcher struct {
	tracker
	pub EventPublisher
}

func NewKafkaDispatcher(pub EventPublisher, timeout time.Duration) *KafkaDispatcher {
	return &KafkaDispatcher{tracker: tracker{timeout: timeout}, pub: pub}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, ev MessageEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		slog.Default().Error("encode message event", "message_id", ev.MessageID, "error", err)
		return
	}
	d.goDetached(ctx, func(ctx context.Context) {
		if err := d.pub.Publish(ctx, ev.ChatID.String(), value); err != nil {
			slog.Default().Warn("publish message event", "message_id", ev.MessageID, "error", err)
		}
	})
}

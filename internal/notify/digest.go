package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"messaging/internal/store"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const DefaultDigestCron = "0 * * * *"

// DigestScheduler periodically reminds members of chats with unread messages.
// The event id is derived from the newest unread message, so a run that
// repeats (or overlaps) never sends the same reminder twice.
type DigestScheduler struct {
	store     *store.Store
	fanout    *Fanout
	expr      string
	minUnread int
	now       func() time.Time
	log       *slog.Logger
}

func NewDigestScheduler(st *store.Store, f *Fanout, expr string, minUnread int) (*DigestScheduler, error) {
	if expr == "" {
		expr = DefaultDigestCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("notify: invalid digest cron %q", expr)
	}
	if minUnread <= 0 {
		minUnread = 1
	}
	return &DigestScheduler{
		store:     st,
		fanout:    f,
		expr:      expr,
		minUnread: minUnread,
		now:       time.Now,
		log:       slog.Default().With("component", "digest"),
	}, nil
}

// Run blocks until ctx is cancelled.
func (d *DigestScheduler) Run(ctx context.Context) error {
	d.log.Info("digest scheduler started", "cron", d.expr)
	for {
		next, err := gronx.NextTickAfter(d.expr, d.now().UTC(), false)
		if err != nil {
			return fmt.Errorf("notify: next digest tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info("digest scheduler stopping")
			return nil
		case <-timer.C:
		}
		rep, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Error("digest run failed", "error", err)
			continue
		}
		d.log.Info("digest run finished",
			"recipients", rep.Recipients,
			"skipped", rep.Skipped,
			"pushed", rep.Pushed,
			"failed", rep.Failed,
		)
	}
}

func (d *DigestScheduler) RunOnce(ctx context.Context) (Report, error) {
	summaries, err := d.store.Members().UnreadSummaries(ctx, d.minUnread)
	if err != nil {
		return Report{}, fmt.Errorf("notify: unread summaries: %w", err)
	}
	var total Report
	for _, s := range summaries {
		chatID := s.ChatID
		body := "You have 1 unread message"
		if s.Unread != 1 {
			body = fmt.Sprintf("You have %d unread messages", s.Unread)
		}
		rep := d.fanout.Notify(ctx, []uuid.UUID{s.UserID}, Payload{
			Kind:    KindUnreadDigest,
			EventID: chatID.String() + "@" + s.LatestAt,
			ChatID:  &chatID,
			Title:   "Unread messages",
			Body:    body,
			Link:    d.fanout.linkPrefix + chatID.String(),
			Data:    map[string]any{"unread": s.Unread},
		})
		total.Add(rep)
	}
	return total, nil
}

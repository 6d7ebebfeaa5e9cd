package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"messaging/internal/domain"
	"messaging/internal/notify"
	"messaging/internal/presence"
	"messaging/internal/store"
	"messaging/internal/store/storetest"

	"github.com/google/uuid"
)

type stubSender struct {
	mu    sync.Mutex
	sent  []string
	fails map[string]error
}

func (s *stubSender) Send(_ context.Context, sub domain.PushSubscription, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fails[sub.Endpoint]; ok {
		return err
	}
	s.sent = append(s.sent, sub.Endpoint)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubPresence map[uuid.UUID]uuid.UUID

func (p stubPresence) Viewing(_ context.Context, userID, chatID uuid.UUID) (bool, error) {
	return p[userID] == chatID, nil
}

func subscribe(t *testing.T, st *store.Store, user uuid.UUID, endpoint string) {
	t.Helper()
	sub := &domain.PushSubscription{UserID: user, Endpoint: endpoint, P256dh: "p", Auth: "a", CreatedAt: time.Now().UTC()}
	if err := st.Subscriptions().Upsert(context.Background(), sub); err != nil {
		t.Fatalf("subscribe %s: %v", endpoint, err)
	}
}

func TestMessagePushSuppressedWhileViewing(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	chatID, viewer, away := uuid.New(), uuid.New(), uuid.New()
	subscribe(t, st, viewer, "https://push.example/viewer")
	subscribe(t, st, away, "https://push.example/away")

	sender := &stubSender{}
	f := notify.NewFanout(st, sender, stubPresence{viewer: chatID})

	rep := f.HandleMessage(ctx, notify.MessageEvent{
		ChatID:     chatID,
		MessageID:  uuid.New(),
		SenderID:   uuid.New(),
		Recipients: []uuid.UUID{viewer, away},
		Body:       "hello",
	})
	if rep.Suppressed != 1 || rep.Pushed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if sender.count() != 1 || sender.sent[0] != "https://push.example/away" {
		t.Fatalf("unexpected pushes: %v", sender.sent)
	}

	records, err := st.Notifications().ListForUser(ctx, viewer, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("viewer should still get an in-app record, got %d", len(records))
	}
}

func TestGoneSubscriptionIsPrunedOthersStillDelivered(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	user := uuid.New()
	subscribe(t, st, user, "https://push.example/phone")
	subscribe(t, st, user, "https://push.example/laptop")

	sender := &stubSender{fails: map[string]error{"https://push.example/laptop": notify.ErrGone}}
	f := notify.NewFanout(st, sender, nil)

	chatID := uuid.New()
	rep := f.Notify(ctx, []uuid.UUID{user}, notify.Payload{Kind: notify.KindMessage, EventID: "m1", ChatID: &chatID, Title: "t", Body: "b"})
	if rep.Pushed != 1 || rep.Pruned != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	subs, err := st.Subscriptions().ForUser(ctx, user)
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/phone" {
		t.Fatalf("expected only the phone to remain, got %+v", subs)
	}
}

func TestFailureForOneRecipientDoesNotAffectOthers(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	bad, good := uuid.New(), uuid.New()
	subscribe(t, st, bad, "https://push.example/bad")
	subscribe(t, st, good, "https://push.example/good")

	sender := &stubSender{fails: map[string]error{
		"https://push.example/bad": &notify.DeliveryError{Endpoint: "https://push.example/bad", StatusCode: 500, Err: errors.New("boom")},
	}}
	f := notify.NewFanout(st, sender, nil, notify.WithConcurrency(2))

	rep := f.Notify(ctx, []uuid.UUID{bad, good, good}, notify.Payload{Kind: notify.KindMessage, EventID: "m2", Title: "t", Body: "b"})
	if rep.Recipients != 2 {
		t.Fatalf("expected duplicates collapsed, got %d recipients", rep.Recipients)
	}
	if rep.Pushed != 1 || rep.Failed != 1 || rep.Recorded != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	subs, _ := st.Subscriptions().ForUser(ctx, bad)
	if len(subs) != 1 {
		t.Fatalf("transient failures must not prune subscriptions")
	}
}

func TestScheduledKindDeliveredOncePerEvent(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	user := uuid.New()
	subscribe(t, st, user, "https://push.example/1")

	sender := &stubSender{}
	f := notify.NewFanout(st, sender, nil)
	p := notify.Payload{Kind: notify.KindUnreadDigest, EventID: "digest-1", Title: "t", Body: "b"}

	first := f.Notify(ctx, []uuid.UUID{user}, p)
	second := f.Notify(ctx, []uuid.UUID{user}, p)
	if first.Pushed != 1 || second.Skipped != 1 || second.Pushed != 0 {
		t.Fatalf("unexpected reports: first=%+v second=%+v", first, second)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one push, got %d", sender.count())
	}
	records, _ := st.Notifications().ListForUser(ctx, user, 10)
	if len(records) != 1 {
		t.Fatalf("expected one in-app record, got %d", len(records))
	}
}

func TestScheduledKindRetriedWhenEveryPushFailed(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	user := uuid.New()
	subscribe(t, st, user, "https://push.example/flaky")

	sender := &stubSender{fails: map[string]error{"https://push.example/flaky": &notify.DeliveryError{Endpoint: "https://push.example/flaky", StatusCode: 503, Err: errors.New("unavailable")}}}
	f := notify.NewFanout(st, sender, nil)
	p := notify.Payload{Kind: notify.KindUnreadDigest, EventID: "digest-2", Title: "t", Body: "b"}

	f.Notify(ctx, []uuid.UUID{user}, p)
	logged, err := st.Deliveries().Exists(ctx, "digest-2", user, string(notify.KindUnreadDigest))
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if logged {
		t.Fatalf("failed delivery must not be logged")
	}

	delete(sender.fails, "https://push.example/flaky")
	rep := f.Notify(ctx, []uuid.UUID{user}, p)
	if rep.Pushed != 1 || rep.Recorded != 0 {
		t.Fatalf("expected retry to push without a second record, got %+v", rep)
	}
	if again := f.Notify(ctx, []uuid.UUID{user}, p); again.Skipped != 1 {
		t.Fatalf("expected third run skipped, got %+v", again)
	}

	records, err := st.Notifications().ListForUser(ctx, user, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one in-app record across retries, got %d", len(records))
	}
}

func TestRedeliveredMessageEventKeepsOneRecord(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	user := uuid.New()
	f := notify.NewFanout(st, &stubSender{}, nil)

	ev := notify.MessageEvent{ChatID: uuid.New(), MessageID: uuid.New(), SenderID: uuid.New(), Recipients: []uuid.UUID{user}, Body: "hi"}
	first := f.HandleMessage(ctx, ev)
	second := f.HandleMessage(ctx, ev)
	if first.Recorded != 1 || second.Recorded != 0 {
		t.Fatalf("unexpected reports: first=%+v second=%+v", first, second)
	}
	records, _ := st.Notifications().ListForUser(ctx, user, 10)
	if len(records) != 1 {
		t.Fatalf("expected one record for the message, got %d", len(records))
	}
}

func TestMessagePushResumesOncePresenceCleared(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	chatID, user := uuid.New(), uuid.New()
	subscribe(t, st, user, "https://push.example/user")

	tracker := presence.NewMemory(time.Minute)
	sender := &stubSender{}
	f := notify.NewFanout(st, sender, tracker)
	event := func() notify.MessageEvent {
		return notify.MessageEvent{ChatID: chatID, MessageID: uuid.New(), SenderID: uuid.New(), Recipients: []uuid.UUID{user}, Body: "hi"}
	}

	if err := tracker.Beat(ctx, user, chatID); err != nil {
		t.Fatalf("beat: %v", err)
	}
	if rep := f.HandleMessage(ctx, event()); rep.Suppressed != 1 || rep.Pushed != 0 {
		t.Fatalf("expected push suppressed while viewing, got %+v", rep)
	}

	if err := tracker.Clear(ctx, user, chatID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rep := f.HandleMessage(ctx, event()); rep.Pushed != 1 || rep.Suppressed != 0 {
		t.Fatalf("expected push after presence cleared, got %+v", rep)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one push, got %d", sender.count())
	}
}

func TestScheduledKindWithoutSubscriptionsCountsRecordAsDelivery(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	user := uuid.New()

	f := notify.NewFanout(st, &stubSender{}, nil)
	p := notify.Payload{Kind: notify.KindUnreadDigest, EventID: "digest-3", Title: "t", Body: "b"}
	f.Notify(ctx, []uuid.UUID{user}, p)
	rep := f.Notify(ctx, []uuid.UUID{user}, p)
	if rep.Skipped != 1 {
		t.Fatalf("expected second run skipped, got %+v", rep)
	}
}

func TestDigestRunOnceIsIdempotent(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat, _, err := st.Chats().CreateDirect(ctx, a, b, time.Now().UTC())
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := st.Messages().Create(ctx, &domain.Message{ChatID: chat.ID, SenderID: a, Body: "ping", Status: domain.StatusSent, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	subscribe(t, st, b, "https://push.example/b")

	sender := &stubSender{}
	f := notify.NewFanout(st, sender, nil)
	d, err := notify.NewDigestScheduler(st, f, "", 1)
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}

	first, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Pushed != 1 || second.Skipped != 1 {
		t.Fatalf("unexpected reports: first=%+v second=%+v", first, second)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one digest push, got %d", sender.count())
	}
}

func TestNewDigestSchedulerRejectsBadCron(t *testing.T) {
	if _, err := notify.NewDigestScheduler(nil, nil, "not a cron", 1); err == nil {
		t.Fatalf("expected invalid cron error")
	}
}

func TestAsyncDispatcherRunsFanout(t *testing.T) {
	st := storetest.Open(t)
	user := uuid.New()
	subscribe(t, st, user, "https://push.example/async")

	sender := &stubSender{}
	d := notify.NewAsyncDispatcher(notify.NewFanout(st, sender, nil), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, notify.MessageEvent{ChatID: uuid.New(), MessageID: uuid.New(), SenderID: uuid.New(), Recipients: []uuid.UUID{user}, Body: "x"})
	cancel()

	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := d.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected push after request context was cancelled, got %d", sender.count())
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	values [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func TestKafkaDispatcherRoundTripsThroughHandleRaw(t *testing.T) {
	st := storetest.Open(t)
	user := uuid.New()
	subscribe(t, st, user, "https://push.example/kafka")

	pub := &recordingPublisher{}
	d := notify.NewKafkaDispatcher(pub, time.Second)
	ev := notify.MessageEvent{ChatID: uuid.New(), MessageID: uuid.New(), SenderID: uuid.New(), Recipients: []uuid.UUID{user}, Body: "x"}
	d.Dispatch(context.Background(), ev)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(pub.values) != 1 || pub.keys[0] != ev.ChatID.String() {
		t.Fatalf("unexpected publishes: %v", pub.keys)
	}

	sender := &stubSender{}
	f := notify.NewFanout(st, sender, nil)
	if err := f.HandleRaw(context.Background(), nil, pub.values[0]); err != nil {
		t.Fatalf("handle raw: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected consumer side push, got %d", sender.count())
	}
	if err := f.HandleRaw(context.Background(), nil, []byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

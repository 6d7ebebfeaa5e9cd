package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMemoryBeatExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(45 * time.Second)
	m.now = c.now
	user, chat := uuid.New(), uuid.New()

	if err := m.Beat(ctx, user, chat); err != nil {
		t.Fatalf("beat: %v", err)
	}
	c.t = c.t.Add(20 * time.Second)
	if ok, _ := m.Viewing(ctx, user, chat); !ok {
		t.Fatalf("expected viewing within ttl")
	}
	if ok, _ := m.Viewing(ctx, user, uuid.New()); ok {
		t.Fatalf("presence must be scoped to the chat")
	}

	c.t = c.t.Add(30 * time.Second)
	if ok, _ := m.Viewing(ctx, user, chat); ok {
		t.Fatalf("expected entry expired after ttl")
	}
}

func TestMemoryHeartbeatRefreshes(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(45 * time.Second)
	m.now = c.now
	user, chat := uuid.New(), uuid.New()

	for i := 0; i < 5; i++ {
		if err := m.Beat(ctx, user, chat); err != nil {
			t.Fatalf("beat: %v", err)
		}
		c.t = c.t.Add(20 * time.Second)
	}
	if ok, _ := m.Viewing(ctx, user, chat); !ok {
		t.Fatalf("expected refreshed entry to be live")
	}
}

func TestMemoryClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	user, chat := uuid.New(), uuid.New()

	_ = m.Beat(ctx, user, chat)
	for i := 0; i < 2; i++ {
		if err := m.Clear(ctx, user, chat); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	if ok, _ := m.Viewing(ctx, user, chat); ok {
		t.Fatalf("expected cleared entry")
	}
}

func TestRedisKeyLayout(t *testing.T) {
	user := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	chat := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	want := "presence:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222"
	if got := redisKey(user, chat); got != want {
		t.Fatalf("redisKey = %q, want %q", got, want)
	}
}

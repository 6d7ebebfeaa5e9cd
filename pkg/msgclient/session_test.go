package msgclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messaging/internal/authz"
	"messaging/internal/jwtsigner"
	"messaging/internal/presence"
	"messaging/internal/realtime"
	"messaging/internal/service"
	"messaging/internal/store/storetest"
	transport "messaging/internal/transport/http"
	"messaging/pkg/chatwire"
	"messaging/pkg/msgclient"
)

// stubServer fakes the messages API closely enough to drive a Session
// deterministically.
type stubServer struct {
	*httptest.Server

	mu           sync.Mutex
	page         []chatwire.MessageRecord
	fetches      int
	forbidden    string
	holdSends    chan struct{}
	beats        int
	clears       int
	reads        int
	sendFailures int
	sends        []chatwire.SendRequest
	conns        chan *websocket.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r := chi.NewRouter()
	r.Get("/v1/chats/{chatID}/messages", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.fetches++
		items := append([]chatwire.MessageRecord{}, s.page...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, chatwire.FetchResponse{Items: items, Members: []string{}})
	})
	r.Get("/v1/chats/{chatID}/realtime", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			writeJSON(w, http.StatusUnauthorized, chatwire.ErrorResponse{Error: "missing token"})
			return
		}
		s.mu.Lock()
		deny := chi.URLParam(r, "chatID") == s.forbidden
		s.mu.Unlock()
		if deny {
			writeJSON(w, http.StatusForbidden, chatwire.ErrorResponse{Error: "forbidden"})
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	r.Post("/v1/chats/{chatID}/read", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.reads++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/v1/presence", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.beats++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Delete("/v1/presence", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.clears++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req chatwire.SendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.sends = append(s.sends, req)
		fail := s.sendFailures > 0
		if fail {
			s.sendFailures--
		}
		hold := s.holdSends
		s.mu.Unlock()
		if hold != nil {
			hold <- struct{}{}
			<-r.Context().Done()
			return
		}
		if fail {
			writeJSON(w, http.StatusInternalServerError, chatwire.ErrorResponse{Error: "internal error"})
			return
		}
		now := chatwire.FormatTime(time.Now())
		writeJSON(w, http.StatusCreated, chatwire.MessageRecord{
			ID:             uuid.NewString(),
			ChatID:         req.ChatID,
			SenderID:       selfID,
			Body:           req.Body,
			Status:         "sent",
			CreatedAt:      now,
			UpdatedAt:      now,
			CorrelationKey: req.CorrelationKey,
		})
	})
	r.Get("/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, chatwire.ErrorResponse{Error: "forbidden"})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *stubServer) counts() (beats, clears, reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats, s.clears, s.reads
}

func (s *stubServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatalf("client never connected")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const selfID = "11111111-1111-4111-8111-111111111111"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionAppliesRealtimeEvents(t *testing.T) {
	srv := newStubServer(t)
	chatID := uuid.NewString()
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	activity := make(chan string, 8)
	client.OnActivity = func(id string) { activity <- id }

	sess, err := client.Open(context.Background(), chatID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	ws := srv.conn(t)

	rec := chatwire.MessageRecord{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  uuid.NewString(),
		Body:      "ping",
		Status:    "sent",
		CreatedAt: chatwire.FormatTime(time.Now()),
	}
	ev := chatwire.Event{Type: chatwire.EventInsert, Record: rec}
	for i := 0; i < 2; i++ {
		if err := ws.WriteJSON(ev); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}
	// Malformed payloads are dropped.
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"TRUNCATE"}`))

	for i := 0; i < 2; i++ {
		select {
		case got := <-activity:
			if got != chatID {
				t.Fatalf("activity for %s", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no activity callback")
		}
	}
	got := sess.Messages()
	if len(got) != 1 || got[0].ID() != rec.ID {
		t.Fatalf("expected a single merged entry, got %+v", got)
	}
	waitFor(t, "mark read", func() bool { _, _, reads := srv.counts(); return reads >= 3 })

	del := chatwire.Event{Type: chatwire.EventDelete, Record: chatwire.MessageRecord{ID: rec.ID, ChatID: chatID}}
	if err := ws.WriteJSON(del); err != nil {
		t.Fatalf("write delete: %v", err)
	}
	<-activity
	if got := sess.Messages(); len(got) != 0 {
		t.Fatalf("delete not applied: %+v", got)
	}
}

func TestSessionSendFailureAndRetry(t *testing.T) {
	srv := newStubServer(t)
	srv.sendFailures = 1
	chatID := uuid.NewString()
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	sess, err := client.Open(context.Background(), chatID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	failed, err := sess.Send(context.Background(), "hello")
	var apiErr *msgclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected api error, got %v", err)
	}
	if failed.Status != msgclient.StatusFailed || failed.Body() != "hello" {
		t.Fatalf("unexpected failed entry: %+v", failed)
	}
	if msgs := sess.Messages(); len(msgs) != 1 || msgs[0].Status != msgclient.StatusFailed {
		t.Fatalf("failed entry not kept: %+v", msgs)
	}

	sent, err := sess.Retry(context.Background(), failed.LocalID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent.Status != msgclient.StatusSent || sent.ID() == "" {
		t.Fatalf("retry not confirmed: %+v", sent)
	}
	msgs := sess.Messages()
	if len(msgs) != 1 || msgs[0].ID() != sent.ID() {
		t.Fatalf("expected only the retried entry, got %+v", msgs)
	}

	srv.mu.Lock()
	sends := append([]chatwire.SendRequest(nil), srv.sends...)
	srv.mu.Unlock()
	if len(sends) != 2 || sends[0].CorrelationKey == sends[1].CorrelationKey {
		t.Fatalf("retry must use a new correlation key: %+v", sends)
	}

	if _, err := sess.Retry(context.Background(), sent.LocalID); !errors.Is(err, msgclient.ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestSessionHeartbeatFollowsVisibility(t *testing.T) {
	srv := newStubServer(t)
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	client.HeartbeatInterval = 10 * time.Millisecond

	sess, err := client.Open(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "heartbeats", func() bool { beats, _, _ := srv.counts(); return beats >= 3 })

	sess.SetVisible(false)
	if _, clears, _ := srv.counts(); clears != 1 {
		t.Fatalf("hiding should clear presence once, got %d", clears)
	}
	time.Sleep(20 * time.Millisecond)
	beats, _, _ := srv.counts()
	time.Sleep(50 * time.Millisecond)
	if after, _, _ := srv.counts(); after != beats {
		t.Fatalf("heartbeat kept running while hidden: %d -> %d", beats, after)
	}

	sess.SetVisible(true)
	waitFor(t, "heartbeat resume", func() bool { b, _, _ := srv.counts(); return b > beats })
	sess.Close()
	sess.Close()
	if _, clears, _ := srv.counts(); clears != 2 {
		t.Fatalf("close should clear presence, got %d clears", clears)
	}
}

func TestOpenReplacesActiveSession(t *testing.T) {
	srv := newStubServer(t)
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	first, err := client.Open(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := client.Open(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer client.Close()

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("previous session still running")
	}
	if client.Active() != second {
		t.Fatalf("active session not replaced")
	}
	if _, err := first.Send(context.Background(), "late"); !errors.Is(err, msgclient.ErrSessionClosed) {
		t.Fatalf("send on closed session: %v", err)
	}
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	srv := newStubServer(t)
	api := msgclient.NewAPI(srv.URL+"/", "tok")
	_, err := api.Chats(context.Background())
	var apiErr *msgclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "forbidden" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestRealtimeURL(t *testing.T) {
	api := msgclient.NewAPI("https://chat.example.com/api/", "abc")
	got, err := api.RealtimeURL("c1")
	if err != nil {
		t.Fatalf("realtime url: %v", err)
	}
	if got != "wss://chat.example.com/api/v1/chats/c1/realtime?access_token=abc" {
		t.Fatalf("unexpected url %s", got)
	}
	if _, err := msgclient.NewAPI("ftp://x", "").RealtimeURL("c1"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestClientAgainstServer(t *testing.T) {
	st := storetest.Open(t)
	hub := realtime.NewHub()
	svc := service.New(st, service.WithPublisher(hub), service.WithPresence(presence.NewMemory(0)))
	router := transport.NewRouter(svc, hub, transport.Config{
		Validator:       authz.NewHMACValidator("test-secret", "test"),
		AllowQueryToken: true,
		RateLimit:       10000,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	signer, err := jwtsigner.NewHMAC("test-secret", "test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	alice, bob := uuid.NewString(), uuid.NewString()
	tokenFor := func(user string) string {
		tok, err := signer.Sign(user, time.Minute, nil)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	aliceClient := msgclient.NewClient(msgclient.NewAPI(srv.URL, tokenFor(alice)), alice)
	bobClient := msgclient.NewClient(msgclient.NewAPI(srv.URL, tokenFor(bob)), bob)

	ctx := context.Background()
	first, err := aliceClient.SendDirect(ctx, bob, "first")
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}

	bobSess, err := bobClient.Open(ctx, first.ChatID)
	if err != nil {
		t.Fatalf("bob open: %v", err)
	}
	defer bobClient.Close()
	if msgs := bobSess.Messages(); len(msgs) != 1 || msgs[0].Body() != "first" {
		t.Fatalf("initial page: %+v", msgs)
	}

	aliceSess, err := aliceClient.Open(ctx, first.ChatID)
	if err != nil {
		t.Fatalf("alice open: %v", err)
	}
	defer aliceClient.Close()

	if _, err := aliceSess.Send(ctx, "ping"); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	waitFor(t, "bob to receive ping", func() bool { return len(bobSess.Messages()) == 2 })

	seen := make(map[string]bool)
	for _, e := range bobSess.Messages() {
		if !e.Confirmed() {
			t.Fatalf("bob holds a provisional entry: %+v", e)
		}
		if seen[e.ID()] {
			t.Fatalf("duplicate entry %s", e.ID())
		}
		seen[e.ID()] = true
	}
	for _, e := range aliceSess.Messages() {
		if e.Status != msgclient.StatusSent {
			t.Fatalf("alice entry not sent: %+v", e)
		}
	}
	if n, err := bobSess.LoadOlder(ctx); err != nil || n != 0 {
		t.Fatalf("load older on a short chat: %d %v", n, err)
	}
}

func TestOpenKeepsMessageCommittedBeforeFirstPageArrives(t *testing.T) {
	st := storetest.Open(t)
	hub := realtime.NewHub()
	svc := service.New(st, service.WithPublisher(hub), service.WithPresence(presence.NewMemory(0)))
	router := transport.NewRouter(svc, hub, transport.Config{
		Validator:       authz.NewHMACValidator("test-secret", "test"),
		AllowQueryToken: true,
		RateLimit:       10000,
	})
	signer, err := jwtsigner.NewHMAC("test-secret", "test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	alice, bob := uuid.New(), uuid.New()
	bobToken, err := signer.Sign(bob.String(), time.Minute, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ctx := context.Background()
	first, err := svc.Send(ctx, &alice, service.SendInput{RecipientID: &bob, Body: "first"})
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	chatID := first.Message.ChatID

	// Alice writes again right after Bob's history request has been answered.
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
		if r.Method == http.MethodGet && r.URL.Path == "/v1/chats/"+chatID.String()+"/messages" {
			once.Do(func() {
				if _, err := svc.Send(context.Background(), &alice, service.SendInput{ChatID: &chatID, Body: "in the gap"}); err != nil {
					t.Errorf("send in gap: %v", err)
				}
			})
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	bobClient := msgclient.NewClient(msgclient.NewAPI(srv.URL, bobToken), bob.String())
	sess, err := bobClient.Open(ctx, chatID.String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bobClient.Close()

	waitFor(t, "message sent during open", func() bool { return len(sess.Messages()) == 2 })
	msgs := sess.Messages()
	if msgs[0].Body() != "first" || msgs[1].Body() != "in the gap" {
		t.Fatalf("unexpected view: %s, %s", msgs[0].Body(), msgs[1].Body())
	}
}

func TestSessionReconnectsAndResyncs(t *testing.T) {
	srv := newStubServer(t)
	chatID := uuid.NewString()
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	client.ReconnectDelay = 10 * time.Millisecond
	sess, err := client.Open(context.Background(), chatID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	ws := srv.conn(t)

	missed := chatwire.MessageRecord{
		ID: uuid.NewString(), ChatID: chatID, SenderID: uuid.NewString(),
		Body: "while offline", Status: "sent", CreatedAt: chatwire.FormatTime(time.Now()),
	}
	srv.mu.Lock()
	srv.page = []chatwire.MessageRecord{missed}
	srv.mu.Unlock()
	_ = ws.Close()

	ws = srv.conn(t)
	waitFor(t, "history resync", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID() == missed.ID
	})
	select {
	case <-sess.Done():
		t.Fatalf("session ended on a dropped connection")
	default:
	}

	live := missed
	live.ID = uuid.NewString()
	live.Body = "after reconnect"
	if err := ws.WriteJSON(chatwire.Event{Type: chatwire.EventInsert, Record: live}); err != nil {
		t.Fatalf("write event: %v", err)
	}
	waitFor(t, "event on new connection", func() bool { return len(sess.Messages()) == 2 })

	sess.Close()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
}

func TestCloseCancelsInFlightSend(t *testing.T) {
	srv := newStubServer(t)
	srv.holdSends = make(chan struct{}, 1)
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	sess, err := client.Open(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	type result struct {
		entry msgclient.Entry
		err   error
	}
	res := make(chan result, 1)
	go func() {
		e, err := sess.Send(context.Background(), "stuck")
		res <- result{e, err}
	}()
	select {
	case <-srv.holdSends:
	case <-time.After(2 * time.Second):
		t.Fatalf("send never reached the server")
	}

	sess.Close()
	select {
	case r := <-res:
		if !errors.Is(r.err, msgclient.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", r.err)
		}
		if r.entry.Status != msgclient.StatusFailed {
			t.Fatalf("entry should be failed: %+v", r.entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send outlived its session")
	}
	if _, err := sess.Send(context.Background(), "late"); !errors.Is(err, msgclient.ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestOpenForbiddenChatDropsCachedView(t *testing.T) {
	srv := newStubServer(t)
	chatID := uuid.NewString()
	srv.forbidden = chatID
	client := msgclient.NewClient(msgclient.NewAPI(srv.URL, "tok"), selfID)
	client.Cache.MergePage(chatID, []chatwire.MessageRecord{{
		ID: uuid.NewString(), ChatID: chatID, SenderID: selfID, Body: "old",
		Status: "sent", CreatedAt: chatwire.FormatTime(time.Now()),
	}})

	_, err := client.Open(context.Background(), chatID)
	var apiErr *msgclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got := client.Cache.Messages(chatID); len(got) != 0 {
		t.Fatalf("cached view kept after losing access: %+v", got)
	}
	if client.Active() != nil {
		t.Fatalf("no session should be active")
	}
}

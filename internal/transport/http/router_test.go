package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"messaging/internal/authz"
	"messaging/internal/jwtsigner"
	"messaging/internal/presence"
	"messaging/internal/realtime"
	"messaging/internal/service"
	"messaging/internal/store/storetest"
	transport "messaging/internal/transport/http"
	"messaging/pkg/chatwire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	signer *jwtsigner.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
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
	return &testServer{Server: srv, signer: signer}
}

func (s *testServer) token(t *testing.T, user uuid.UUID) string {
	t.Helper()
	tok, err := s.signer.Sign(user.String(), time.Minute, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, user *uuid.UUID, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *user))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestSendFetchDeleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()

	resp, body := srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{
		RecipientID: bob.String(), Body: "hello", CorrelationKey: "ck-42",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}
	var rec chatwire.MessageRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.CorrelationKey != "ck-42" || rec.Status != "sent" || rec.SenderID != alice.String() {
		t.Fatalf("unexpected record: %+v", rec)
	}

	resp, body = srv.do(t, &bob, http.MethodGet, "/v1/chats/"+rec.ChatID+"/messages?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: %d %s", resp.StatusCode, body)
	}
	var page chatwire.FetchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != rec.ID || page.NextCursor != nil {
		t.Fatalf("unexpected page: %+v", page)
	}

	resp, _ = srv.do(t, &bob, http.MethodPatch, "/v1/messages/"+rec.ID, chatwire.TagRequest{Tag: "important"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tag: %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &bob, http.MethodDelete, "/v1/messages/"+rec.ID, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("recipient delete: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &alice, http.MethodDelete, "/v1/messages/"+rec.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sender delete: expected 204, got %d", resp.StatusCode)
	}

	resp, body = srv.do(t, &bob, http.MethodGet, "/v1/chats", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), rec.ChatID) {
		t.Fatalf("list chats: %d %s", resp.StatusCode, body)
	}
	resp, _ = srv.do(t, &bob, http.MethodPost, "/v1/chats/"+rec.ChatID+"/read", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read: %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()

	resp, body := srv.do(t, nil, http.MethodPost, "/v1/messages", chatwire.SendRequest{RecipientID: bob.String(), Body: "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody chatwire.ErrorResponse
	if err := json.Unmarshal(body, &errBody); err != nil || errBody.Error == "" {
		t.Fatalf("expected JSON error body, got %s", body)
	}

	resp, _ = srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{RecipientID: bob.String(), Body: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank body, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{ChatID: uuid.NewString(), Body: "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chat, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &alice, http.MethodGet, "/v1/chats/not-a-uuid/messages", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad chat id, got %d", resp.StatusCode)
	}

	resp, body = srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{RecipientID: bob.String(), Body: "private"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}
	var rec chatwire.MessageRecord
	_ = json.Unmarshal(body, &rec)
	resp, _ = srv.do(t, &eve, http.MethodGet, "/v1/chats/"+rec.ChatID+"/messages", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &eve, http.MethodPost, "/v1/presence", chatwire.PresenceRequest{ChatID: rec.ChatID})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 presence for non-member, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &bob, http.MethodPost, "/v1/presence", chatwire.PresenceRequest{ChatID: rec.ChatID})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 presence, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, &bob, http.MethodDelete, "/v1/presence", chatwire.PresenceRequest{ChatID: rec.ChatID})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 presence clear, got %d", resp.StatusCode)
	}
}

func TestRealtimeDeliversInsertWithCorrelationKey(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()

	resp, body := srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{RecipientID: bob.String(), Body: "first"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}
	var first chatwire.MessageRecord
	_ = json.Unmarshal(body, &first)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chats/" + first.ChatID + "/realtime?access_token=" + srv.token(t, bob)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The subscriber registers after the upgrade completes; retry the send
	// until an event arrives.
	chatID := first.ChatID
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, _ := srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{ChatID: chatID, Body: "again", CorrelationKey: "ck-rt"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send again: %d", resp.StatusCode)
		}
		_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, data, err := ws.ReadMessage()
		if err == nil {
			ev, err := chatwire.DecodeEvent(data)
			if err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Type != chatwire.EventInsert || ev.Record.CorrelationKey != "ck-rt" || ev.Record.ChatID != chatID {
				t.Fatalf("unexpected event: %+v", ev)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no realtime event received: %v", err)
		}
		ws.Close()
		ws, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("redial: %v", err)
		}
	}
}

func TestRealtimeRejectsNonMembers(t *testing.T) {
	srv := newTestServer(t)
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()
	_, body := srv.do(t, &alice, http.MethodPost, "/v1/messages", chatwire.SendRequest{RecipientID: bob.String(), Body: "x"})
	var rec chatwire.MessageRecord
	_ = json.Unmarshal(body, &rec)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chats/" + rec.ChatID + "/realtime?access_token=" + srv.token(t, eve)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %v", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

package msgclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messaging/pkg/chatwire"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultPageSize          = 50
	DefaultReconnectDelay    = 500 * time.Millisecond

	maxReconnectDelay = 30 * time.Second

	sideEffectTimeout = 5 * time.Second
)

var (
	ErrNotRetryable  = errors.New("msgclient: entry is not a failed send")
	ErrSessionClosed = errors.New("msgclient: session closed")
)

// Client owns the message cache for one signed-in user and at most one open
// chat session.
type Client struct {
	API               *API
	Cache             *Cache
	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	PageSize          int
	// ReconnectDelay is the first wait after the realtime connection drops;
	// it doubles up to 30s between attempts.
	ReconnectDelay time.Duration
	// OnActivity runs after every realtime event, e.g. to reorder a chat list.
	OnActivity func(chatID string)
	Log        *slog.Logger

	self   string
	openMu sync.Mutex
	mu     sync.Mutex
	active *Session
}

func NewClient(api *API, selfID string) *Client {
	return &Client{
		API:               api,
		Cache:             NewCache(selfID),
		Dialer:            websocket.DefaultDialer,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PageSize:          DefaultPageSize,
		ReconnectDelay:    DefaultReconnectDelay,
		Log:               slog.Default(),
		self:              selfID,
	}
}

// Active is the currently open session, or nil.
func (c *Client) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Open closes any previous session, subscribes to the realtime channel of
// chatID and then loads its newest page. Subscribing first means a message
// committed in between arrives as an event and is folded with the page.
func (c *Client) Open(ctx context.Context, chatID string) (*Session, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if prev := c.Active(); prev != nil {
		prev.Close()
	}

	ws, err := c.dial(ctx, chatID)
	if err != nil {
		return nil, c.forget(chatID, err)
	}
	page, err := c.API.Fetch(ctx, chatID, c.PageSize, "")
	if err != nil {
		_ = ws.Close()
		return nil, c.forget(chatID, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:  c,
		chatID:  chatID,
		ws:      ws,
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		members: page.Members,
	}
	if page.NextCursor != nil {
		s.cursor = *page.NextCursor
	} else {
		s.exhausted = true
	}

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	go s.run(ws)
	c.Cache.MergePage(chatID, page.Items)
	c.Cache.MarkSeen(chatID)
	s.SetVisible(true)
	go c.markRead(chatID)
	return s, nil
}

func (c *Client) dial(ctx context.Context, chatID string) (*websocket.Conn, error) {
	wsURL, err := c.API.RealtimeURL(chatID)
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer func() {
				_ = resp.Body.Close()
			}()
			if resp.StatusCode >= 400 {
				return nil, readAPIError(resp)
			}
		}
		return nil, err
	}
	return ws, nil
}

// forget drops the cached view of a chat the user can no longer see.
func (c *Client) forget(chatID string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusForbidden || apiErr.Status == http.StatusNotFound) {
		c.Cache.Drop(chatID)
	}
	return err
}

// SendDirect starts or continues a 1:1 chat with recipientID.
func (c *Client) SendDirect(ctx context.Context, recipientID, body string) (chatwire.MessageRecord, error) {
	rec, err := c.API.Send(ctx, chatwire.SendRequest{RecipientID: recipientID, Body: body})
	if err != nil {
		return chatwire.MessageRecord{}, err
	}
	c.Cache.MergePage(rec.ChatID, []chatwire.MessageRecord{rec})
	return rec, nil
}

// Close tears down the active session, if any.
func (c *Client) Close() {
	if s := c.Active(); s != nil {
		s.Close()
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c *Client) markRead(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := c.API.MarkRead(ctx, chatID); err != nil {
		c.logger().Debug("mark read failed", "chat_id", chatID, "error", err)
	}
}

// Session is one open chat: a realtime subscription plus the presence
// heartbeat while the chat is visible.
type Session struct {
	client  *Client
	chatID  string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	members []string

	mu        sync.Mutex
	ws        *websocket.Conn
	visible   bool
	hbCancel  context.CancelFunc
	hbDone    chan struct{}
	cursor    string
	exhausted bool
	closeOnce sync.Once
}

func (s *Session) ChatID() string { return s.chatID }

func (s *Session) Members() []string { return s.members }

func (s *Session) Messages() []Entry { return s.client.Cache.Messages(s.chatID) }

// Done is closed once the session has been closed. A dropped realtime
// connection is re-established in the background until then.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ws *websocket.Conn) {
	defer close(s.done)
	log := s.client.logger().With("chat_id", s.chatID)
	delay := s.client.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	for {
		err := s.read(ws, log)
		if s.ctx.Err() != nil {
			return
		}
		log.Debug("realtime connection lost", "error", err)

		backoff := delay
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := s.reconnect()
			if err == nil {
				ws = next
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			log.Debug("realtime reconnect failed", "error", err, "retry_in", backoff)
			if backoff < maxReconnectDelay {
				backoff *= 2
			}
		}
	}
}

func (s *Session) read(ws *websocket.Conn, log *slog.Logger) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := chatwire.DecodeEvent(data)
		if err != nil {
			log.Debug("dropping realtime payload", "error", err)
			continue
		}
		if ev.Record.ChatID != s.chatID {
			continue
		}
		s.client.Cache.ApplyEvent(s.chatID, ev)
		s.activity()
	}
}

// reconnect subscribes again and then merges the newest page, which covers
// whatever was committed while the connection was down.
func (s *Session) reconnect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, sideEffectTimeout)
	defer cancel()
	ws, err := s.client.dial(ctx, s.chatID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = ws.Close()
		return nil, ErrSessionClosed
	}

	page, err := s.client.API.Fetch(ctx, s.chatID, s.client.PageSize, "")
	if err != nil {
		s.client.logger().Debug("history resync failed", "chat_id", s.chatID, "error", err)
		return ws, nil
	}
	s.client.Cache.MergePage(s.chatID, page.Items)
	s.activity()
	return ws, nil
}

func (s *Session) activity() {
	go s.client.markRead(s.chatID)
	if fn := s.client.OnActivity; fn != nil {
		go fn(s.chatID)
	}
}

// SetVisible starts or stops the presence heartbeat.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || s.visible == visible {
		return
	}
	s.visible = visible
	if visible {
		s.client.Cache.MarkSeen(s.chatID)
		s.startHeartbeatLocked()
		return
	}
	s.stopHeartbeatLocked()
}

func (s *Session) startHeartbeatLocked() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.hbCancel, s.hbDone = cancel, done

	interval := s.client.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.beat(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Session) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	if err := s.client.API.Heartbeat(ctx, s.chatID); err != nil && ctx.Err() == nil {
		s.client.logger().Debug("presence heartbeat failed", "chat_id", s.chatID, "error", err)
	}
}

func (s *Session) stopHeartbeatLocked() {
	if s.hbCancel == nil {
		return
	}
	s.hbCancel()
	<-s.hbDone
	s.hbCancel, s.hbDone = nil, nil

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := s.client.API.ClearPresence(ctx, s.chatID); err != nil {
		s.client.logger().Debug("presence clear failed", "chat_id", s.chatID, "error", err)
	}
}

// Send appends an optimistic entry and reconciles it with the server reply.
// On failure the entry stays in the cache as failed.
func (s *Session) Send(ctx context.Context, body string) (Entry, error) {
	if s.ctx.Err() != nil {
		return Entry{}, ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	e := s.client.Cache.AddOptimistic(s.chatID, s.client.self, body, "")
	return s.submit(ctx, e)
}

// Retry resubmits a failed entry under a new correlation key.
func (s *Session) Retry(ctx context.Context, localID string) (Entry, error) {
	if s.ctx.Err() != nil {
		return Entry{}, ErrSessionClosed
	}
	e, ok := s.client.Cache.Retry(s.chatID, localID)
	if !ok {
		return Entry{}, ErrNotRetryable
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.submit(ctx, e)
}

// bind derives a context that is also cancelled when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.ctx, func() { cancel(ErrSessionClosed) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func (s *Session) submit(ctx context.Context, e Entry) (Entry, error) {
	key := e.CorrelationKey()
	rec, err := s.client.API.Send(ctx, chatwire.SendRequest{
		ChatID:         s.chatID,
		Body:           e.Body(),
		CorrelationKey: key,
	})
	if err != nil {
		s.client.Cache.FailSend(s.chatID, key)
		e.Status = StatusFailed
		if cause := context.Cause(ctx); errors.Is(cause, ErrSessionClosed) {
			err = cause
		}
		return e, err
	}
	resolved, ok := s.client.Cache.ResolveSend(s.chatID, key, rec)
	if !ok {
		// Deleted before the reply arrived.
		return e, nil
	}
	return resolved, nil
}

// LoadOlder merges the next older page into the cache and reports how many
// records it carried. It returns 0 once history is exhausted.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	cursor, exhausted := s.cursor, s.exhausted
	s.mu.Unlock()
	if exhausted {
		return 0, nil
	}
	if s.ctx.Err() != nil {
		return 0, ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	page, err := s.client.API.Fetch(ctx, s.chatID, s.client.PageSize, cursor)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrSessionClosed) {
			return 0, cause
		}
		return 0, err
	}
	s.client.Cache.MergePage(s.chatID, page.Items)

	s.mu.Lock()
	if page.NextCursor != nil {
		s.cursor = *page.NextCursor
	} else {
		s.exhausted = true
	}
	s.mu.Unlock()
	return len(page.Items), nil
}

// Close stops the heartbeat, clears presence and drops the realtime
// subscription. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopHeartbeatLocked()
		s.visible = false
		s.mu.Unlock()

		s.cancel()
		s.mu.Lock()
		ws := s.ws
		s.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
		<-s.done

		s.client.mu.Lock()
		if s.client.active == s {
			s.client.active = nil
		}
		s.client.mu.Unlock()
	})
}

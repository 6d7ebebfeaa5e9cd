package msgclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"messaging/pkg/chatwire"
)

// APIError is a non-2xx reply from the messages service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("messages api: %d %s", e.Status, e.Message)
}

// API is a thin HTTP client for the messages service.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: normalizeBaseURL(baseURL),
		Token:   strings.TrimSpace(token),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *API) Send(ctx context.Context, req chatwire.SendRequest) (chatwire.MessageRecord, error) {
	var rec chatwire.MessageRecord
	err := a.do(ctx, http.MethodPost, "/v1/messages", req, &rec)
	return rec, err
}

// Fetch returns up to limit messages older than before, oldest first.
func (a *API) Fetch(ctx context.Context, chatID string, limit int, before string) (chatwire.FetchResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page chatwire.FetchResponse
	err := a.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (a *API) Tag(ctx context.Context, messageID, tag string) (chatwire.MessageRecord, error) {
	var rec chatwire.MessageRecord
	err := a.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(messageID), chatwire.TagRequest{Tag: tag}, &rec)
	return rec, err
}

func (a *API) Delete(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), nil, nil)
}

func (a *API) Chats(ctx context.Context) ([]chatwire.ChatSummary, error) {
	var out struct {
		Items []chatwire.ChatSummary `json:"items"`
	}
	err := a.do(ctx, http.MethodGet, "/v1/chats", nil, &out)
	return out.Items, err
}

func (a *API) MarkRead(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/read", nil, nil)
}

func (a *API) Heartbeat(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodPost, "/v1/presence", chatwire.PresenceRequest{ChatID: chatID}, nil)
}

func (a *API) ClearPresence(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/presence", chatwire.PresenceRequest{ChatID: chatID}, nil)
}

func (a *API) Subscribe(ctx context.Context, sub chatwire.PushSubscriptionRequest) error {
	return a.do(ctx, http.MethodPost, "/v1/push/subscriptions", sub, nil)
}

func (a *API) Unsubscribe(ctx context.Context, endpoint string) error {
	return a.do(ctx, http.MethodDelete, "/v1/push/subscriptions", chatwire.PushSubscriptionRequest{Endpoint: endpoint}, nil)
}

func (a *API) Notifications(ctx context.Context, limit int) ([]chatwire.Notification, error) {
	path := "/v1/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []chatwire.Notification `json:"items"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (a *API) MarkNotificationRead(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// RealtimeURL is the websocket endpoint for one chat. Browsers cannot set
// headers on an upgrade, so the token travels as a query parameter.
func (a *API) RealtimeURL(chatID string) (string, error) {
	base := normalizeBaseURL(a.BaseURL)
	if base == "" {
		return "", fmt.Errorf("messages base URL missing")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/chats/" + chatID + "/realtime"
	if a.Token != "" {
		q := u.Query()
		q.Set("access_token", a.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(a.BaseURL, path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	client := a.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var payload chatwire.ErrorResponse
	msg := ""
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	} else {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func joinURL(base, path string) string {
	return normalizeBaseURL(base) + path
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"messaging/internal/authz"
	"messaging/internal/domain"
	obsmw "messaging/internal/observability/middleware"
	"messaging/internal/service"
	"messaging/pkg/chatwire"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 64 << 10

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chatwire.SendRequest
	if !decode(w, r, &req) {
		return
	}
	in := service.SendInput{Body: req.Body, CorrelationKey: req.CorrelationKey}
	if req.ChatID != "" {
		id, err := uuid.Parse(req.ChatID)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid chatId", domain.ErrValidation))
			return
		}
		in.ChatID = &id
	}
	if req.RecipientID != "" {
		id, err := uuid.Parse(req.RecipientID)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid recipientUserId", domain.ErrValidation))
			return
		}
		in.RecipientID = &id
	}

	sent, err := h.svc.Send(r.Context(), authz.Actor(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sent.Record())
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrValidation))
			return
		}
		limit = n
	}
	var before *string
	if raw := r.URL.Query().Get("before"); raw != "" {
		before = &raw
	}

	page, err := h.svc.Fetch(r.Context(), authz.Actor(r.Context()), chatID, limit, before)
	if err != nil {
		writeError(w, r, err)
		return
	}
	members := make([]string, 0, len(page.Members))
	for _, m := range page.Members {
		members = append(members, m.String())
	}
	writeJSON(w, http.StatusOK, chatwire.FetchResponse{
		Items:      page.Items,
		Members:    members,
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) handleTag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	var req chatwire.TagRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.UpdateTag(r.Context(), authz.Actor(r.Context()), id, req.Tag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), authz.Actor(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.ListChats(r.Context(), authz.Actor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": chats})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	if err := h.svc.MarkRead(r.Context(), authz.Actor(r.Context()), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) presenceChat(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req chatwire.PresenceRequest
	if !decode(w, r, &req) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(req.ChatID)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid chatId", domain.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.presenceChat(w, r)
	if !ok {
		return
	}
	if err := h.svc.Heartbeat(r.Context(), authz.Actor(r.Context()), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearPresence(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.presenceChat(w, r)
	if !ok {
		return
	}
	if err := h.svc.ClearPresence(r.Context(), authz.Actor(r.Context()), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req chatwire.PushSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Subscribe(r.Context(), authz.Actor(r.Context()), req, r.UserAgent()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req chatwire.PushSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Unsubscribe(r.Context(), authz.Actor(r.Context()), req.Endpoint); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.Notifications(r.Context(), authz.Actor(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := h.svc.MarkNotificationRead(r.Context(), authz.Actor(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	actor := authz.Actor(r.Context())
	if err := h.svc.AuthorizeSubscribe(r.Context(), actor, chatID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.hub.Accept(w, r, h.upgrader, *actor, chatID); err != nil {
		// Upgrade already replied to the client.
		obsmw.Logger(r.Context()).Debug("websocket upgrade failed", "error", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid %s", domain.ErrValidation, name))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrValidation))
		return false
	}
	return true
}

// writeError maps the domain error taxonomy onto HTTP. Storage details stay
// in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	}

	log := obsmw.Logger(r.Context())
	if status >= 500 {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		log.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, chatwire.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// IdempotencyKeyHeader carries the client's retry token for a chat message.
const IdempotencyKeyHeader = "Idempotency-Key"

// ChatHandler serves text coaching conversations.
//
// Routes:
//   - POST   /api/chat/sessions                        -> OpenSession
//   - POST   /api/chat/sessions/{sessionID}/messages   -> SendMessage
//   - DELETE /api/chat/sessions/{sessionID}            -> CloseSession
type ChatHandler struct {
	chat      service.ChatService
	clock     clock.Clock
	validator *validator.Validate
	logger    *slog.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(chat service.ChatService, clk clock.Clock, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		chat:      chat,
		clock:     clk,
		validator: newValidator(),
		logger:    logger,
	}
}

// RegisterRoutes registers chat routes. sendLimit wraps the message route
// with per-user rate limiting.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, requireUser, sendLimit func(http.Handler) http.Handler) {
	mux.Handle("POST /api/chat/sessions", requireUser(http.HandlerFunc(h.OpenSession)))
	mux.Handle("POST /api/chat/sessions/{sessionID}/messages", requireUser(sendLimit(http.HandlerFunc(h.SendMessage))))
	mux.Handle("DELETE /api/chat/sessions/{sessionID}", requireUser(http.HandlerFunc(h.CloseSession)))
}

type openSessionResponse struct {
	SessionID uuid.UUID          `json:"sessionId"`
	Quota     domain.QuotaStatus `json:"quota"`
}

// OpenSession starts a conversation.
func (h *ChatHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	session, status, err := h.chat.OpenSession(r.Context(), p.UserID, h.clock.Now())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{SessionID: session.ID, Quota: *status})
}

type sendMessageRequest struct {
	Text           string `json:"text" validate:"required,max=8000"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=128"`
}

// SendMessage sends one learner message. A blocked learner gets 200 with
// blocked set, not an error.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	const op = "chat.send"

	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	sessionID, err := pathUUID(r, "sessionID", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, h.validator, op, &req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	result, err := h.chat.Send(r.Context(), service.SendParams{
		UserID:         p.UserID,
		SessionID:      sessionID,
		Text:           req.Text,
		IdempotencyKey: req.IdempotencyKey,
		Now:            h.clock.Now(),
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CloseSession discards a conversation.
func (h *ChatHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	const op = "chat.close"

	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	sessionID, err := pathUUID(r, "sessionID", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.chat.CloseSession(r.Context(), p.UserID, sessionID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

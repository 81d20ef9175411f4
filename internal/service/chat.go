package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/lingocoach/internal/ai"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/idempotency"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/google/uuid"
)

// Chat outcomes recorded in metrics.
const (
	chatOutcomeReplied  = "replied"
	chatOutcomeDegraded = "degraded"
	chatOutcomeBlocked  = "blocked"
	chatOutcomeReplayed = "replayed"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SendResult is the answer to one learner message.
type SendResult struct {
	Reply *domain.ChatMessage `json:"reply,omitempty"`
	Quota domain.QuotaStatus  `json:"quota"`

	// Blocked is true when the learner had no minutes before sending; no
	// reply was generated and nothing was charged.
	Blocked bool `json:"blocked"`

	// Exhausted is true when the learner has no minutes left now.
	Exhausted bool `json:"exhausted"`

	// Degraded is true when the AI failed and Reply is the fallback text.
	Degraded bool `json:"degraded"`

	MinutesCharged int `json:"minutesCharged"`
}

// SendParams identifies a message sent into a registered conversation.
type SendParams struct {
	UserID         uuid.UUID
	SessionID      uuid.UUID
	Text           string
	IdempotencyKey string // Optional client token; a repeat returns the first result
	Now            time.Time
}

// ChatService runs text coaching conversations against the quota.
type ChatService interface {
	// OpenSession starts a conversation and returns it with the current
	// quota so the client can render the widget immediately.
	OpenSession(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.ChatSession, *domain.QuotaStatus, error)

	// SendMessage charges for text, asks the AI for a reply and appends
	// both to the session. The caller must hold the session exclusively.
	SendMessage(ctx context.Context, userID uuid.UUID, session *domain.ChatSession, text string, now time.Time) (*SendResult, error)

	// Send is SendMessage for a registered conversation, with optional
	// idempotent replay.
	Send(ctx context.Context, params SendParams) (*SendResult, error)

	// CloseSession discards a conversation.
	CloseSession(ctx context.Context, userID, sessionID uuid.UUID) error
}

// ChatServiceConfig holds tunables for the chat service.
type ChatServiceConfig struct {
	CharsPerMinute int
	SystemPrompt   string
}

// =============================================================================
// Implementation
// =============================================================================

type chatService struct {
	quota    QuotaService
	provider ai.ChatProvider
	sessions *ChatSessions
	replays  idempotency.Store
	loc      *time.Location
	config   ChatServiceConfig
	logger   *slog.Logger
}

// NewChatService creates a new ChatService. replays may be nil to disable
// idempotent replay.
func NewChatService(
	quota QuotaService,
	provider ai.ChatProvider,
	sessions *ChatSessions,
	replays idempotency.Store,
	loc *time.Location,
	config ChatServiceConfig,
	logger *slog.Logger,
) ChatService {
	if config.CharsPerMinute <= 0 {
		config.CharsPerMinute = domain.DefaultCharsPerMinute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &chatService{
		quota:    quota,
		provider: provider,
		sessions: sessions,
		replays:  replays,
		loc:      loc,
		config:   config,
		logger:   logger,
	}
}

func (s *chatService) OpenSession(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.ChatSession, *domain.QuotaStatus, error) {
	status, err := s.quota.Status(ctx, userID, now)
	if err != nil {
		return nil, nil, err
	}
	return s.sessions.Open(userID, now), status, nil
}

func (s *chatService) SendMessage(ctx context.Context, userID uuid.UUID, session *domain.ChatSession, text string, now time.Time) (*SendResult, error) {
	const op = "chat.send_message"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Invalid(op, "message cannot be empty")
	}
	if session == nil || session.UserID != userID {
		return nil, domain.Errorf(domain.EFORBIDDEN, op, "chat session does not belong to user")
	}

	minutes := domain.EstimateMinutes(text, s.config.CharsPerMinute)
	consumed, err := s.quota.Consume(ctx, userID, minutes, now)
	if err != nil {
		return nil, err
	}

	result := &SendResult{
		Quota:     domain.StatusOf(consumed.Record, now, s.loc),
		Exhausted: consumed.Blocked,
	}

	if consumed.WasBlocked {
		result.Blocked = true
		metrics.ChatMessagesTotal.WithLabelValues(chatOutcomeBlocked).Inc()
		return result, nil
	}
	result.MinutesCharged = consumed.Debited.Applied()

	params := ai.GenerateParams{
		History:      session.History(),
		Message:      text,
		SystemPrompt: s.config.SystemPrompt,
		UserID:       userID,
		SessionID:    session.ID,
	}

	replyText := domain.FallbackReply
	reply, err := s.provider.Generate(ctx, params)
	switch {
	case err != nil:
		result.Degraded = true
		metrics.AIAPICalls.WithLabelValues(s.provider.Name(), "error").Inc()
		s.logger.Error("ai generation failed",
			"user_id", userID,
			"session_id", session.ID,
			"provider", s.provider.Name(),
			"error", err,
		)
	default:
		replyText = reply.Text
		metrics.AIAPICalls.WithLabelValues(s.provider.Name(), "success").Inc()
		metrics.AITokensTotal.WithLabelValues("input").Add(float64(reply.Usage.InputTokens))
		metrics.AITokensTotal.WithLabelValues("output").Add(float64(reply.Usage.OutputTokens))
	}

	userMsg := domain.ChatMessage{Role: domain.ChatRoleUser, Content: text, Timestamp: now}
	assistantMsg := domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: replyText, Timestamp: now}
	session.AppendExchange(userMsg, assistantMsg, result.MinutesCharged)
	result.Reply = &assistantMsg

	outcome := chatOutcomeReplied
	if result.Degraded {
		outcome = chatOutcomeDegraded
	}
	metrics.ChatMessagesTotal.WithLabelValues(outcome).Inc()

	return result, nil
}

func (s *chatService) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	session, release, err := s.sessions.Acquire(p.UserID, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	var key string
	if p.IdempotencyKey != "" && s.replays != nil {
		key = idempotency.Key(p.UserID.String(), p.SessionID.String(), p.IdempotencyKey)

		var prior SendResult
		found, err := s.replays.Get(ctx, key, &prior)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", "session_id", p.SessionID, "error", err)
		} else if found {
			metrics.ChatMessagesTotal.WithLabelValues(chatOutcomeReplayed).Inc()
			return &prior, nil
		}
	}

	result, err := s.SendMessage(ctx, p.UserID, session, p.Text, p.Now)
	if err != nil {
		return nil, err
	}

	// A blocked send consumed nothing, so a retry after a top-up must run.
	if key != "" && !result.Blocked {
		if err := s.replays.Put(ctx, key, result); err != nil {
			s.logger.Warn("idempotency store failed", "session_id", p.SessionID, "error", err)
		}
	}
	return result, nil
}

func (s *chatService) CloseSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	return s.sessions.Close(userID, sessionID)
}

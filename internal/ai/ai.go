// Package ai defines the text-generation collaborator behind the AI coach.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
)

// ChatProvider generates the coach's reply to a learner message.
type ChatProvider interface {
	// Generate returns the assistant reply given the prior conversation and
	// the new learner message.
	Generate(ctx context.Context, params GenerateParams) (*Reply, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// GenerateParams contains parameters for one coaching turn.
type GenerateParams struct {
	History      []domain.ChatMessage // Prior turns, oldest first
	Message      string               // The new learner message
	SystemPrompt string               // Optional override of DefaultSystemPrompt
	UserID       uuid.UUID            // User ID for tracking
	SessionID    uuid.UUID            // Chat session ID for tracking
}

// Reply is the generated assistant message.
type Reply struct {
	Text  string
	Usage UsageInfo
}

// UsageInfo tracks API usage for monitoring.
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	Duration     time.Duration // Request duration
}

// DefaultSystemPrompt instructs the model to act as a bilingual language coach.
const DefaultSystemPrompt = `You are a friendly, patient language coach helping Canadian public servants
prepare for their second-language evaluations in French and English.

Guidelines:
- Reply in the language the learner is practising unless they ask for an explanation in the other language.
- Keep replies short and conversational, then ask a follow-up question to keep the learner talking.
- Gently correct grammar and vocabulary mistakes, quoting the corrected phrase.
- Adapt vocabulary to the learner's apparent level.
- Never invent facts about the learner's test results or schedule.`

// SystemPromptOrDefault returns p.SystemPrompt, falling back to DefaultSystemPrompt.
func (p GenerateParams) SystemPromptOrDefault() string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	return DefaultSystemPrompt
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
	MaxTokens      int           // Upper bound on reply length
}

// WithDefaults fills unset fields.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIContentPolicy indicates the message violates content policy
	EAIContentPolicy = errors.New("message violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")

	// EAIEmptyReply indicates the provider returned no text
	EAIEmptyReply = errors.New("ai provider returned an empty reply")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// cfg.MaxRetries attempts are used. Delays grow as base * 2^(attempt-1).
func Retry[T any](ctx context.Context, cfg ProviderConfig, logger *slog.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := max(1, cfg.MaxRetries)
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == attempts {
			break
		}

		delay := cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Info("Retrying AI request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one immutable turn in a coaching conversation.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is an ephemeral coaching conversation. It lives only as long
// as the coaching view is open; quota side effects are already durable.
type ChatSession struct {
	ID                      uuid.UUID
	UserID                  uuid.UUID
	Messages                []ChatMessage
	MinutesConsumedEstimate int
	CreatedAt               time.Time
}

// NewChatSession opens an empty conversation for userID.
func NewChatSession(userID uuid.UUID, now time.Time) *ChatSession {
	return &ChatSession{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
	}
}

// History returns a copy of the conversation so callers cannot mutate it.
func (s *ChatSession) History() []ChatMessage {
	out := make([]ChatMessage, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// AppendExchange records a user message followed by the assistant reply.
func (s *ChatSession) AppendExchange(user, assistant ChatMessage, minutes int) {
	s.Messages = append(s.Messages, user, assistant)
	s.MinutesConsumedEstimate += minutes
}

// EstimateMinutes converts a message into billable coaching minutes:
// one minute per charsPerMinute characters, at least one per message.
func EstimateMinutes(text string, charsPerMinute int) int {
	if charsPerMinute <= 0 {
		charsPerMinute = DefaultCharsPerMinute
	}
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	return max(1, (n+charsPerMinute-1)/charsPerMinute)
}

// FallbackReply is shown when the AI collaborator fails.
const FallbackReply = "Désolé, je n'ai pas pu répondre pour le moment. Veuillez réessayer. / " +
	"Sorry, I couldn't respond right now. Please try again."

package service

import (
	"sync"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultChatSessionTTL is how long an idle coaching conversation is kept.
const DefaultChatSessionTTL = 2 * time.Hour

// ChatSessions holds open coaching conversations in memory. Conversations
// are not persisted; an evicted session is simply gone.
type ChatSessions struct {
	cache *expirable.LRU[uuid.UUID, *chatSessionEntry]
}

type chatSessionEntry struct {
	mu      sync.Mutex // serialises sends within one conversation
	session *domain.ChatSession
}

// NewChatSessions keeps at most size conversations, each for ttl after its
// last use.
func NewChatSessions(size int, ttl time.Duration) *ChatSessions {
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = DefaultChatSessionTTL
	}
	onEvict := func(uuid.UUID, *chatSessionEntry) {
		metrics.ChatSessionsOpen.Dec()
	}
	return &ChatSessions{cache: expirable.NewLRU(size, onEvict, ttl)}
}

// Open starts a conversation for userID.
func (c *ChatSessions) Open(userID uuid.UUID, now time.Time) *domain.ChatSession {
	sess := domain.NewChatSession(userID, now)
	c.cache.Add(sess.ID, &chatSessionEntry{session: sess})
	metrics.ChatSessionsOpen.Inc()
	return sess
}

// Acquire locks the conversation for exclusive use. The caller must call
// release when done.
func (c *ChatSessions) Acquire(userID, sessionID uuid.UUID) (*domain.ChatSession, func(), error) {
	const op = "chat_sessions.acquire"

	entry, ok := c.cache.Get(sessionID)
	if !ok || entry.session.UserID != userID {
		return nil, nil, domain.NotFound(op, "chat session", sessionID.String())
	}

	entry.mu.Lock()
	// Refresh the TTL so an active conversation is not evicted.
	c.cache.Add(sessionID, entry)
	return entry.session, entry.mu.Unlock, nil
}

// Close ends the conversation. Closing an unknown session is an error.
func (c *ChatSessions) Close(userID, sessionID uuid.UUID) error {
	const op = "chat_sessions.close"

	entry, ok := c.cache.Peek(sessionID)
	if !ok || entry.session.UserID != userID {
		return domain.NotFound(op, "chat session", sessionID.String())
	}
	c.cache.Remove(sessionID)
	return nil
}

// Len returns the number of open conversations.
func (c *ChatSessions) Len() int {
	return c.cache.Len()
}

package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/lingocoach/internal/ai"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatService_SendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	f.ai.Response = "Très bien !"

	session := domain.NewChatSession(userID, f.clock.Now())
	res, err := f.chat.SendMessage(ctx, userID, session, "  Bonjour, comment ça va ?  ", f.clock.Now())
	require.NoError(t, err)

	require.NotNil(t, res.Reply)
	assert.Equal(t, "Très bien !", res.Reply.Content)
	assert.False(t, res.Blocked)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1, res.MinutesCharged)
	assert.Equal(t, 14, res.Quota.DailyRemaining)

	require.Len(t, session.Messages, 2)
	assert.Equal(t, domain.ChatRoleUser, session.Messages[0].Role)
	assert.Equal(t, "Bonjour, comment ça va ?", session.Messages[0].Content)
	assert.Equal(t, domain.ChatRoleAssistant, session.Messages[1].Role)
	assert.Equal(t, 1, session.MinutesConsumedEstimate)
}

func TestChatService_SendMessage_PassesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	session := domain.NewChatSession(userID, f.clock.Now())
	for _, text := range []string{"first", "second", "third"} {
		_, err := f.chat.SendMessage(ctx, userID, session, text, f.clock.Now())
		require.NoError(t, err)
	}

	assert.Len(t, f.ai.LastParams.History, 4)
	assert.Equal(t, "third", f.ai.LastParams.Message)
	assert.Equal(t, session.ID, f.ai.LastParams.SessionID)
	require.Len(t, session.Messages, 6)
	assert.Equal(t, "second", session.Messages[2].Content)
}

func TestChatService_SendMessage_RejectsEmpty(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	session := domain.NewChatSession(userID, f.clock.Now())

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.chat.SendMessage(context.Background(), userID, session, text, f.clock.Now())
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	}
	assert.Equal(t, 0, f.ai.Calls())
}

func TestChatService_SendMessage_ChargesByLength(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	session := domain.NewChatSession(userID, f.clock.Now())

	res, err := f.chat.SendMessage(context.Background(), userID, session, strings.Repeat("a", 1801), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, res.MinutesCharged)
}

func TestChatService_SendMessage_BlockedSkipsAI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	_, err := f.quota.Consume(ctx, userID, 10, f.clock.Now())
	require.NoError(t, err)

	session := domain.NewChatSession(userID, f.clock.Now())
	res, err := f.chat.SendMessage(ctx, userID, session, "encore une question", f.clock.Now())
	require.NoError(t, err)

	assert.True(t, res.Blocked)
	assert.True(t, res.Exhausted)
	assert.Nil(t, res.Reply)
	assert.Equal(t, 0, res.MinutesCharged)
	assert.Empty(t, session.Messages)
	assert.Equal(t, 0, f.ai.Calls())
}

func TestChatService_SendMessage_FallbackKeepsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	f.ai.SetError(ai.WrapError("generate", ai.EAITimeout))

	session := domain.NewChatSession(userID, f.clock.Now())
	res, err := f.chat.SendMessage(ctx, userID, session, "hello", f.clock.Now())
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	require.NotNil(t, res.Reply)
	assert.Equal(t, domain.FallbackReply, res.Reply.Content)
	assert.Equal(t, 1, res.Quota.DailyUsed)
	assert.Len(t, session.Messages, 2)
}

func TestChatService_SendMessage_WrongOwner(t *testing.T) {
	f := newFixture(t)
	owner, other := uuid.New(), uuid.New()
	f.grant(t, other, domain.PlanQuick)

	session := domain.NewChatSession(owner, f.clock.Now())
	_, err := f.chat.SendMessage(context.Background(), other, session, "hi", f.clock.Now())
	assert.Equal(t, domain.EFORBIDDEN, domain.ErrorCode(err))
}

// A 15-minute plan allows fifteen one-minute messages; the sixteenth is
// refused without calling the AI.
func TestChatService_FullDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	session := domain.NewChatSession(userID, f.clock.Now())

	for i := 1; i <= 15; i++ {
		res, err := f.chat.SendMessage(ctx, userID, session, "Je voudrais pratiquer.", f.clock.Now())
		require.NoError(t, err)
		require.False(t, res.Blocked, "message %d", i)
		require.NotNil(t, res.Reply, "message %d", i)
		f.clock.Advance(time.Minute)
	}
	assert.Equal(t, 15, f.ai.Calls())

	res, err := f.chat.SendMessage(ctx, userID, session, "Je voudrais pratiquer.", f.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Nil(t, res.Reply)
	assert.Equal(t, 15, f.ai.Calls())
	assert.Len(t, session.Messages, 30)
}

func TestChatService_Send_Registered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	session, status, err := f.chat.OpenSession(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 15, status.DailyRemaining)

	params := SendParams{
		UserID:         userID,
		SessionID:      session.ID,
		Text:           "Salut",
		IdempotencyKey: "msg-1",
		Now:            f.clock.Now(),
	}
	first, err := f.chat.Send(ctx, params)
	require.NoError(t, err)

	t.Run("retry with the same key replays", func(t *testing.T) {
		again, err := f.chat.Send(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, first.Reply.Content, again.Reply.Content)
		assert.Equal(t, 1, f.ai.Calls())

		rec, err := f.ledger.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.DailyUsedMinutes)
	})

	t.Run("new key charges again", func(t *testing.T) {
		params.IdempotencyKey = "msg-2"
		_, err := f.chat.Send(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, 2, f.ai.Calls())
	})

	t.Run("other users cannot use the session", func(t *testing.T) {
		_, err := f.chat.Send(ctx, SendParams{UserID: uuid.New(), SessionID: session.ID, Text: "hi", Now: f.clock.Now()})
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})

	t.Run("closed sessions are gone", func(t *testing.T) {
		require.NoError(t, f.chat.CloseSession(ctx, userID, session.ID))
		_, err := f.chat.Send(ctx, params)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

func TestChatService_Send_BlockedRetryAfterTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	_, err := f.quota.Consume(ctx, userID, 10, f.clock.Now())
	require.NoError(t, err)

	session, _, err := f.chat.OpenSession(ctx, userID, f.clock.Now())
	require.NoError(t, err)

	params := SendParams{
		UserID:         userID,
		SessionID:      session.ID,
		Text:           "Une dernière question",
		IdempotencyKey: "msg-1",
		Now:            f.clock.Now(),
	}
	blocked, err := f.chat.Send(ctx, params)
	require.NoError(t, err)
	require.True(t, blocked.Blocked)

	_, err = f.quota.CreditTopup(ctx, userID, 60, "cs_topup_1", f.clock.Now())
	require.NoError(t, err)

	// The same key is retried once minutes are available again.
	res, err := f.chat.Send(ctx, params)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	require.NotNil(t, res.Reply)
	assert.Equal(t, 1, res.MinutesCharged)
	assert.Equal(t, 1, f.ai.Calls())

	rec, err := f.ledger.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 59, rec.TopupRemainingMinutes)

	// A successful result is replayed as before.
	again, err := f.chat.Send(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, res.Reply.Content, again.Reply.Content)
	assert.Equal(t, 1, f.ai.Calls())
}

func TestChatService_OpenSession_NoPlan(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.chat.OpenSession(context.Background(), uuid.New(), f.clock.Now())
	assert.Equal(t, domain.ENOENTITLEMENT, domain.ErrorCode(err))
	assert.Equal(t, 0, f.sessions.Len())
}

func TestChatSessions_Expiry(t *testing.T) {
	sessions := NewChatSessions(10, 20*time.Millisecond)
	userID := uuid.New()
	sess := sessions.Open(userID, time.Now())

	_, release, err := sessions.Acquire(userID, sess.ID)
	require.NoError(t, err)
	release()

	time.Sleep(60 * time.Millisecond)
	_, _, err = sessions.Acquire(userID, sess.ID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

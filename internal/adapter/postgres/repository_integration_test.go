package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/amora/realtime/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRepo_CreateAndGet(t *testing.T) {
	repo := NewSessionRepo(setupTestDB(t))
	ctx := context.Background()

	token, created, err := repo.Create(ctx, 42, time.Hour)
	require.NoError(t, err)
	assert.True(t, len(token) > 10)

	got, err := repo.GetByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, domain.UserID(42), got.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, time.Minute)
}

func TestSessionRepo_UnknownExpiredRevoked(t *testing.T) {
	repo := NewSessionRepo(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.GetByToken(ctx, "sess_missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	expired, _, err := repo.Create(ctx, 1, -time.Minute)
	require.NoError(t, err)
	_, err = repo.GetByToken(ctx, expired)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	revoked, _, err := repo.Create(ctx, 2, time.Hour)
	require.NoError(t, err)
	require.NoError(t, repo.Revoke(ctx, revoked))
	_, err = repo.GetByToken(ctx, revoked)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	n, err := repo.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSessionRepo_QueriesAreTraced(t *testing.T) {
	repo := NewSessionRepo(setupTestDB(t))

	_, _ = repo.GetByToken(context.Background(), "sess_x")

	assert.Positive(t, testutil.CollectAndCount(testMetrics.DBQueryDuration))
}

func TestMessageRepo_CreateMessage(t *testing.T) {
	repo := NewMessageRepo(setupTestDB(t))
	ctx := context.Background()

	convID, err := repo.CreateConversation(ctx, 900, 42, 7)
	require.NoError(t, err)

	msg, participants, err := repo.CreateMessage(ctx, 42, convID, "hello")
	require.NoError(t, err)

	assert.Positive(t, msg.ID)
	assert.Equal(t, convID, msg.ConversationID)
	assert.Equal(t, domain.UserID(42), msg.SenderID)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, []domain.UserID{7, 42}, participants)
}

func TestMessageRepo_Errors(t *testing.T) {
	repo := NewMessageRepo(setupTestDB(t))
	ctx := context.Background()

	_, _, err := repo.CreateMessage(ctx, 42, 12345, "hi")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	convID, err := repo.CreateConversation(ctx, 0, 1, 2)
	require.NoError(t, err)

	_, _, err = repo.CreateMessage(ctx, 3, convID, "intruder")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestNotificationRepo_MarkRead(t *testing.T) {
	repo := NewNotificationRepo(setupTestDB(t))
	ctx := context.Background()

	n, err := repo.Create(ctx, 42, "match", "You have a new match")
	require.NoError(t, err)

	count, err := repo.UnreadCount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.MarkRead(ctx, 42, n.ID))
	require.NoError(t, repo.MarkRead(ctx, 42, n.ID))

	count, err = repo.UnreadCount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.ErrorIs(t, repo.MarkRead(ctx, 7, n.ID), domain.ErrNotificationNotFound)
	assert.ErrorIs(t, repo.MarkRead(ctx, 42, 99999), domain.ErrNotificationNotFound)
}

// ABOUTME: Tests for SQLiteStore session and message operations
// ABOUTME: Covers chat uniqueness, takeover expiry, activity ordering and message dedup

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSession(t *testing.T, s Store, id, chat string) *Session {
	t.Helper()
	sess := &Session{
		ID:             id,
		TenantID:       "tenant-1",
		ChannelID:      "ch-1",
		ChatExternalID: chat,
		PhoneNumber:    "15550003333",
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestStore_CreateSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	got, err := store.GetSessionByChat(ctx, "ch-1", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, SessionOpen, got.Status)
	assert.Equal(t, DirectionInbound, got.LastMessageDirection)
	assert.False(t, got.HumanTakeover)
	assert.Nil(t, got.AutoResumeAt)

	err = store.CreateSession(ctx, &Session{ID: "sess-2", TenantID: "tenant-1", ChannelID: "ch-1", ChatExternalID: "chat-1"})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecordSessionActivity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")
	require.NoError(t, store.SetArchived(ctx, "sess-1", true))

	later := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.RecordSessionActivity(ctx, "sess-1", SessionActivity{
		At: later, Direction: DirectionOutbound, Preview: "see you soon",
	}))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "see you soon", got.LastMessage)
	assert.Equal(t, DirectionOutbound, got.LastMessageDirection)
	assert.True(t, got.LastMessageAt.Equal(later))
	assert.False(t, got.IsArchived, "new activity reopens an archived session")

	// Older activity must not overwrite newer
	require.NoError(t, store.RecordSessionActivity(ctx, "sess-1", SessionActivity{
		At: later.Add(-30 * time.Second), Direction: DirectionInbound, Preview: "stale",
	}))
	got, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "see you soon", got.LastMessage)

	err = store.RecordSessionActivity(ctx, "missing", SessionActivity{At: later})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Takeover(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	now := time.Now().UTC()
	resume := now.Add(time.Hour)
	require.NoError(t, store.SetTakeover(ctx, "sess-1", true, &resume))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.HumanTakeover)
	require.NotNil(t, got.AutoResumeAt)
	assert.True(t, got.TakenOver(now))
	assert.False(t, got.TakenOver(resume.Add(time.Second)))

	cleared, err := store.ClearExpiredTakeover(ctx, "sess-1", now)
	require.NoError(t, err)
	assert.False(t, cleared, "resume time not reached yet")

	cleared, err = store.ClearExpiredTakeover(ctx, "sess-1", resume.Add(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = store.ClearExpiredTakeover(ctx, "sess-1", resume.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, cleared, "only one caller clears takeover")

	got, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, got.HumanTakeover)
	assert.Nil(t, got.AutoResumeAt)
}

func TestStore_Takeover_Indefinite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	require.NoError(t, store.SetTakeover(ctx, "sess-1", true, nil))
	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.TakenOver(time.Now().Add(24*365*time.Hour)))

	cleared, err := store.ClearExpiredTakeover(ctx, "sess-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, cleared)

	assert.ErrorIs(t, store.SetTakeover(ctx, "missing", true, nil), ErrNotFound)
}

func TestStore_SessionStatusAndNotice(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	require.NoError(t, store.SetSessionStatus(ctx, "sess-1", SessionEscalated))
	at := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkOutsideHoursNotice(ctx, "sess-1", at))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionEscalated, got.Status)
	require.NotNil(t, got.OutsideHoursNoticeAt)
	assert.True(t, got.OutsideHoursNoticeAt.Equal(at))
}

func TestStore_SaveMessage_Dedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	msg := &Message{ID: "msg-1", SessionID: "sess-1", ExternalID: "wamid.1", Direction: DirectionInbound, Body: "Hi"}
	require.NoError(t, store.SaveMessage(ctx, msg))
	assert.Equal(t, "text", msg.Type)

	dup := &Message{ID: "msg-2", SessionID: "sess-1", ExternalID: "wamid.1", Direction: DirectionInbound, Body: "Hi"}
	assert.ErrorIs(t, store.SaveMessage(ctx, dup), ErrDuplicateMessage)

	// Relay notices carry no external id and never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID: generateTestID("notice", i), SessionID: "sess-1", Direction: DirectionOutbound, Body: "notice", Automated: true,
		}))
	}
}

func TestStore_ListSessionMessages_Order(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveMessage(ctx, &Message{
			ID:        generateTestID("msg", i),
			SessionID: "sess-1",
			Direction: DirectionInbound,
			Body:      generateTestID("body", i),
			SentAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.ListSessionMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "body-a", all[0].Body)

	last, err := store.ListSessionMessages(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "body-d", last[0].Body)
	assert.Equal(t, "body-e", last[1].Body)
}

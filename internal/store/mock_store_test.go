// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on uniqueness, compare-and-swap and takeover edge cases

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateChannel_OnePerTenant(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx, testChannel("ch-1", "tenant-1")))
	assert.ErrorIs(t, store.CreateChannel(ctx, testChannel("ch-2", "tenant-1")), ErrDuplicateChannel)

	// Same external id on a different tenant also collides
	dup := testChannel("ch-3", "tenant-2")
	dup.ExternalID = "ext-ch-1"
	assert.ErrorIs(t, store.CreateChannel(ctx, dup), ErrDuplicateChannel)
}

func TestMockStore_UpdateChannelStatus(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, testChannel("ch-1", "tenant-1")))

	assert.ErrorIs(t, store.UpdateChannelStatus(ctx, "ch-1", ChannelConnected, ChannelPending, ""), ErrInvalidTransition)
	assert.ErrorIs(t, store.UpdateChannelStatus(ctx, "ch-1", ChannelAwaitingScan, ChannelConnected, ""), ErrStatusConflict)
	assert.ErrorIs(t, store.UpdateChannelStatus(ctx, "missing", ChannelPending, ChannelConnected, ""), ErrNotFound)

	require.NoError(t, store.UpdateChannelStatus(ctx, "ch-1", ChannelPending, ChannelConnected, "15550001111"))
	got, err := store.FindConnectedChannelByPhone(ctx, "15550001111")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", got.ID)
}

func TestMockStore_MarkWebhookRegistered(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, testChannel("ch-1", "tenant-1")))

	first, err := store.MarkWebhookRegistered(ctx, "ch-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkWebhookRegistered(ctx, "ch-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestMockStore_GetChannel_ReturnsCopy(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, testChannel("ch-1", "tenant-1")))

	got, err := store.GetChannel(ctx, "ch-1")
	require.NoError(t, err)
	got.Status = ChannelConnected

	again, err := store.GetChannel(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, ChannelPending, again.Status)
}

func TestMockStore_Sessions(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	err := store.CreateSession(ctx, &Session{ID: "sess-2", ChannelID: "ch-1", ChatExternalID: "chat-1"})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	resume := time.Now().Add(time.Hour)
	require.NoError(t, store.SetTakeover(ctx, "sess-1", true, &resume))

	cleared, err := store.ClearExpiredTakeover(ctx, "sess-1", time.Now())
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = store.ClearExpiredTakeover(ctx, "sess-1", resume)
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestMockStore_SaveMessage_Dedup(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	require.NoError(t, store.SaveMessage(ctx, &Message{SessionID: "sess-1", ExternalID: "wamid.1", Direction: DirectionInbound, Body: "Hi"}))
	assert.ErrorIs(t, store.SaveMessage(ctx, &Message{SessionID: "sess-1", ExternalID: "wamid.1", Direction: DirectionInbound, Body: "Hi"}), ErrDuplicateMessage)

	// Saving to a missing session fails like the foreign key does
	assert.Error(t, store.SaveMessage(ctx, &Message{SessionID: "missing", Body: "x"}))
}

func TestMockStore_ListSessionMessages_Limit(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	createTestSession(t, store, "sess-1", "chat-1")

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveMessage(ctx, &Message{
			SessionID: "sess-1",
			Body:      generateTestID("body", i),
			SentAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := store.ListSessionMessages(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "body-c", msgs[0].Body)
	assert.Equal(t, "body-d", msgs[1].Body)
}

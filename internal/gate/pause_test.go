// ABOUTME: Tests for operator pause, resume, escalate and archive
// ABOUTME: Verifies takeover flags and auto-resume timestamps on the stored session

package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestPause_WithDuration(t *testing.T) {
	g, _, sess := setupGate(t, &scriptedMatcher{})

	got, err := g.Pause(context.Background(), sess.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, got.HumanTakeover)
	require.NotNil(t, got.AutoResumeAt)
	assert.True(t, got.AutoResumeAt.Equal(testNow.Add(30*time.Minute)))
	assert.True(t, got.TakenOver(testNow))
	assert.False(t, got.TakenOver(testNow.Add(31*time.Minute)))
}

func TestPause_Indefinite(t *testing.T) {
	g, _, sess := setupGate(t, &scriptedMatcher{})

	got, err := g.Pause(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	assert.True(t, got.HumanTakeover)
	assert.Nil(t, got.AutoResumeAt)
	assert.True(t, got.TakenOver(testNow.Add(24*365*time.Hour)))
}

func TestPause_NegativeDuration(t *testing.T) {
	g, _, sess := setupGate(t, &scriptedMatcher{})
	_, err := g.Pause(context.Background(), sess.ID, -time.Minute)
	assert.Error(t, err)
}

func TestPause_UnknownSession(t *testing.T) {
	g, _, _ := setupGate(t, &scriptedMatcher{})
	_, err := g.Pause(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResume_ClearsTakeoverAndEscalation(t *testing.T) {
	g, _, sess := setupGate(t, &scriptedMatcher{})
	ctx := context.Background()
	require.NoError(t, g.Escalate(ctx, sess.ID))

	got, err := g.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.HumanTakeover)
	assert.Nil(t, got.AutoResumeAt)
	assert.Equal(t, store.SessionOpen, got.Status)
}

func TestEscalate(t *testing.T) {
	g, s, sess := setupGate(t, &scriptedMatcher{})
	ctx := context.Background()
	require.NoError(t, g.Escalate(ctx, sess.ID))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.HumanTakeover)
	assert.Nil(t, got.AutoResumeAt)
	assert.Equal(t, store.SessionEscalated, got.Status)
}

func TestArchive(t *testing.T) {
	g, _, sess := setupGate(t, &scriptedMatcher{})
	got, err := g.Archive(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)
}

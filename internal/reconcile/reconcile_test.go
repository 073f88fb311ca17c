// ABOUTME: Tests for the Status Reconciler
// ABOUTME: Covers status mapping, idempotent webhook registration, stale reads and QR conflicts

package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/store"
)

const hookURL = "https://relay.example/webhooks/gateway"

type fixture struct {
	rec    *Reconciler
	gw     *gatewayclient.Fake
	store  *store.MockStore
	events *events.Recorder
	ch     *store.Channel
}

func setupReconciler(t *testing.T, status store.ChannelStatus) *fixture {
	t.Helper()
	ctx := context.Background()
	gw := gatewayclient.NewFake()
	info, err := gw.CreateChannel(ctx, "tenant-1")
	require.NoError(t, err)

	s := store.NewMockStore()
	ch := &store.Channel{
		ID:            "ch-1",
		TenantID:      "tenant-1",
		ExternalID:    info.ID,
		ExternalToken: info.Token,
		Status:        status,
	}
	require.NoError(t, s.CreateChannel(ctx, ch))

	rec := &events.Recorder{}
	return &fixture{
		rec:    New(s, gw, rec, hookURL, nil),
		gw:     gw,
		store:  s,
		events: rec,
		ch:     ch,
	}
}

func TestCheckStatus_PendingStaysPendingWhileLaunching(t *testing.T) {
	f := setupReconciler(t, store.ChannelPending)

	st, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelPending, st.Status)
	assert.False(t, st.Stale)
	assert.Empty(t, f.events.Events(""))
}

func TestCheckStatus_PendingToAwaitingScan(t *testing.T) {
	f := setupReconciler(t, store.ChannelPending)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthQR, "")

	st, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelAwaitingScan, st.Status)
	assert.Empty(t, f.gw.Webhooks(f.ch.ExternalToken))
	assert.Len(t, f.events.Events(events.ChannelStatusChanged), 1)
}

func TestCheckStatus_ConnectRegistersWebhookOnce(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "15550001111")
	ctx := context.Background()

	first, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	second, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)

	assert.Equal(t, store.ChannelConnected, first.Status)
	assert.Equal(t, "15550001111", first.PhoneNumber)
	assert.True(t, first.WebhookRegistered)
	assert.Equal(t, first, second)

	assert.Equal(t, []string{hookURL}, f.gw.Webhooks(f.ch.ExternalToken))
	assert.Len(t, f.events.Events(events.ChannelStatusChanged), 1)
}

func TestCheckStatus_ConcurrentChecksRegisterOnce(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "15550001111")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.rec.CheckStatus(ctx, f.ch.ID)
			assert.NoError(t, err)
			assert.Equal(t, store.ChannelConnected, st.Status)
		}()
	}
	wg.Wait()

	assert.Len(t, f.gw.Webhooks(f.ch.ExternalToken), 1)
	assert.Len(t, f.events.Events(events.ChannelStatusChanged), 1)
}

func TestCheckStatus_RegistrationLocksReleased(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "15550001111")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.CheckStatus(ctx, f.ch.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f.rec.regMu.Lock()
	defer f.rec.regMu.Unlock()
	assert.Empty(t, f.rec.reg)
}

func TestCheckStatus_RegistrationRetriedAfterFailure(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "15550001111")
	f.gw.SetErr(&f.gw.RegisterErr, &gatewayclient.APIError{Op: "register webhook", StatusCode: 502, Kind: gatewayclient.ErrUnavailable})
	ctx := context.Background()

	st, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelConnected, st.Status)
	assert.False(t, st.WebhookRegistered, "registration is not inferred from status")

	f.gw.SetErr(&f.gw.RegisterErr, nil)
	st, err = f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.True(t, st.WebhookRegistered)
	assert.Len(t, f.gw.Webhooks(f.ch.ExternalToken), 1)
}

func TestCheckStatus_NoWebhookURL(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.rec = New(f.store, f.gw, nil, "", nil)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "1555")

	st, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelConnected, st.Status)
	assert.False(t, st.WebhookRegistered)
}

func TestCheckStatus_WebhookURLLearnedLater(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.rec = New(f.store, f.gw, nil, "", nil)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "1555")
	ctx := context.Background()

	st, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.False(t, st.WebhookRegistered)

	f.rec.SetWebhookURL(hookURL)
	st, err = f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.True(t, st.WebhookRegistered)
	assert.Equal(t, []string{hookURL}, f.gw.Webhooks(f.ch.ExternalToken))
}

func TestCheckStatus_ConnectedToDisconnectedAndBack(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	ctx := context.Background()
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "1555")
	_, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)

	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthQR, "")
	st, err := f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelDisconnected, st.Status)

	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "1555")
	st, err = f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelConnected, st.Status)
	assert.Len(t, f.gw.Webhooks(f.ch.ExternalToken), 1, "registration survives a reconnect")
}

func TestCheckStatus_NeverMovesBackToPending(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, "LAUNCH", "")

	st, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelAwaitingScan, st.Status)
}

func TestCheckStatus_GatewayUnavailableIsStale(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetErr(&f.gw.HealthErr, &gatewayclient.APIError{Op: "check health", Kind: gatewayclient.ErrUnavailable})

	st, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.True(t, st.Stale)
	assert.Equal(t, store.ChannelAwaitingScan, st.Status)
}

func TestCheckStatus_GatewayRejected(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetErr(&f.gw.HealthErr, &gatewayclient.APIError{Op: "check health", StatusCode: 401, Kind: gatewayclient.ErrRejected})

	_, err := f.rec.CheckStatus(context.Background(), f.ch.ID)
	assert.ErrorIs(t, err, gatewayclient.ErrRejected)
}

func TestCheckStatus_UnknownChannel(t *testing.T) {
	f := setupReconciler(t, store.ChannelPending)
	_, err := f.rec.CheckStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetQR_PendingMovesToAwaitingScan(t *testing.T) {
	f := setupReconciler(t, store.ChannelPending)

	qr, err := f.rec.GetQR(context.Background(), f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "qr-"+f.ch.ExternalID, qr.Code)
	assert.False(t, qr.ExpiresAt.IsZero())
	assert.Equal(t, store.ChannelAwaitingScan, qr.Status)
}

func TestGetQR_AlreadyAuthenticatedConnects(t *testing.T) {
	f := setupReconciler(t, store.ChannelAwaitingScan)
	f.gw.SetHealth(f.ch.ExternalToken, gatewayclient.HealthAuth, "+1 (555) 000-2222")
	ctx := context.Background()

	qr, err := f.rec.GetQR(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Empty(t, qr.Code)
	assert.Equal(t, store.ChannelConnected, qr.Status)

	ch, err := f.store.GetChannel(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelConnected, ch.Status)
	assert.Equal(t, "15550002222", ch.PhoneNumber)
	assert.True(t, ch.WebhookRegistered)

	// A later status check does not register again.
	_, err = f.rec.CheckStatus(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Len(t, f.gw.Webhooks(f.ch.ExternalToken), 1)
}

func TestNextStatus(t *testing.T) {
	auth := &gatewayclient.Health{Text: gatewayclient.HealthAuth}
	qr := &gatewayclient.Health{Text: gatewayclient.HealthQR}
	launch := &gatewayclient.Health{Text: "LAUNCH"}

	tests := []struct {
		from store.ChannelStatus
		h    *gatewayclient.Health
		want store.ChannelStatus
	}{
		{store.ChannelPending, launch, store.ChannelPending},
		{store.ChannelPending, qr, store.ChannelAwaitingScan},
		{store.ChannelPending, auth, store.ChannelConnected},
		{store.ChannelAwaitingScan, qr, store.ChannelAwaitingScan},
		{store.ChannelAwaitingScan, auth, store.ChannelConnected},
		{store.ChannelConnected, auth, store.ChannelConnected},
		{store.ChannelConnected, launch, store.ChannelConnected},
		{store.ChannelConnected, qr, store.ChannelDisconnected},
		{store.ChannelDisconnected, qr, store.ChannelDisconnected},
		{store.ChannelDisconnected, auth, store.ChannelConnected},
	}
	for _, tt := range tests {
		got := nextStatus(tt.from, tt.h)
		assert.Equal(t, tt.want, got, "%s with %s", tt.from, tt.h.Text)
		assert.True(t, tt.from.CanTransition(got))
	}
}

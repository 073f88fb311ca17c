// ABOUTME: Status Reconciler: aligns stored channel status with the gateway's view
// ABOUTME: Registers the webhook once per channel on its way into connected

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/store"
)

// Status is the result of a status check.
type Status struct {
	ChannelID         string              `json:"channel_id"`
	Status            store.ChannelStatus `json:"status"`
	PhoneNumber       string              `json:"phone_number,omitempty"`
	WebhookRegistered bool                `json:"webhook_registered"`
	// Stale is set when the gateway could not be reached and the stored status is returned.
	Stale bool `json:"stale"`
}

// QRResult is a pairing code, or the news that pairing already happened.
type QRResult struct {
	Code      string              `json:"qr,omitempty"`
	ExpiresAt time.Time           `json:"expires_at,omitempty"`
	Status    store.ChannelStatus `json:"status"`
}

// Reconciler checks channel status on demand. It owns no timers; callers poll.
type Reconciler struct {
	channels  store.ChannelStore
	gateway   gatewayclient.Client
	publisher events.Publisher
	logger    *slog.Logger

	urlMu      sync.RWMutex
	webhookURL string

	checks singleflight.Group

	regMu sync.Mutex
	reg   map[string]*channelLock // per-channel webhook registration locks
}

// New creates a reconciler. webhookURL is the public address of the webhook
// endpoint; when empty, registration is skipped.
func New(channels store.ChannelStore, gateway gatewayclient.Client, publisher events.Publisher, webhookURL string, logger *slog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		channels:   channels,
		gateway:    gateway,
		publisher:  publisher,
		webhookURL: webhookURL,
		logger:     logger.With("component", "reconcile"),
		reg:        make(map[string]*channelLock),
	}
}

// WebhookURL returns the callback address registered for connected channels.
func (r *Reconciler) WebhookURL() string {
	r.urlMu.RLock()
	defer r.urlMu.RUnlock()
	return r.webhookURL
}

// SetWebhookURL changes the callback address used for channels registered
// from now on. Already registered channels keep their old URL.
func (r *Reconciler) SetWebhookURL(url string) {
	r.urlMu.Lock()
	defer r.urlMu.Unlock()
	r.webhookURL = url
}

// CheckStatus asks the gateway for the channel's state and records any
// change. Concurrent checks of one channel share a single gateway call.
func (r *Reconciler) CheckStatus(ctx context.Context, channelID string) (*Status, error) {
	res := r.checks.DoChan(channelID, func() (any, error) {
		return r.checkStatus(context.WithoutCancel(ctx), channelID)
	})
	select {
	case out := <-res:
		if out.Err != nil {
			return nil, out.Err
		}
		st := *out.Val.(*Status)
		return &st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) checkStatus(ctx context.Context, channelID string) (*Status, error) {
	ch, err := r.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("channel_id", ch.ID)

	// A pending channel may be asleep; ask the gateway to wake it.
	health, err := r.gateway.CheckHealth(ctx, ch.ExternalToken, ch.Status == store.ChannelPending)
	if err != nil {
		if gatewayclient.IsTransient(err) {
			logger.Warn("gateway unavailable, returning stored status", "error", err)
			st := statusOf(ch)
			st.Stale = true
			return st, nil
		}
		return nil, fmt.Errorf("checking channel health: %w", err)
	}

	target := nextStatus(ch.Status, health)
	phone := ""
	if target == store.ChannelConnected {
		phone = gatewayclient.NormalizePhone(health.Phone)
	}

	if target != ch.Status || (phone != "" && phone != ch.PhoneNumber) {
		ch, err = r.transition(ctx, ch, target, phone)
		if err != nil {
			return nil, err
		}
	}

	if ch.Status == store.ChannelConnected && !ch.WebhookRegistered {
		ch.WebhookRegistered = r.ensureWebhook(ctx, ch)
	}
	return statusOf(ch), nil
}

// nextStatus maps the gateway's health onto the stored status. Only forward
// transitions are produced.
func nextStatus(current store.ChannelStatus, h *gatewayclient.Health) store.ChannelStatus {
	switch current {
	case store.ChannelPending:
		if h.Authenticated() {
			return store.ChannelConnected
		}
		if h.ReadyToPair() {
			return store.ChannelAwaitingScan
		}
	case store.ChannelAwaitingScan, store.ChannelDisconnected:
		if h.Authenticated() {
			return store.ChannelConnected
		}
	case store.ChannelConnected:
		// Back to the QR phase means the phone unpaired.
		if h.Text == gatewayclient.HealthQR {
			return store.ChannelDisconnected
		}
	}
	return current
}

// transition moves ch to status to. When another caller moved it first, the
// stored channel is returned as is.
func (r *Reconciler) transition(ctx context.Context, ch *store.Channel, to store.ChannelStatus, phone string) (*store.Channel, error) {
	from := ch.Status
	err := r.channels.UpdateChannelStatus(ctx, ch.ID, from, to, phone)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return nil, fmt.Errorf("updating channel status: %w", err)
	}
	fresh, gerr := r.channels.GetChannel(ctx, ch.ID)
	if gerr != nil {
		return nil, gerr
	}
	if err != nil {
		r.logger.Debug("status changed concurrently", "channel_id", ch.ID, "status", fresh.Status)
		return fresh, nil
	}
	if from != to {
		r.logger.Info("channel status changed", "channel_id", ch.ID, "from", from, "to", to)
		if perr := r.publisher.Publish(ctx, events.New(events.ChannelStatusChanged, ch.TenantID, events.ChannelStatusData{
			ChannelID:   ch.ID,
			From:        string(from),
			To:          string(to),
			PhoneNumber: fresh.PhoneNumber,
		})); perr != nil {
			r.logger.Warn("publishing status change failed", "error", perr)
		}
	}
	return fresh, nil
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

// lockChannel serializes webhook registration per channel. The returned
// func unlocks; the entry is dropped once no caller holds or waits on it.
func (r *Reconciler) lockChannel(id string) func() {
	r.regMu.Lock()
	l, ok := r.reg[id]
	if !ok {
		l = &channelLock{}
		r.reg[id] = l
	}
	l.refs++
	r.regMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.regMu.Lock()
		defer r.regMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(r.reg, id)
		}
	}
}

// ensureWebhook registers the webhook callback unless the stored channel
// says it already is. Reports whether the channel ends up registered. A
// failure is logged and retried on a later check.
func (r *Reconciler) ensureWebhook(ctx context.Context, ch *store.Channel) bool {
	webhookURL := r.WebhookURL()
	if webhookURL == "" {
		r.logger.Debug("no public webhook url configured, skipping registration", "channel_id", ch.ID)
		return false
	}
	unlock := r.lockChannel(ch.ID)
	defer unlock()

	fresh, err := r.channels.GetChannel(ctx, ch.ID)
	if err != nil {
		r.logger.Warn("reloading channel before webhook registration failed", "channel_id", ch.ID, "error", err)
		return false
	}
	if fresh.WebhookRegistered {
		return true
	}

	if err := r.gateway.RegisterWebhook(ctx, fresh.ExternalToken, webhookURL); err != nil {
		r.logger.Warn("webhook registration failed, will retry", "channel_id", ch.ID, "error", err)
		return false
	}
	if _, err := r.channels.MarkWebhookRegistered(ctx, ch.ID); err != nil {
		r.logger.Error("recording webhook registration failed", "channel_id", ch.ID, "error", err)
		return false
	}
	r.logger.Info("webhook registered", "channel_id", ch.ID)
	return true
}

// GetQR fetches a pairing code. A channel the gateway reports as already
// paired is moved to connected and no code is returned.
func (r *Reconciler) GetQR(ctx context.Context, channelID string) (*QRResult, error) {
	ch, err := r.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	qr, err := r.gateway.GetQR(ctx, ch.ExternalToken)
	if errors.Is(err, gatewayclient.ErrAlreadyAuthenticated) {
		return r.pairedDuringQR(ctx, ch)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching qr: %w", err)
	}

	if ch.Status == store.ChannelPending {
		if ch, err = r.transition(ctx, ch, store.ChannelAwaitingScan, ""); err != nil {
			return nil, err
		}
	}
	return &QRResult{Code: qr.Code, ExpiresAt: qr.Expires, Status: ch.Status}, nil
}

func (r *Reconciler) pairedDuringQR(ctx context.Context, ch *store.Channel) (*QRResult, error) {
	phone := ""
	if h, err := r.gateway.CheckHealth(ctx, ch.ExternalToken, false); err == nil {
		phone = gatewayclient.NormalizePhone(h.Phone)
	} else {
		r.logger.Debug("reading phone after pairing failed", "channel_id", ch.ID, "error", err)
	}

	if ch.Status != store.ChannelConnected || (phone != "" && phone != ch.PhoneNumber) {
		var err error
		if ch, err = r.transition(ctx, ch, store.ChannelConnected, phone); err != nil {
			return nil, err
		}
	}
	if ch.Status == store.ChannelConnected && !ch.WebhookRegistered {
		r.ensureWebhook(ctx, ch)
	}
	return &QRResult{Status: ch.Status}, nil
}

func statusOf(ch *store.Channel) *Status {
	return &Status{
		ChannelID:         ch.ID,
		Status:            ch.Status,
		PhoneNumber:       ch.PhoneNumber,
		WebhookRegistered: ch.WebhookRegistered,
	}
}

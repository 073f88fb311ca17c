// ABOUTME: Provisioning Orchestrator: creates, funds and persists a channel, then waits for readiness
// ABOUTME: Compensates partial gateway work and tears channels down on cancel or delete

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/store"
)

var (
	// ErrChannelExists is returned when the tenant already owns a channel.
	ErrChannelExists = errors.New("tenant already has a channel")
	// ErrProvisionInProgress is returned when provisioning for the tenant or channel is already running.
	ErrProvisionInProgress = errors.New("provisioning already in progress")
	// ErrProvisionTimeout is the terminal error of an attempt whose channel never became ready.
	ErrProvisionTimeout = errors.New("channel not ready before provisioning timeout")
	// ErrCancelled is the terminal error of a cancelled attempt.
	ErrCancelled = errors.New("provisioning cancelled")
	// ErrNotPending is returned when retrying a channel that is past provisioning.
	ErrNotPending = errors.New("channel is not pending")
)

const (
	DefaultTimeout      = 120 * time.Second
	DefaultValidityDays = 7
	compensateTimeout   = 30 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	Timeout      time.Duration // readiness wait per attempt
	ValidityDays int           // how long a new channel is funded for
	NamePrefix   string        // prefix of external channel names
}

// Orchestrator provisions channels and owns their background attempts.
type Orchestrator struct {
	channels  store.ChannelStore
	gateway   gatewayclient.Client
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	creating map[string]bool     // tenants in the synchronous create phase
	attempts map[string]*Attempt // by channel ID
}

// New creates an orchestrator. publisher and logger may be nil.
func New(channels store.ChannelStore, gateway gatewayclient.Client, publisher events.Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = DefaultValidityDays
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "coven-relay-"
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		channels:  channels,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "provision"),
		baseCtx:   ctx,
		stop:      stop,
		creating:  make(map[string]bool),
		attempts:  make(map[string]*Attempt),
	}
}

// Provision creates and funds an external channel for the tenant, stores it
// as pending and starts waiting for it to become ready in the background.
// It returns the new channel ID as soon as the row is stored.
func (o *Orchestrator) Provision(ctx context.Context, tenantID, workspaceID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	if err := o.beginCreate(tenantID); err != nil {
		return "", err
	}
	defer o.endCreate(tenantID)

	if _, err := o.channels.GetChannelByTenant(ctx, tenantID); err == nil {
		return "", ErrChannelExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking existing channel: %w", err)
	}

	logger := o.logger.With("tenant_id", tenantID)

	info, err := o.gateway.CreateChannel(ctx, o.cfg.NamePrefix+tenantID)
	if err != nil {
		return "", fmt.Errorf("creating external channel: %w", err)
	}
	logger = logger.With("external_id", info.ID)

	if err := o.gateway.ExtendChannel(ctx, info.ID, o.cfg.ValidityDays); err != nil {
		logger.Warn("funding failed, deleting external channel", "error", err)
		o.compensate(logger, info.ID)
		return "", fmt.Errorf("funding external channel: %w", err)
	}

	ch := &store.Channel{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		WorkspaceID:   workspaceID,
		ExternalID:    info.ID,
		ExternalToken: info.Token,
		Status:        store.ChannelPending,
	}
	if err := o.channels.CreateChannel(ctx, ch); err != nil {
		logger.Warn("storing channel failed, deleting external channel", "error", err)
		o.compensate(logger, info.ID)
		if errors.Is(err, store.ErrDuplicateChannel) {
			return "", ErrChannelExists
		}
		return "", fmt.Errorf("storing channel: %w", err)
	}

	o.start(ch)
	logger.Info("channel provisioned, waiting for readiness", "channel_id", ch.ID)
	return ch.ID, nil
}

func (o *Orchestrator) beginCreate(tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.creating[tenantID] {
		return ErrProvisionInProgress
	}
	for _, a := range o.attempts {
		if a.TenantID == tenantID && a.State() == StateRunning {
			return ErrProvisionInProgress
		}
	}
	o.creating[tenantID] = true
	return nil
}

func (o *Orchestrator) endCreate(tenantID string) {
	o.mu.Lock()
	delete(o.creating, tenantID)
	o.mu.Unlock()
}

// compensate deletes an external channel the relay will not track. It runs
// detached from the request so a cancelled caller still cleans up.
func (o *Orchestrator) compensate(logger *slog.Logger, externalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()
	if err := o.gateway.DeleteChannel(ctx, externalID); err != nil && !errors.Is(err, gatewayclient.ErrNotFound) {
		logger.Error("orphaned external channel, delete it manually", "error", err)
	}
}

// start registers and runs a readiness attempt for ch.
func (o *Orchestrator) start(ch *store.Channel) *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ch)
}

// startLocked is start with o.mu held.
func (o *Orchestrator) startLocked(ch *store.Channel) *Attempt {
	ctx, cancel := context.WithCancel(o.baseCtx)
	a := newAttempt(ch.ID, ch.TenantID, cancel)
	o.attempts[ch.ID] = a

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		state, err := o.run(ctx, ch)
		a.finish(state, err)
	}()
	return a
}

func (o *Orchestrator) run(ctx context.Context, ch *store.Channel) (State, error) {
	logger := o.logger.With("channel_id", ch.ID, "tenant_id", ch.TenantID)

	health, err := o.gateway.WaitForReady(ctx, ch.ExternalToken, o.cfg.Timeout)
	if ctx.Err() != nil {
		logger.Info("provisioning cancelled")
		return StateCancelled, ErrCancelled
	}
	if errors.Is(err, gatewayclient.ErrNotReady) {
		logger.Warn("channel not ready before timeout, left pending", "timeout", o.cfg.Timeout)
		return StateTimedOut, ErrProvisionTimeout
	}
	if err != nil {
		logger.Error("waiting for channel readiness failed", "error", err)
		return StateFailed, err
	}

	to := store.ChannelAwaitingScan
	phone := ""
	if health.Authenticated() {
		to = store.ChannelConnected
		phone = gatewayclient.NormalizePhone(health.Phone)
	}

	err = o.channels.UpdateChannelStatus(context.WithoutCancel(ctx), ch.ID, store.ChannelPending, to, phone)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		// A status check moved the channel first.
		logger.Debug("channel already advanced", "to", to)
		return StateReady, nil
	case errors.Is(err, store.ErrNotFound):
		logger.Info("channel deleted while provisioning")
		return StateCancelled, ErrCancelled
	case err != nil:
		logger.Error("recording readiness failed", "error", err)
		return StateFailed, err
	}

	logger.Info("channel ready", "status", to)
	o.publish(ch.TenantID, events.ChannelStatusData{
		ChannelID:   ch.ID,
		From:        string(store.ChannelPending),
		To:          string(to),
		PhoneNumber: phone,
	})
	return StateReady, nil
}

func (o *Orchestrator) publish(tenantID string, data events.ChannelStatusData) {
	if err := o.publisher.Publish(o.baseCtx, events.New(events.ChannelStatusChanged, tenantID, data)); err != nil {
		o.logger.Warn("publishing status change failed", "error", err)
	}
}

// Attempt returns the most recent attempt for the channel, if any.
func (o *Orchestrator) Attempt(channelID string) (*Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[channelID]
	return a, ok
}

// RetryProvisioning restarts the readiness wait for a channel left pending.
func (o *Orchestrator) RetryProvisioning(ctx context.Context, channelID string) (*Attempt, error) {
	ch, err := o.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Status != store.ChannelPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, ch.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.attempts[channelID]; ok && a.State() == StateRunning {
		return nil, ErrProvisionInProgress
	}

	o.logger.Info("retrying provisioning", "channel_id", channelID)
	return o.startLocked(ch), nil
}

// Cancel aborts provisioning of a channel: it stops any running attempt,
// logs the external channel out, deletes it and removes the local row.
// It applies whatever status the channel reached.
func (o *Orchestrator) Cancel(ctx context.Context, channelID string) error {
	return o.teardown(ctx, channelID)
}

// DeleteChannel removes a channel from the gateway and the store.
func (o *Orchestrator) DeleteChannel(ctx context.Context, channelID string) error {
	return o.teardown(ctx, channelID)
}

// TeardownTenant deletes every channel of the tenant.
func (o *Orchestrator) TeardownTenant(ctx context.Context, tenantID string) error {
	channels, err := o.channels.ListChannelsByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}
	var errs []error
	for _, ch := range channels {
		if err := o.teardown(ctx, ch.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) teardown(ctx context.Context, channelID string) error {
	o.mu.Lock()
	a := o.attempts[channelID]
	delete(o.attempts, channelID)
	o.mu.Unlock()

	if a != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch, err := o.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	logger := o.logger.With("channel_id", ch.ID, "tenant_id", ch.TenantID, "external_id", ch.ExternalID)

	// External cleanup is best effort; the local row goes regardless.
	extCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := o.gateway.LogoutChannel(extCtx, ch.ExternalToken); err != nil && !errors.Is(err, gatewayclient.ErrNotFound) {
		logger.Warn("logging out external channel failed", "error", err)
	}
	if err := o.gateway.DeleteChannel(extCtx, ch.ExternalID); err != nil && !errors.Is(err, gatewayclient.ErrNotFound) {
		logger.Error("deleting external channel failed", "error", err)
	}

	if err := o.channels.DeleteChannel(ctx, ch.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting channel: %w", err)
	}
	logger.Info("channel deleted", "status", ch.Status)
	return nil
}

// Shutdown stops all running attempts and waits for them. Their channels stay
// pending and can be retried later.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

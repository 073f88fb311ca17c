// ABOUTME: Connects recorded inbound messages to the reply gate and composer
// ABOUTME: Loads the tenant profile, applies the gate decision and sends replies or notices

package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/compose"
	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/webhook"
)

// Service answers contact messages automatically.
type Service struct {
	tenants   store.TenantStore
	sessions  store.SessionStore
	gate      *gate.Gate
	composer  *compose.Composer
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// New creates the service. publisher, now and logger may be nil.
func New(tenants store.TenantStore, sessions store.SessionStore, g *gate.Gate, composer *compose.Composer, publisher events.Publisher, now func() time.Time, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tenants:   tenants,
		sessions:  sessions,
		gate:      g,
		composer:  composer,
		publisher: publisher,
		now:       now,
		logger:    logger.With("component", "autoreply"),
	}
}

// HandleInbound runs the gate for a contact message and acts on its decision.
func (s *Service) HandleInbound(ctx context.Context, in webhook.Inbound) error {
	text := strings.TrimSpace(in.Message.Body)
	if in.Message.Type != "text" || text == "" {
		s.logger.Debug("not a text message, no automated reply", "session_id", in.Session.ID, "type", in.Message.Type)
		return nil
	}

	tenant, p, err := s.loadProfile(ctx, in.Channel.TenantID)
	if err != nil {
		return err
	}

	d, err := s.gate.Evaluate(ctx, gate.Input{
		Session:      in.Session,
		Profile:      p,
		Location:     profile.LoadLocation(tenant.Timezone),
		Text:         text,
		HandoffPhone: tenant.HandoffPhone,
	})
	if err != nil {
		return fmt.Errorf("evaluating reply gate: %w", err)
	}

	logger := s.logger.With("session_id", in.Session.ID, "reason", d.Reason)
	if d.Reply {
		return s.reply(ctx, logger, in, p, d)
	}

	var errs []error
	if d.Pause {
		if err := s.pause(ctx, in.Session.ID, d.Reason); err != nil {
			errs = append(errs, err)
		}
	}
	if d.Notice != "" {
		if _, err := s.composer.SendNotice(ctx, in.Channel, in.Session, d.Notice); err != nil {
			errs = append(errs, fmt.Errorf("sending notice: %w", err))
		} else if d.OutsideHoursNotice {
			if err := s.sessions.MarkOutsideHoursNotice(ctx, in.Session.ID, s.now().UTC()); err != nil {
				errs = append(errs, fmt.Errorf("recording notice: %w", err))
			}
		}
	}
	logger.Info("automated reply skipped", "notice", d.Notice != "", "paused", d.Pause)
	return errors.Join(errs...)
}

func (s *Service) reply(ctx context.Context, logger *slog.Logger, in webhook.Inbound, p profile.Profile, d gate.Decision) error {
	kb, err := s.tenants.ListKnowledgeEntries(ctx, in.Channel.TenantID)
	if err != nil {
		return fmt.Errorf("loading knowledge base: %w", err)
	}
	msg, err := s.composer.Reply(ctx, compose.ReplyRequest{
		Channel:   in.Channel,
		Session:   in.Session,
		Profile:   p,
		Scenario:  d.Scenario,
		Knowledge: kb,
		Inbound:   in.Message.Body,
	})
	if err != nil {
		return err
	}

	scenario := ""
	if d.Scenario != nil {
		scenario = d.Scenario.Label
	}
	if err := s.publisher.Publish(ctx, events.New(events.ReplySent, in.Channel.TenantID, events.MessageData{
		ChannelID: in.Channel.ID,
		SessionID: in.Session.ID,
		MessageID: msg.ID,
		Direction: string(store.DirectionOutbound),
		Automated: true,
		Scenario:  scenario,
	})); err != nil {
		logger.Warn("publishing reply event failed", "error", err)
	}
	logger.Info("automated reply sent", "scenario", scenario)
	return nil
}

func (s *Service) pause(ctx context.Context, sessionID string, reason gate.Reason) error {
	if reason == gate.ReasonEscalation {
		if err := s.gate.Escalate(ctx, sessionID); err != nil {
			return fmt.Errorf("escalating session: %w", err)
		}
		return nil
	}
	if _, err := s.gate.Pause(ctx, sessionID, 0); err != nil {
		return fmt.Errorf("pausing session: %w", err)
	}
	return nil
}

// loadProfile returns the tenant and its profile in the current shape. A
// tenant without a profile gets the default one. The stored profile is never
// rewritten here.
func (s *Service) loadProfile(ctx context.Context, tenantID string) (*store.Tenant, profile.Profile, error) {
	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Tenant{ID: tenantID}, profile.Default(), nil
	}
	if err != nil {
		return nil, profile.Profile{}, fmt.Errorf("loading tenant: %w", err)
	}

	p, err := profile.Load(tenant.Profile)
	if errors.Is(err, profile.ErrEmpty) {
		return tenant, profile.Default(), nil
	}
	if err != nil {
		return nil, profile.Profile{}, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	return tenant, p, nil
}

var _ webhook.Dispatcher = (*Service)(nil)

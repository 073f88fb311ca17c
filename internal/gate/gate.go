// ABOUTME: Reply gate deciding per inbound message whether to auto-reply
// ABOUTME: Order: takeover, takeover expiry, schedule, then scenario match with fallback

package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/store"
)

// Matcher picks the scenario an inbound message belongs to. An empty label
// means no scenario matched. escalate is only meaningful with a label.
type Matcher interface {
	MatchScenario(ctx context.Context, text string, scenarios []profile.Scenario) (label string, escalate bool, err error)
}

// Reason explains a decision.
type Reason string

const (
	ReasonScenario     Reason = "scenario"
	ReasonFallback     Reason = "fallback"
	ReasonTakeover     Reason = "human_takeover"
	ReasonOutsideHours Reason = "outside_hours"
	ReasonHandoff      Reason = "handoff"
	ReasonEscalation   Reason = "escalation"
)

// DefaultHandoffMessage is sent when fallback hands the chat to a person and
// the profile has no message of its own.
const DefaultHandoffMessage = "Thanks for your message. A member of our team will get back to you shortly."

// DefaultEscalationMessage is sent when a scenario escalates without a message.
const DefaultEscalationMessage = "I'm passing your conversation to a member of our team, who will contact you shortly."

// Decision is the gate's verdict for one message.
type Decision struct {
	Reply    bool
	Reason   Reason
	Scenario *profile.Scenario // nil when replying with the default style
	Style    profile.Style

	// Notice is text to send to the contact instead of a composed reply.
	Notice string
	// OutsideHoursNotice marks Notice as the once-per-closed-period notice.
	OutsideHoursNotice bool
	// Pause asks the caller to place the session in human takeover.
	Pause bool
	// TakeoverCleared reports that an expired takeover was cleared on the way.
	TakeoverCleared bool
}

// Input is everything the gate looks at.
type Input struct {
	Session      *store.Session
	Profile      profile.Profile
	Location     *time.Location // tenant local time zone, nil means UTC
	Text         string
	HandoffPhone string // tenant fallback when the profile has none
}

// Gate evaluates inbound messages and owns pause and resume.
type Gate struct {
	sessions store.SessionStore
	matcher  Matcher
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a gate. now defaults to time.Now.
func New(sessions store.SessionStore, matcher Matcher, now func() time.Time, logger *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sessions: sessions,
		matcher:  matcher,
		now:      now,
		logger:   logger.With("component", "gate"),
	}
}

// Evaluate decides whether in.Session should get an automated reply to in.Text.
func (g *Gate) Evaluate(ctx context.Context, in Input) (Decision, error) {
	now := g.now()
	sess := in.Session
	p := in.Profile

	if sess.TakenOver(now) {
		return Decision{Reason: ReasonTakeover}, nil
	}

	var cleared bool
	if sess.AutoResumeAt != nil && !now.Before(*sess.AutoResumeAt) {
		ok, err := g.sessions.ClearExpiredTakeover(ctx, sess.ID, now)
		if err != nil {
			return Decision{}, fmt.Errorf("clearing expired takeover: %w", err)
		}
		cleared = ok
		if ok {
			g.logger.Info("takeover expired, automated replies resumed", "session_id", sess.ID)
		}
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	if p.Schedule.Restricted() && !p.Schedule.IsOpen(now, loc) {
		d := Decision{Reason: ReasonOutsideHours, TakeoverCleared: cleared}
		if msg := p.Schedule.OutsideHoursMessage; msg != "" {
			closedSince := p.Schedule.ClosedSince(now, loc)
			if sess.OutsideHoursNoticeAt == nil || sess.OutsideHoursNoticeAt.Before(closedSince) {
				d.Notice = msg
				d.OutsideHoursNotice = true
			}
		}
		return d, nil
	}

	label, escalate, err := g.matcher.MatchScenario(ctx, in.Text, p.Flow.Scenarios)
	if err != nil {
		return Decision{}, err
	}

	if label != "" {
		if sc, ok := p.Scenario(label); ok {
			if escalate {
				msg := sc.EscalationMessage
				if msg == "" {
					msg = DefaultEscalationMessage
				}
				return Decision{Reason: ReasonEscalation, Scenario: sc, Notice: msg, Pause: true, TakeoverCleared: cleared}, nil
			}
			style := p.DefaultStyle
			if sc.Style != nil {
				style = sc.Style.Merge(p.DefaultStyle)
			}
			return Decision{Reply: true, Reason: ReasonScenario, Scenario: sc, Style: style, TakeoverCleared: cleared}, nil
		}
	}

	if p.Flow.FallbackMode == profile.FallbackHumanHandle {
		phone := p.HandoffPhone
		if phone == "" {
			phone = in.HandoffPhone
		}
		return Decision{
			Reason:          ReasonHandoff,
			Notice:          HandoffNotice(p.Flow.HandoffMessage, phone),
			Pause:           true,
			TakeoverCleared: cleared,
		}, nil
	}

	return Decision{Reply: true, Reason: ReasonFallback, Style: p.DefaultStyle, TakeoverCleared: cleared}, nil
}

// HandoffNotice builds the human-handoff text, mentioning phone when set.
func HandoffNotice(message, phone string) string {
	if strings.TrimSpace(message) == "" {
		message = DefaultHandoffMessage
	}
	if phone == "" {
		return message
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return message + " You can also reach us at " + phone + "."
}

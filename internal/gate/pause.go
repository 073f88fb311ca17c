// ABOUTME: Operator pause and resume of automated replies on a session
// ABOUTME: Pause sets human takeover with an optional auto-resume time; resume clears both

package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Pause puts the session in human takeover. A positive duration schedules
// automatic resumption; zero pauses until Resume.
func (g *Gate) Pause(ctx context.Context, sessionID string, duration time.Duration) (*store.Session, error) {
	if duration < 0 {
		return nil, fmt.Errorf("pause duration must not be negative")
	}
	var resumeAt *time.Time
	if duration > 0 {
		t := g.now().Add(duration).UTC()
		resumeAt = &t
	}
	if err := g.sessions.SetTakeover(ctx, sessionID, true, resumeAt); err != nil {
		return nil, err
	}
	g.logger.Info("session paused", "session_id", sessionID, "auto_resume_at", resumeAt)
	return g.sessions.GetSession(ctx, sessionID)
}

// Resume clears takeover and any auto-resume time, and reopens an escalated session.
func (g *Gate) Resume(ctx context.Context, sessionID string) (*store.Session, error) {
	if err := g.sessions.SetTakeover(ctx, sessionID, false, nil); err != nil {
		return nil, err
	}
	if err := g.sessions.SetSessionStatus(ctx, sessionID, store.SessionOpen); err != nil {
		return nil, err
	}
	g.logger.Info("session resumed", "session_id", sessionID)
	return g.sessions.GetSession(ctx, sessionID)
}

// Escalate pauses the session indefinitely and marks it escalated.
func (g *Gate) Escalate(ctx context.Context, sessionID string) error {
	if err := g.sessions.SetTakeover(ctx, sessionID, true, nil); err != nil {
		return err
	}
	return g.sessions.SetSessionStatus(ctx, sessionID, store.SessionEscalated)
}

// Archive hides the session until its next inbound message.
func (g *Gate) Archive(ctx context.Context, sessionID string) (*store.Session, error) {
	if err := g.sessions.SetArchived(ctx, sessionID, true); err != nil {
		return nil, err
	}
	return g.sessions.GetSession(ctx, sessionID)
}

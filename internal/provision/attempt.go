// ABOUTME: Attempt tracks one background readiness wait for a provisioned channel
// ABOUTME: Callers observe its state, wait for it, or cancel it through the orchestrator

package provision

import (
	"context"
	"sync"
	"time"
)

// State of a provisioning attempt.
type State int

const (
	StateRunning State = iota
	StateReady
	StateTimedOut
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt is the background part of provisioning a channel: waiting for the
// gateway to report the channel ready to pair.
type Attempt struct {
	ChannelID string
	TenantID  string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

func newAttempt(channelID, tenantID string, cancel context.CancelFunc) *Attempt {
	return &Attempt{
		ChannelID: channelID,
		TenantID:  tenantID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the terminal error, nil while running or after success.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed when the attempt finishes.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt finishes or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (State, error) {
	select {
	case <-a.done:
		return a.State(), a.Err()
	case <-ctx.Done():
		return StateRunning, ctx.Err()
	}
}

func (a *Attempt) finish(state State, err error) {
	a.mu.Lock()
	a.state = state
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

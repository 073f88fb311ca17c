// ABOUTME: Domain events emitted by the relay and the publisher contract
// ABOUTME: Events travel in a {meta, data} envelope keyed by event type

package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types, also used as routing keys.
const (
	ChannelStatusChanged = "channel.status_changed.v1"
	MessageReceived      = "message.received.v1"
	ReplySent            = "reply.sent.v1"
)

// Producer names this service in event metadata.
const Producer = "coven-relay"

// Meta describes one event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Producer string    `json:"producer"`
	TenantID string    `json:"tenant_id,omitempty"`
}

// Envelope is the wire form of an event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// New wraps data in an envelope with a fresh ID.
func New(eventType, tenantID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Time:     time.Now().UTC(),
			Producer: Producer,
			TenantID: tenantID,
		},
		Data: data,
	}
}

// ChannelStatusData is the payload of ChannelStatusChanged.
type ChannelStatusData struct {
	ChannelID   string `json:"channel_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// MessageData is the payload of MessageReceived and ReplySent.
type MessageData struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Direction string `json:"direction"`
	Automated bool   `json:"automated,omitempty"`
	Scenario  string `json:"scenario,omitempty"`
}

// Publisher delivers events. Publishing failures never affect the operation
// that produced the event; callers log them.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, e Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns published events of the given type, or all when eventType is empty.
func (r *Recorder) Events(eventType string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.events {
		if eventType == "" || e.Meta.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

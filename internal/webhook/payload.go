// ABOUTME: Wire format of gateway webhook deliveries
// ABOUTME: A delivery carries a batch of messages; timestamps are unix seconds

package webhook

import (
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/store"
)

// Payload is one webhook delivery.
type Payload struct {
	ChannelID string           `json:"channel_id,omitempty"`
	Messages  []InboundMessage `json:"messages"`
}

// InboundMessage is a message event as the gateway reports it.
type InboundMessage struct {
	ID        string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	ChatID    string `json:"chat_id"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SentAt returns the message time, or fallback when the gateway sent none.
func (m InboundMessage) SentAt(fallback time.Time) time.Time {
	if m.Timestamp <= 0 {
		return fallback
	}
	return time.Unix(m.Timestamp, 0).UTC()
}

// SelfSent reports whether the sender and recipient are the same number.
func (m InboundMessage) SelfSent() bool {
	from := gatewayclient.NormalizePhone(m.From)
	return from != "" && from == gatewayclient.NormalizePhone(m.To)
}

// chatKey orders processing: messages with the same key run one at a time.
func (m InboundMessage) chatKey() string {
	if m.ChatID != "" {
		return gatewayclient.NormalizeChatID(m.ChatID)
	}
	return gatewayclient.NormalizeChatID(m.From)
}

// contactChat is the chat of the contact on the other side of the channel.
// Without a chat id that is the sender of an inbound message and the
// recipient of one sent from the tenant's phone.
func (m InboundMessage) contactChat(dir store.Direction) string {
	if m.ChatID != "" {
		return gatewayclient.NormalizeChatID(m.ChatID)
	}
	if dir == store.DirectionOutbound {
		return gatewayclient.NormalizeChatID(m.To)
	}
	return gatewayclient.NormalizeChatID(m.From)
}

func (m InboundMessage) msgType() string {
	if t := strings.TrimSpace(m.Type); t != "" {
		return t
	}
	return "text"
}

// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines Tenant, Channel, Session, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChannel is returned when a tenant already owns a channel or the
// external channel ID is already claimed by another row.
var ErrDuplicateChannel = errors.New("channel already exists")

// ErrDuplicateSession is returned when a session for the (channel, chat) pair already exists
var ErrDuplicateSession = errors.New("session already exists")

// ErrDuplicateMessage is returned when a message with the same external ID was already stored in the session
var ErrDuplicateMessage = errors.New("message already stored")

// ErrStatusConflict is returned when a compare-and-swap status update loses the race
var ErrStatusConflict = errors.New("channel status changed concurrently")

// ErrInvalidTransition is returned when a status update would move a channel backwards
var ErrInvalidTransition = errors.New("invalid channel status transition")

// ChannelStatus is the operator-visible connection state of a channel
type ChannelStatus string

const (
	ChannelPending      ChannelStatus = "pending"
	ChannelAwaitingScan ChannelStatus = "awaiting_scan"
	ChannelConnected    ChannelStatus = "connected"
	ChannelDisconnected ChannelStatus = "disconnected"
)

// channelTransitions lists the forward moves a channel may make. Going back to
// pending requires deleting and recreating the channel.
var channelTransitions = map[ChannelStatus][]ChannelStatus{
	ChannelPending:      {ChannelAwaitingScan, ChannelConnected},
	ChannelAwaitingScan: {ChannelConnected, ChannelDisconnected},
	ChannelConnected:    {ChannelDisconnected},
	ChannelDisconnected: {ChannelConnected},
}

// CanTransition reports whether a channel in status s may move to status to.
// Rewriting the same status is always allowed.
func (s ChannelStatus) CanTransition(to ChannelStatus) bool {
	if s == to {
		return true
	}
	for _, next := range channelTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s ChannelStatus) Valid() bool {
	_, ok := channelTransitions[s]
	return ok
}

// Tenant is the owner of a channel and its reply configuration
type Tenant struct {
	ID           string
	Name         string
	Timezone     string // IANA zone used for business hours, empty means UTC
	Profile      []byte // raw reply profile JSON, current or legacy shape
	HandoffPhone string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Channel is one phone-number-backed connection to the messaging gateway.
// ExternalToken authenticates calls to the gateway and must never leave the server.
type Channel struct {
	ID                string
	TenantID          string
	WorkspaceID       string
	ExternalID        string
	ExternalToken     string
	Status            ChannelStatus
	PhoneNumber       string
	WebhookRegistered bool
	ReplyOverrides    string // channel-level instructions appended to every reply prompt
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Direction of a message relative to the tenant's channel
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SessionStatus values
const (
	SessionOpen      = "open"
	SessionEscalated = "escalated"
)

// Session is a conversation between one contact and a tenant's channel
type Session struct {
	ID                   string
	TenantID             string
	ChannelID            string
	ChatExternalID       string
	PhoneNumber          string
	Status               string // open, escalated
	IsArchived           bool
	HumanTakeover        bool
	AutoResumeAt         *time.Time
	OutsideHoursNoticeAt *time.Time
	LastMessage          string
	LastMessageAt        time.Time
	LastMessageDirection Direction
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TakenOver reports whether automated replies are suppressed at the given time.
func (s *Session) TakenOver(now time.Time) bool {
	if !s.HumanTakeover {
		return false
	}
	return s.AutoResumeAt == nil || now.Before(*s.AutoResumeAt)
}

// Message is a stored inbound or outbound chat message
type Message struct {
	ID         string
	SessionID  string
	ExternalID string // gateway message id, dedup key within the session
	Direction  Direction
	Type       string // text, image, notice, ...
	Body       string
	Automated  bool // true when produced by the relay rather than a person
	SentAt     time.Time
	CreatedAt  time.Time
}

// KnowledgeEntry is a tenant-provided fact injected into reply instructions
type KnowledgeEntry struct {
	ID        string
	TenantID  string
	Title     string
	Content   string
	CreatedAt time.Time
}

// SessionActivity describes the latest message seen on a session
type SessionActivity struct {
	At        time.Time
	Direction Direction
	Preview   string
}

// ChannelStore holds the persisted state of gateway connections
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	GetChannelByTenant(ctx context.Context, tenantID string) (*Channel, error)
	ListChannelsByTenant(ctx context.Context, tenantID string) ([]*Channel, error)
	FindConnectedChannelByPhone(ctx context.Context, phone string) (*Channel, error)
	// UpdateChannelStatus moves a channel from one status to another only if it
	// is still in the from status. phone is recorded when non-empty.
	UpdateChannelStatus(ctx context.Context, id string, from, to ChannelStatus, phone string) error
	// MarkWebhookRegistered sets webhook_registered and reports whether this call flipped it.
	MarkWebhookRegistered(ctx context.Context, id string) (bool, error)
	DeleteChannel(ctx context.Context, id string) error
}

// SessionStore holds conversations and their messages
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByChat(ctx context.Context, channelID, chatExternalID string) (*Session, error)
	RecordSessionActivity(ctx context.Context, id string, activity SessionActivity) error
	SetTakeover(ctx context.Context, id string, takeover bool, resumeAt *time.Time) error
	// ClearExpiredTakeover clears takeover only if auto_resume_at is set and not after now.
	ClearExpiredTakeover(ctx context.Context, id string, now time.Time) (bool, error)
	SetSessionStatus(ctx context.Context, id, status string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	MarkOutsideHoursNotice(ctx context.Context, id string, at time.Time) error

	SaveMessage(ctx context.Context, msg *Message) error
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// TenantStore holds tenants, their reply profiles and knowledge entries
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	UpdateTenantProfile(ctx context.Context, id string, profile []byte) error

	CreateKnowledgeEntry(ctx context.Context, e *KnowledgeEntry) error
	ListKnowledgeEntries(ctx context.Context, tenantID string) ([]*KnowledgeEntry, error)
}

// AuditStore records operator actions
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the complete persistence surface of the relay
type Store interface {
	ChannelStore
	SessionStore
	TenantStore
	AuditStore

	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

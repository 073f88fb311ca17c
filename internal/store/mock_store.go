// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same uniqueness and CAS rules

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	tenants   map[string]*Tenant
	channels  map[string]*Channel // keyed by channel ID
	sessions  map[string]*Session // keyed by session ID
	chatIndex map[string]string   // keyed by "channelID:chatExternalID" -> session ID
	messages  map[string][]*Message
	knowledge map[string][]*KnowledgeEntry // keyed by tenant ID
	audit     []AuditEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants:   make(map[string]*Tenant),
		channels:  make(map[string]*Channel),
		sessions:  make(map[string]*Session),
		chatIndex: make(map[string]string),
		messages:  make(map[string][]*Message),
		knowledge: make(map[string][]*KnowledgeEntry),
	}
}

// CreateChannel stores a new channel, enforcing one channel per tenant.
func (m *MockStore) CreateChannel(ctx context.Context, ch *Channel) error {
	if !ch.Status.Valid() {
		return fmt.Errorf("creating channel: unknown status %q", ch.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.channels {
		if existing.ID == ch.ID || existing.TenantID == ch.TenantID || existing.ExternalID == ch.ExternalID {
			return ErrDuplicateChannel
		}
	}
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = ch.CreatedAt
	}
	c := *ch
	m.channels[c.ID] = &c
	return nil
}

// GetChannel retrieves a channel by ID.
func (m *MockStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *ch
	return &result, nil
}

// GetChannelByTenant retrieves the channel owned by a tenant.
func (m *MockStore) GetChannelByTenant(ctx context.Context, tenantID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.TenantID == tenantID {
			result := *ch
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListChannelsByTenant returns every channel of a tenant, oldest first.
func (m *MockStore) ListChannelsByTenant(ctx context.Context, tenantID string) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Channel
	for _, ch := range m.channels {
		if ch.TenantID == tenantID {
			c := *ch
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FindConnectedChannelByPhone returns the connected channel whose number is phone.
func (m *MockStore) FindConnectedChannelByPhone(ctx context.Context, phone string) (*Channel, error) {
	if phone == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Channel
	for _, ch := range m.channels {
		if ch.PhoneNumber != phone || ch.Status != ChannelConnected {
			continue
		}
		if found == nil || ch.UpdatedAt.After(found.UpdatedAt) {
			found = ch
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	return &result, nil
}

// UpdateChannelStatus performs a compare-and-swap on the channel status.
func (m *MockStore) UpdateChannelStatus(ctx context.Context, id string, from, to ChannelStatus, phone string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return ErrNotFound
	}
	if ch.Status != from {
		return ErrStatusConflict
	}
	ch.Status = to
	if phone != "" {
		ch.PhoneNumber = phone
	}
	ch.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkWebhookRegistered flips webhook_registered and reports whether this call did it.
func (m *MockStore) MarkWebhookRegistered(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok {
		return false, ErrNotFound
	}
	if ch.WebhookRegistered {
		return false, nil
	}
	ch.WebhookRegistered = true
	ch.UpdatedAt = time.Now().UTC()
	return true, nil
}

// DeleteChannel removes a channel.
func (m *MockStore) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return ErrNotFound
	}
	delete(m.channels, id)
	return nil
}

func chatKey(channelID, chatExternalID string) string {
	return channelID + ":" + chatExternalID
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chatKey(sess.ChannelID, sess.ChatExternalID)
	if _, exists := m.chatIndex[key]; exists {
		return ErrDuplicateSession
	}
	if _, exists := m.sessions[sess.ID]; exists {
		return ErrDuplicateSession
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.LastMessageAt.IsZero() {
		sess.LastMessageAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = SessionOpen
	}
	if sess.LastMessageDirection == "" {
		sess.LastMessageDirection = DirectionInbound
	}

	s := copySession(sess)
	m.sessions[s.ID] = s
	m.chatIndex[key] = s.ID
	return nil
}

func copySession(s *Session) *Session {
	c := *s
	if s.AutoResumeAt != nil {
		t := *s.AutoResumeAt
		c.AutoResumeAt = &t
	}
	if s.OutsideHoursNoticeAt != nil {
		t := *s.OutsideHoursNoticeAt
		c.OutsideHoursNoticeAt = &t
	}
	return &c
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// GetSessionByChat retrieves the session for a (channel, chat) pair.
func (m *MockStore) GetSessionByChat(ctx context.Context, channelID, chatExternalID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.chatIndex[chatKey(channelID, chatExternalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(m.sessions[id]), nil
}

// withSession applies fn to a stored session under the write lock.
func (m *MockStore) withSession(id string, fn func(s *Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordSessionActivity stores the latest message preview unless newer activity exists.
func (m *MockStore) RecordSessionActivity(ctx context.Context, id string, a SessionActivity) error {
	return m.withSession(id, func(s *Session) {
		if a.At.Before(s.LastMessageAt) {
			return
		}
		s.LastMessage = a.Preview
		s.LastMessageAt = a.At
		s.LastMessageDirection = a.Direction
		s.IsArchived = false
	})
}

// SetTakeover sets or clears human takeover.
func (m *MockStore) SetTakeover(ctx context.Context, id string, takeover bool, resumeAt *time.Time) error {
	return m.withSession(id, func(s *Session) {
		s.HumanTakeover = takeover
		s.AutoResumeAt = nil
		if resumeAt != nil {
			t := *resumeAt
			s.AutoResumeAt = &t
		}
	})
}

// ClearExpiredTakeover clears takeover when its auto-resume time has passed.
func (m *MockStore) ClearExpiredTakeover(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	if s.AutoResumeAt == nil || s.AutoResumeAt.After(now) {
		return false, nil
	}
	s.HumanTakeover = false
	s.AutoResumeAt = nil
	s.Status = SessionOpen
	s.UpdatedAt = now
	return true, nil
}

// SetSessionStatus updates the session status.
func (m *MockStore) SetSessionStatus(ctx context.Context, id, status string) error {
	return m.withSession(id, func(s *Session) { s.Status = status })
}

// SetArchived archives or unarchives a session.
func (m *MockStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return m.withSession(id, func(s *Session) { s.IsArchived = archived })
}

// MarkOutsideHoursNotice records when the outside-hours notice was last sent.
func (m *MockStore) MarkOutsideHoursNotice(ctx context.Context, id string, at time.Time) error {
	return m.withSession(id, func(s *Session) {
		t := at
		s.OutsideHoursNoticeAt = &t
	})
}

// SaveMessage stores a message, rejecting a repeated external ID within the session.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("inserting message: session %s does not exist", msg.SessionID)
	}
	if msg.ExternalID != "" {
		for _, existing := range m.messages[msg.SessionID] {
			if existing.ExternalID == msg.ExternalID {
				return ErrDuplicateMessage
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}
	c := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &c)
	return nil
}

// ListSessionMessages returns the most recent limit messages in chronological order.
func (m *MockStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		c := *msg
		msgs = append(msgs, &c)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// CreateTenant stores a tenant.
func (m *MockStore) CreateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[t.ID]; exists {
		return fmt.Errorf("inserting tenant: %s already exists", t.ID)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	c := *t
	c.Profile = append([]byte(nil), t.Profile...)
	m.tenants[c.ID] = &c
	return nil
}

// GetTenant retrieves a tenant by ID.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	c.Profile = append([]byte(nil), t.Profile...)
	return &c, nil
}

// UpdateTenantProfile replaces the stored reply profile.
func (m *MockStore) UpdateTenantProfile(ctx context.Context, id string, profile []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Profile = append([]byte(nil), profile...)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateKnowledgeEntry stores a knowledge entry for a tenant.
func (m *MockStore) CreateKnowledgeEntry(ctx context.Context, e *KnowledgeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	m.knowledge[e.TenantID] = append(m.knowledge[e.TenantID], &c)
	return nil
}

// ListKnowledgeEntries returns a tenant's knowledge entries, oldest first.
func (m *MockStore) ListKnowledgeEntries(ctx context.Context, tenantID string) ([]*KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KnowledgeEntry
	for _, e := range m.knowledge[tenantID] {
		c := *e
		result = append(result, &c)
	}
	return result, nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.TenantID != nil && e.TenantID != *f.TenantID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Ping is a no-op for the mock store.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)

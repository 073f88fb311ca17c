// ABOUTME: Webhook Router: resolves the owning channel, deduplicates and records inbound messages
// ABOUTME: Messages of one chat are processed in delivery order; chats run independently

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/store"
)

// Inbound is a recorded contact message handed to the dispatcher.
type Inbound struct {
	Channel *store.Channel
	Session *store.Session
	Message *store.Message
	// NewSession is set when this message opened the session.
	NewSession bool
}

// Dispatcher receives every recorded inbound message.
type Dispatcher interface {
	HandleInbound(ctx context.Context, in Inbound) error
}

// Store is the persistence the router needs.
type Store interface {
	FindConnectedChannelByPhone(ctx context.Context, phone string) (*store.Channel, error)
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	GetSessionByChat(ctx context.Context, channelID, chatExternalID string) (*store.Session, error)
	CreateSession(ctx context.Context, s *store.Session) error
	SaveMessage(ctx context.Context, msg *store.Message) error
	RecordSessionActivity(ctx context.Context, id string, activity store.SessionActivity) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Router processes webhook messages.
type Router struct {
	store      Store
	seen       *dedupe.Cache
	dispatcher Dispatcher
	publisher  events.Publisher
	now        func() time.Time
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*chatQueue

	// stored holds messages saved whose session update failed, by delivery
	// key. A redelivery resumes from the save instead of skipping as a duplicate.
	storedMu sync.Mutex
	stored   map[string]*storedMessage
}

type storedMessage struct {
	session *store.Session
	message *store.Message
	created bool
}

type chatQueue struct {
	pending []InboundMessage
}

// NewRouter creates a router. dispatcher, publisher and logger may be nil.
func NewRouter(s Store, seen *dedupe.Cache, dispatcher Dispatcher, publisher events.Publisher, logger *slog.Logger) *Router {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:      s,
		seen:       seen,
		dispatcher: dispatcher,
		publisher:  publisher,
		now:        time.Now,
		logger:     logger.With("component", "webhook"),
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*chatQueue),
		stored:     make(map[string]*storedMessage),
	}
}

// Enqueue schedules every message of the payload. It returns at once;
// messages are processed in the background, in order per chat.
func (r *Router) Enqueue(p Payload) {
	for _, m := range p.Messages {
		key := m.chatKey()

		r.mu.Lock()
		q, running := r.queues[key]
		if !running {
			q = &chatQueue{}
			r.queues[key] = q
		}
		q.pending = append(q.pending, m)
		r.mu.Unlock()

		if !running {
			r.wg.Add(1)
			go r.drain(key, q)
		}
	}
}

func (r *Router) drain(key string, q *chatQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.pending) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		m := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		if err := r.Process(r.ctx, m); err != nil {
			r.logger.Error("processing webhook message failed", "message_id", m.ID, "error", err)
		}
	}
}

// Process records one message and dispatches it when it came from a contact.
// Messages that cannot be attributed to a connected channel are dropped.
func (r *Router) Process(ctx context.Context, m InboundMessage) error {
	if m.ID == "" {
		r.logger.Warn("dropping message without id")
		return nil
	}
	if m.SelfSent() {
		r.logger.Debug("skipping self-sent message", "message_id", m.ID)
		return nil
	}

	ch, dir, err := r.resolve(ctx, m)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("no connected channel for message, dropping", "message_id", m.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving channel: %w", err)
	}

	key := dedupe.MessageKey(ch.ID, m.ID)
	if !r.seen.Claim(key) {
		r.logger.Debug("duplicate delivery", "message_id", m.ID, "channel_id", ch.ID)
		return nil
	}

	in, err := r.record(ctx, key, ch, dir, m)
	if errors.Is(err, store.ErrDuplicateMessage) {
		r.logger.Debug("message already stored", "message_id", m.ID, "channel_id", ch.ID)
		return nil
	}
	if err != nil {
		// Let a redelivery try again.
		r.seen.Forget(key)
		return err
	}

	r.publish(ch.TenantID, events.MessageReceived, in)

	if dir == store.DirectionOutbound || r.dispatcher == nil {
		return nil
	}
	if err := r.dispatcher.HandleInbound(ctx, *in); err != nil {
		return fmt.Errorf("dispatching message: %w", err)
	}
	return nil
}

// resolve finds the connected channel owning the message. A message to the
// channel's number is inbound; one from it was sent by the tenant's phone.
func (r *Router) resolve(ctx context.Context, m InboundMessage) (*store.Channel, store.Direction, error) {
	ch, err := r.store.FindConnectedChannelByPhone(ctx, gatewayclient.NormalizePhone(m.To))
	if err == nil {
		return ch, store.DirectionInbound, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	ch, err = r.store.FindConnectedChannelByPhone(ctx, gatewayclient.NormalizePhone(m.From))
	if err != nil {
		return nil, "", err
	}
	return ch, store.DirectionOutbound, nil
}

// record stores the message and applies it to its session. When the session
// update fails after the save, the saved message is kept under key so the
// next delivery of the same message completes the update.
func (r *Router) record(ctx context.Context, key string, ch *store.Channel, dir store.Direction, m InboundMessage) (*Inbound, error) {
	sm := r.takeStored(key)
	if sm == nil {
		var err error
		if sm, err = r.save(ctx, ch, dir, m); err != nil {
			return nil, err
		}
	}

	if err := r.store.RecordSessionActivity(ctx, sm.session.ID, store.SessionActivity{
		At:        sm.message.SentAt,
		Direction: dir,
		Preview:   store.Preview(sm.message.Body, sm.message.Type),
	}); err != nil {
		r.keepStored(key, sm)
		return nil, fmt.Errorf("updating session: %w", err)
	}
	sess, err := r.store.GetSession(ctx, sm.session.ID)
	if err != nil {
		r.keepStored(key, sm)
		return nil, fmt.Errorf("reloading session: %w", err)
	}

	r.logger.Debug("message recorded", "message_id", m.ID, "session_id", sess.ID, "direction", dir)
	return &Inbound{Channel: ch, Session: sess, Message: sm.message, NewSession: sm.created}, nil
}

func (r *Router) save(ctx context.Context, ch *store.Channel, dir store.Direction, m InboundMessage) (*storedMessage, error) {
	sess, created, err := r.session(ctx, ch, m.contactChat(dir))
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		ExternalID: m.ID,
		Direction:  dir,
		Type:       m.msgType(),
		Body:       m.Body,
		SentAt:     m.SentAt(r.now().UTC()),
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("storing message: %w", err)
	}
	return &storedMessage{session: sess, message: msg, created: created}, nil
}

func (r *Router) takeStored(key string) *storedMessage {
	r.storedMu.Lock()
	defer r.storedMu.Unlock()
	sm := r.stored[key]
	delete(r.stored, key)
	return sm
}

func (r *Router) keepStored(key string, sm *storedMessage) {
	r.storedMu.Lock()
	defer r.storedMu.Unlock()
	r.stored[key] = sm
}

// session returns the chat's session, creating it on first contact.
func (r *Router) session(ctx context.Context, ch *store.Channel, chatID string) (*store.Session, bool, error) {
	sess, err := r.store.GetSessionByChat(ctx, ch.ID, chatID)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("loading session: %w", err)
	}

	sess = &store.Session{
		ID:             uuid.New().String(),
		TenantID:       ch.TenantID,
		ChannelID:      ch.ID,
		ChatExternalID: chatID,
		PhoneNumber:    gatewayclient.NormalizePhone(chatID),
		LastMessageAt:  time.Unix(0, 0).UTC(),
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			// Another delivery created it first.
			sess, err = r.store.GetSessionByChat(ctx, ch.ID, chatID)
			if err != nil {
				return nil, false, fmt.Errorf("loading session: %w", err)
			}
			return sess, false, nil
		}
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	r.logger.Info("session opened", "session_id", sess.ID, "channel_id", ch.ID)
	return sess, true, nil
}

func (r *Router) publish(tenantID, eventType string, in *Inbound) {
	data := events.MessageData{
		ChannelID: in.Channel.ID,
		SessionID: in.Session.ID,
		MessageID: in.Message.ID,
		Direction: string(in.Message.Direction),
	}
	if err := r.publisher.Publish(r.ctx, events.New(eventType, tenantID, data)); err != nil {
		r.logger.Warn("publishing message event failed", "error", err)
	}
}

// Shutdown waits for queued messages to finish. When ctx ends first,
// in-flight processing is cancelled.
func (r *Router) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

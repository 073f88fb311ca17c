// ABOUTME: Reply Composer: generates a reply with the completion provider and sends it
// ABOUTME: Also sends relay notices; every outbound message is stored on the session

package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/store"
)

// DefaultHistoryLimit is how many stored messages are passed as conversation history.
const DefaultHistoryLimit = 20

// Composer writes and delivers replies.
type Composer struct {
	provider     completion.Provider
	gateway      gatewayclient.Client
	sessions     store.SessionStore
	historyLimit int
	maxTokens    int
	now          func() time.Time
	logger       *slog.Logger
}

// Options tune a Composer. Zero values use defaults.
type Options struct {
	HistoryLimit int
	MaxTokens    int
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewComposer creates a composer.
func NewComposer(provider completion.Provider, gateway gatewayclient.Client, sessions store.SessionStore, opts Options) *Composer {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Composer{
		provider:     provider,
		gateway:      gateway,
		sessions:     sessions,
		historyLimit: opts.HistoryLimit,
		maxTokens:    opts.MaxTokens,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "composer"),
	}
}

// ReplyRequest is one reply to produce.
type ReplyRequest struct {
	Channel   *store.Channel
	Session   *store.Session
	Profile   profile.Profile
	Scenario  *profile.Scenario // nil replies in the default style
	Knowledge []*store.KnowledgeEntry
	Inbound   string // text of the message being answered
}

// Reply generates a reply for req, sends it and stores it as an automated
// outbound message.
func (c *Composer) Reply(ctx context.Context, req ReplyRequest) (*store.Message, error) {
	system := BuildInstructions(req.Profile, req.Scenario, req.Knowledge, req.Channel.ReplyOverrides)

	history, err := c.sessions.ListSessionMessages(ctx, req.Session.ID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	text, err := c.provider.Complete(ctx, completion.Request{
		System:    system,
		Messages:  conversation(history, req.Inbound),
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generating reply: %w", err)
	}

	body := ToChatText(text)
	if body == "" {
		return nil, completion.ErrEmptyResponse
	}

	scenario := ""
	if req.Scenario != nil {
		scenario = req.Scenario.Label
	}
	c.logger.Debug("reply generated", "session_id", req.Session.ID, "scenario", scenario, "length", len(body))

	return c.deliver(ctx, req.Channel, req.Session, body, "text")
}

// SendNotice sends fixed relay text, such as an outside-hours or handoff
// notice, and stores it as an automated outbound message.
func (c *Composer) SendNotice(ctx context.Context, ch *store.Channel, sess *store.Session, text string) (*store.Message, error) {
	return c.deliver(ctx, ch, sess, text, "notice")
}

func (c *Composer) deliver(ctx context.Context, ch *store.Channel, sess *store.Session, body, kind string) (*store.Message, error) {
	externalID, err := c.gateway.Send(ctx, ch.ExternalToken, sess.ChatExternalID, body)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	now := c.now().UTC()
	msg := &store.Message{
		SessionID:  sess.ID,
		ExternalID: externalID,
		Direction:  store.DirectionOutbound,
		Type:       kind,
		Body:       body,
		Automated:  true,
		SentAt:     now,
	}
	// The gateway may echo our own message back through the webhook first.
	if err := c.sessions.SaveMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		return nil, fmt.Errorf("storing sent message: %w", err)
	}
	if err := c.sessions.RecordSessionActivity(ctx, sess.ID, store.SessionActivity{
		At:        now,
		Direction: store.DirectionOutbound,
		Preview:   store.Preview(body, kind),
	}); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	c.logger.Info("message sent", "session_id", sess.ID, "channel_id", ch.ID, "type", kind, "message_id", externalID)
	return msg, nil
}

// conversation maps stored messages to completion turns and makes sure the
// message being answered is the last user turn.
func conversation(history []*store.Message, inbound string) []completion.Message {
	turns := make([]completion.Message, 0, len(history)+1)
	for _, m := range history {
		role := completion.RoleUser
		if m.Direction == store.DirectionOutbound {
			role = completion.RoleAssistant
		}
		turns = append(turns, completion.Message{Role: role, Content: m.Body})
	}
	inbound = strings.TrimSpace(inbound)
	if inbound == "" {
		return turns
	}
	if n := len(turns); n == 0 || turns[n-1].Role != completion.RoleUser || strings.TrimSpace(turns[n-1].Content) != inbound {
		turns = append(turns, completion.Message{Role: completion.RoleUser, Content: inbound})
	}
	return turns
}

// ABOUTME: In-memory gateway used by tests across the relay
// ABOUTME: Tracks channels, health, webhooks and sent messages with injectable failures

package gatewayclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// FakeChannel is a channel held by Fake.
type FakeChannel struct {
	ID        string
	Token     string
	Name      string
	ValidDays int
	Health    Health
	LoggedOut bool
}

// SentMessage is a message delivered through Fake.Send.
type SentMessage struct {
	Token  string
	ChatID string
	Body   string
	ID     string
}

// Fake is an in-memory Client. Error fields, when set, are returned by the
// matching method. ReadyGate, when set, holds WaitForReady until it is closed.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]*FakeChannel // by ID
	byToken  map[string]string
	deleted  []string
	webhooks map[string][]string // token -> registered urls
	sent     []SentMessage

	CreateErr   error
	ExtendErr   error
	DeleteErr   error
	HealthErr   error
	RegisterErr error
	SendErr     error
	ReadyGate   chan struct{}
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		channels: make(map[string]*FakeChannel),
		byToken:  make(map[string]string),
		webhooks: make(map[string][]string),
	}
}

func fakeNotFound(op string) error {
	return &APIError{Op: op, StatusCode: http.StatusNotFound, Body: "unknown channel", Kind: ErrNotFound}
}

func (f *Fake) lookup(token string) (*FakeChannel, bool) {
	id, ok := f.byToken[token]
	if !ok {
		return nil, false
	}
	ch, ok := f.channels[id]
	return ch, ok
}

// CreateChannel adds a channel in its launch phase.
func (f *Fake) CreateChannel(ctx context.Context, name string) (*ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextID++
	ch := &FakeChannel{
		ID:     fmt.Sprintf("fake-ch-%d", f.nextID),
		Token:  fmt.Sprintf("fake-token-%d", f.nextID),
		Name:   name,
		Health: Health{Text: "LAUNCH", Code: 0},
	}
	f.channels[ch.ID] = ch
	f.byToken[ch.Token] = ch.ID
	return &ChannelInfo{ID: ch.ID, Token: ch.Token, Name: name}, nil
}

func (f *Fake) ExtendChannel(ctx context.Context, channelID string, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExtendErr != nil {
		return f.ExtendErr
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fakeNotFound("extend channel")
	}
	ch.ValidDays += days
	return nil
}

func (f *Fake) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fakeNotFound("delete channel")
	}
	delete(f.channels, channelID)
	delete(f.byToken, ch.Token)
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *Fake) LogoutChannel(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.lookup(token)
	if !ok {
		return fakeNotFound("logout")
	}
	ch.LoggedOut = true
	ch.Health = Health{Text: HealthQR}
	return nil
}

func (f *Fake) GetQR(ctx context.Context, token string) (*QR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.lookup(token)
	if !ok {
		return nil, fakeNotFound("get qr")
	}
	if ch.Health.Authenticated() {
		return nil, &APIError{Op: "get qr", StatusCode: http.StatusConflict, Body: "already authenticated", Kind: ErrAlreadyAuthenticated}
	}
	return &QR{Code: "qr-" + ch.ID, Expires: time.Now().Add(time.Minute)}, nil
}

func (f *Fake) CheckHealth(ctx context.Context, token string, accelerate bool) (*Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HealthErr != nil {
		return nil, f.HealthErr
	}
	ch, ok := f.lookup(token)
	if !ok {
		return nil, fakeNotFound("check health")
	}
	h := ch.Health
	return &h, nil
}

func (f *Fake) RegisterWebhook(ctx context.Context, token, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	if _, ok := f.lookup(token); !ok {
		return fakeNotFound("register webhook")
	}
	f.webhooks[token] = append(f.webhooks[token], url)
	return nil
}

// WaitForReady moves a launching channel to the QR phase once ReadyGate
// allows it.
func (f *Fake) WaitForReady(ctx context.Context, token string, timeout time.Duration) (*Health, error) {
	f.mu.Lock()
	gate := f.ReadyGate
	f.mu.Unlock()

	if gate != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNotReady
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.lookup(token)
	if !ok {
		return nil, fakeNotFound("wait for ready")
	}
	if !ch.Health.ReadyToPair() {
		ch.Health = Health{Text: HealthQR}
	}
	h := ch.Health
	return &h, nil
}

func (f *Fake) Send(ctx context.Context, token, chatID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	if _, ok := f.lookup(token); !ok {
		return "", fakeNotFound("send message")
	}
	f.nextID++
	id := fmt.Sprintf("fake-msg-%d", f.nextID)
	f.sent = append(f.sent, SentMessage{Token: token, ChatID: NormalizeChatID(chatID), Body: body, ID: id})
	return id, nil
}

// SetHealth changes what CheckHealth reports for the channel with the given token.
func (f *Fake) SetHealth(token, text, phone string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.lookup(token); ok {
		ch.Health = Health{Text: text, Phone: phone}
	}
}

// Channel returns a copy of the channel, if it exists.
func (f *Fake) Channel(id string) (FakeChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return FakeChannel{}, false
	}
	return *ch, true
}

// ChannelCount returns the number of live channels.
func (f *Fake) ChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// Deleted returns the IDs of deleted channels in order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Webhooks returns every URL registered for the token, in order.
func (f *Fake) Webhooks(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.webhooks[token]...)
}

// Sent returns every message delivered through Send.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// SetErr sets an injected error under the fake's lock.
func (f *Fake) SetErr(target *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*target = err
}

var _ Client = (*Fake)(nil)

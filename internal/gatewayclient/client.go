// ABOUTME: Contract the relay needs from the external messaging gateway
// ABOUTME: Defines channel, QR and health types plus the error taxonomy

package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every error returned by an HTTPClient method wraps exactly one.
var (
	// ErrUnavailable is transient: transport failures, 5xx and 429. Retry on the next poll.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected is a definitive refusal, such as funding denied.
	ErrRejected = errors.New("gateway rejected request")
	// ErrNotFound means the gateway does not know the channel.
	ErrNotFound = errors.New("gateway resource not found")
	// ErrAlreadyAuthenticated is the QR endpoint's conflict answer for a paired channel.
	ErrAlreadyAuthenticated = errors.New("channel already authenticated")
	// ErrNotReady is returned by WaitForReady when the deadline passes first.
	ErrNotReady = errors.New("channel not ready before deadline")
)

// APIError carries the failed operation and the gateway's response.
type APIError struct {
	Op         string
	StatusCode int // 0 for transport failures
	Body       string
	Kind       error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %v: %s", e.Op, e.Kind, e.Body)
	}
	return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// Health status texts reported by the gateway.
const (
	HealthQR   = "QR"   // waiting for the pairing scan
	HealthAuth = "AUTH" // paired and authenticated
)

// ChannelInfo is the result of creating an external channel.
type ChannelInfo struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// QR is a pairing code and its expiry.
type QR struct {
	Code    string    // base64 image or raw pairing payload
	Expires time.Time // zero when the gateway does not say
}

// Health is the gateway's view of a channel.
type Health struct {
	Text  string // HealthQR, HealthAuth, or an intermediate state such as "LAUNCH"
	Code  int
	Phone string // set once the channel is paired
}

// Authenticated reports whether the gateway considers the channel paired.
func (h *Health) Authenticated() bool {
	return h.Text == HealthAuth
}

// ReadyToPair reports whether the channel has left its launch phase.
func (h *Health) ReadyToPair() bool {
	return h.Text == HealthQR || h.Text == HealthAuth
}

// Client is everything the relay asks of the gateway.
type Client interface {
	CreateChannel(ctx context.Context, name string) (*ChannelInfo, error)
	ExtendChannel(ctx context.Context, channelID string, days int) error
	DeleteChannel(ctx context.Context, channelID string) error
	LogoutChannel(ctx context.Context, token string) error
	GetQR(ctx context.Context, token string) (*QR, error)
	// CheckHealth reads channel state. accelerate asks the gateway to wake a sleeping channel.
	CheckHealth(ctx context.Context, token string, accelerate bool) (*Health, error)
	RegisterWebhook(ctx context.Context, token, url string) error
	// WaitForReady polls until the channel is ready to pair, the timeout passes
	// (ErrNotReady) or ctx is cancelled (ctx.Err()).
	WaitForReady(ctx context.Context, token string, timeout time.Duration) (*Health, error)
	// Send delivers a text message and returns the gateway's message id.
	Send(ctx context.Context, token, chatID, body string) (string, error)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

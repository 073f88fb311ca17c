// ABOUTME: HTTP implementation of the gateway Client built on resty
// ABOUTME: Manager API uses the partner token; gate API uses the per-channel token

package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config configures an HTTPClient.
type Config struct {
	ManagerURL     string // channel lifecycle API (create, extend, delete)
	GateURL        string // per-channel API (health, QR, settings, messages)
	PartnerToken   string
	RequestTimeout time.Duration
	PollInterval   time.Duration // WaitForReady polling period
	HTTPClient     *http.Client  // optional, for tests and custom transports
	Logger         *slog.Logger
}

// HTTPClient talks to the gateway over HTTP.
type HTTPClient struct {
	manager      *resty.Client
	gate         *resty.Client
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.ManagerURL == "" || cfg.GateURL == "" {
		return nil, fmt.Errorf("gateway client: manager and gate URLs are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newResty := func(base string) *resty.Client {
		var c *resty.Client
		if cfg.HTTPClient != nil {
			c = resty.NewWithClient(cfg.HTTPClient)
		} else {
			c = resty.New()
		}
		return c.
			SetBaseURL(strings.TrimSuffix(base, "/")).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Accept", "application/json")
	}

	return &HTTPClient{
		manager:      newResty(cfg.ManagerURL).SetAuthToken(cfg.PartnerToken),
		gate:         newResty(cfg.GateURL),
		pollInterval: cfg.PollInterval,
		now:          time.Now,
		logger:       logger.With("component", "gatewayclient"),
	}, nil
}

// classify maps a resty outcome onto the error taxonomy. A nil return means success.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &APIError{Op: op, Body: err.Error(), Kind: ErrUnavailable}
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 512 {
		body = body[:512]
	}
	apiErr := &APIError{Op: op, StatusCode: code, Body: body}
	switch {
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		apiErr.Kind = ErrUnavailable
	case code == http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	default:
		apiErr.Kind = ErrRejected
	}
	return apiErr
}

func decode(op string, resp *resty.Response, out any) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: "decoding response: " + err.Error(), Kind: ErrUnavailable}
	}
	return nil
}

// CreateChannel creates a new external channel.
func (c *HTTPClient) CreateChannel(ctx context.Context, name string) (*ChannelInfo, error) {
	const op = "create channel"
	resp, err := c.manager.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		Post("/channels")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}

	var info ChannelInfo
	if err := decode(op, resp, &info); err != nil {
		return nil, err
	}
	if info.ID == "" || info.Token == "" {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode(), Body: "response missing id or token", Kind: ErrRejected}
	}
	return &info, nil
}

// ExtendChannel funds a channel for the given number of days.
func (c *HTTPClient) ExtendChannel(ctx context.Context, channelID string, days int) error {
	resp, err := c.manager.R().
		SetContext(ctx).
		SetPathParam("id", channelID).
		SetBody(map[string]int{"days": days}).
		Post("/channels/{id}/extend")
	return classify("extend channel", resp, err)
}

// DeleteChannel removes the external channel.
func (c *HTTPClient) DeleteChannel(ctx context.Context, channelID string) error {
	resp, err := c.manager.R().
		SetContext(ctx).
		SetPathParam("id", channelID).
		Delete("/channels/{id}")
	return classify("delete channel", resp, err)
}

// LogoutChannel unpairs the phone from the channel.
func (c *HTTPClient) LogoutChannel(ctx context.Context, token string) error {
	resp, err := c.gate.R().
		SetContext(ctx).
		SetAuthToken(token).
		Post("/users/logout")
	return classify("logout channel", resp, err)
}

type qrResponse struct {
	Status string `json:"status"`
	Base64 string `json:"base64"`
	Expire int64  `json:"expire"`
}

// GetQR fetches the current pairing code. A paired channel yields ErrAlreadyAuthenticated.
func (c *HTTPClient) GetQR(ctx context.Context, token string) (*QR, error) {
	const op = "get qr"
	resp, err := c.gate.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get("/users/login")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return nil, &APIError{Op: op, StatusCode: http.StatusConflict, Body: string(resp.Body()), Kind: ErrAlreadyAuthenticated}
	}
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}

	var r qrResponse
	if err := decode(op, resp, &r); err != nil {
		return nil, err
	}
	qr := &QR{Code: r.Base64}
	switch {
	case r.Expire > 1_000_000_000:
		qr.Expires = time.Unix(r.Expire, 0).UTC() // absolute unix time
	case r.Expire > 0:
		qr.Expires = c.now().UTC().Add(time.Duration(r.Expire) * time.Second)
	}
	return qr, nil
}

type healthResponse struct {
	Status struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	} `json:"status"`
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
	Phone string `json:"phone"`
}

// CheckHealth reads the channel state from the gateway.
func (c *HTTPClient) CheckHealth(ctx context.Context, token string, accelerate bool) (*Health, error) {
	const op = "check health"
	resp, err := c.gate.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("wakeup", strconv.FormatBool(accelerate)).
		Get("/health")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}

	var r healthResponse
	if err := decode(op, resp, &r); err != nil {
		return nil, err
	}
	h := &Health{Text: strings.ToUpper(r.Status.Text), Code: r.Status.Code, Phone: NormalizePhone(r.Phone)}
	if h.Phone == "" && r.User != nil {
		h.Phone = NormalizePhone(r.User.ID)
	}
	return h, nil
}

type webhookSettings struct {
	Webhooks []webhookSetting `json:"webhooks"`
}

type webhookSetting struct {
	URL    string         `json:"url"`
	Events []webhookEvent `json:"events"`
	Mode   string         `json:"mode"`
}

type webhookEvent struct {
	Type   string `json:"type"`
	Method string `json:"method"`
}

// RegisterWebhook points the channel's message events at url.
func (c *HTTPClient) RegisterWebhook(ctx context.Context, token, url string) error {
	resp, err := c.gate.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(webhookSettings{Webhooks: []webhookSetting{{
			URL:    url,
			Events: []webhookEvent{{Type: "messages", Method: "post"}},
			Mode:   "body",
		}}}).
		Patch("/settings")
	return classify("register webhook", resp, err)
}

// WaitForReady polls CheckHealth until the channel can be paired.
// Transient gateway errors are retried on the next tick.
func (c *HTTPClient) WaitForReady(ctx context.Context, token string, timeout time.Duration) (*Health, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		health, err := c.CheckHealth(waitCtx, token, true)
		switch {
		case err == nil && health.ReadyToPair():
			return health, nil
		case err == nil:
			c.logger.Debug("channel not ready yet", "status", health.Text)
		case IsTransient(err):
			c.logger.Debug("health check failed, retrying", "error", err)
		default:
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrNotReady
		case <-ticker.C:
		}
	}
}

type sendResponse struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// Send delivers a text message to chatID.
func (c *HTTPClient) Send(ctx context.Context, token, chatID, body string) (string, error) {
	const op = "send message"
	resp, err := c.gate.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"to": NormalizeChatID(chatID), "body": body}).
		Post("/messages/text")
	if err := classify(op, resp, err); err != nil {
		return "", err
	}

	var r sendResponse
	if err := decode(op, resp, &r); err != nil {
		return "", err
	}
	if !r.Sent {
		return "", &APIError{Op: op, StatusCode: resp.StatusCode(), Body: "gateway reported sent=false", Kind: ErrRejected}
	}
	return r.Message.ID, nil
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

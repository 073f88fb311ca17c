// ABOUTME: Tests for the resty-backed gateway client against an httptest gateway
// ABOUTME: Covers request shapes, error classification, QR conflict and readiness polling

package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{
		ManagerURL:     srv.URL + "/manager",
		GateURL:        srv.URL + "/gate",
		PartnerToken:   "partner-secret",
		RequestTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewHTTPClient_RequiresURLs(t *testing.T) {
	_, err := NewHTTPClient(Config{GateURL: "http://gate"})
	assert.Error(t, err)
}

func TestCreateChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /manager/channels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer partner-secret", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tenant-1", body["name"])
		writeJSON(w, http.StatusOK, map[string]string{"id": "EXT-1", "token": "tok-1", "name": "tenant-1"})
	})
	c := newTestClient(t, mux)

	info, err := c.CreateChannel(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "EXT-1", info.ID)
	assert.Equal(t, "tok-1", info.Token)
}

func TestCreateChannel_MissingToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /manager/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "EXT-1"})
	})
	c := newTestClient(t, mux)

	_, err := c.CreateChannel(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestExtendChannel_Rejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /manager/channels/EXT-1/extend", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 30, body["days"])
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient balance"})
	})
	c := newTestClient(t, mux)

	err := c.ExtendChannel(context.Background(), "EXT-1", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "insufficient balance")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusForbidden, ErrRejected},
	}
	for _, tt := range tests {
		mux := http.NewServeMux()
		mux.HandleFunc("DELETE /manager/channels/EXT-1", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		c := newTestClient(t, mux)

		err := c.DeleteChannel(context.Background(), "EXT-1")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(Config{ManagerURL: url, GateURL: url, RequestTimeout: time.Second})
	require.NoError(t, err)

	_, err = c.CheckHealth(context.Background(), "tok", false)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
}

func TestGetQR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/users/login", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "base64": "data:image/png;base64,AAA", "expire": 20})
	})
	c := newTestClient(t, mux)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	qr, err := c.GetQR(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAA", qr.Code)
	assert.Equal(t, fixed.Add(20*time.Second), qr.Expires)
}

func TestGetQR_AlreadyAuthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/users/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already authenticated"})
	})
	c := newTestClient(t, mux)

	_, err := c.GetQR(context.Background(), "tok-1")
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
}

func TestCheckHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("wakeup"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": map[string]any{"code": 4, "text": "AUTH"},
			"user":   map[string]string{"id": "15550001111@s.whatsapp.net"},
		})
	})
	c := newTestClient(t, mux)

	h, err := c.CheckHealth(context.Background(), "tok-1", true)
	require.NoError(t, err)
	assert.True(t, h.Authenticated())
	assert.Equal(t, "15550001111", h.Phone)
}

func TestRegisterWebhook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /gate/settings", func(w http.ResponseWriter, r *http.Request) {
		var body webhookSettings
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Webhooks, 1)
		assert.Equal(t, "https://relay.example.com/webhook", body.Webhooks[0].URL)
		assert.Equal(t, "messages", body.Webhooks[0].Events[0].Type)
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.RegisterWebhook(context.Background(), "tok-1", "https://relay.example.com/webhook"))
}

func TestSend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gate/messages/text", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "15550003333@s.whatsapp.net", body["to"])
		assert.Equal(t, "hello", body["body"])
		writeJSON(w, http.StatusOK, map[string]any{"sent": true, "message": map[string]string{"id": "out-1"}})
	})
	c := newTestClient(t, mux)

	id, err := c.Send(context.Background(), "tok-1", "15550003333", "hello")
	require.NoError(t, err)
	assert.Equal(t, "out-1", id)
}

func TestWaitForReady(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/health", func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"text": "LAUNCH"}})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"text": "QR"}})
		}
	})
	c := newTestClient(t, mux)

	h, err := c.WaitForReady(context.Background(), "tok-1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, HealthQR, h.Text)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitForReady_Timeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"text": "LAUNCH"}})
	})
	c := newTestClient(t, mux)

	_, err := c.WaitForReady(context.Background(), "tok-1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestWaitForReady_Cancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"text": "LAUNCH"}})
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := c.WaitForReady(ctx, "tok-1", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForReady_RejectedStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gate/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, mux)

	_, err := c.WaitForReady(context.Background(), "bad", 5*time.Second)
	assert.ErrorIs(t, err, ErrRejected)
}

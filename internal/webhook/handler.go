// ABOUTME: HTTP endpoint for gateway webhook deliveries
// ABOUTME: Always answers 200 before processing so the gateway never retries a delivery

package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// DefaultMaxBodyBytes caps a webhook delivery.
const DefaultMaxBodyBytes = 1 << 20

// Handler accepts webhook deliveries and hands them to a Router.
type Handler struct {
	router  *Router
	maxBody int64
	logger  *slog.Logger
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(router *Router, maxBody int64, logger *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: router, maxBody: maxBody, logger: logger.With("component", "webhook")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, readErr := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if readErr != nil {
		h.logger.Error("reading webhook body failed", "error", readErr)
		return
	}
	if int64(len(body)) > h.maxBody {
		h.logger.Error("webhook body too large, dropping", "limit", h.maxBody)
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.logger.Error("decoding webhook payload failed", "error", err)
		return
	}
	if len(p.Messages) == 0 {
		return
	}
	h.router.Enqueue(p)
}

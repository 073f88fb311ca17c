// ABOUTME: Operator HTTP API: channel provisioning, status, QR, session control and profile
// ABOUTME: Every route is tenant-scoped by the caller's token; operator actions are audited

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/provision"
	"github.com/2389/coven-relay/internal/store"
)

const maxAPIBody = 256 << 10

// ChannelResponse is the operator view of a channel. The gateway token is never included.
type ChannelResponse struct {
	ID                string              `json:"channel_id"`
	Status            store.ChannelStatus `json:"status"`
	PhoneNumber       string              `json:"phone_number,omitempty"`
	WebhookRegistered bool                `json:"webhook_registered"`
	WorkspaceID       string              `json:"workspace_id,omitempty"`
	Provisioning      string              `json:"provisioning,omitempty"` // state of the latest attempt
	CreatedAt         time.Time           `json:"created_at"`
}

// SessionResponse is the operator view of a session.
type SessionResponse struct {
	ID            string     `json:"session_id"`
	ChatID        string     `json:"chat_id"`
	Status        string     `json:"status"`
	Archived      bool       `json:"archived"`
	HumanTakeover bool       `json:"human_takeover"`
	AutoResumeAt  *time.Time `json:"auto_resume_at,omitempty"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt time.Time  `json:"last_message_at"`
}

// ProfileResponse is a tenant profile in the current shape.
type ProfileResponse struct {
	StoredKind string          `json:"stored_kind"` // current, legacy or default
	Profile    profile.Profile `json:"profile"`
}

type provisionRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

type pauseRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type knowledgeRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) registerAPI(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(h))
	}

	handle("POST /api/channels", s.handleProvision)
	handle("GET /api/channels", s.handleListChannels)
	handle("GET /api/channels/{id}/status", s.handleChannelStatus)
	handle("GET /api/channels/{id}/qr", s.handleChannelQR)
	handle("POST /api/channels/{id}/retry", s.handleRetryProvisioning)
	handle("DELETE /api/channels/{id}/provisioning", s.handleCancelProvisioning)
	handle("DELETE /api/channels/{id}", s.handleDeleteChannel)

	handle("POST /api/sessions/{id}/pause", s.handlePauseSession)
	handle("POST /api/sessions/{id}/resume", s.handleResumeSession)
	handle("POST /api/sessions/{id}/archive", s.handleArchiveSession)

	handle("GET /api/profile", s.handleGetProfile)
	handle("PUT /api/profile", s.handlePutProfile)
	handle("GET /api/knowledge", s.handleListKnowledge)
	handle("POST /api/knowledge", s.handleCreateKnowledge)
	handle("GET /api/audit", s.handleListAudit)

	mux.Handle("DELETE /api/tenants/{id}", authn(auth.RequireAdminHTTP()(http.HandlerFunc(s.handleTeardownTenant))))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gatewayclient.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provision.ErrChannelExists),
		errors.Is(err, provision.ErrProvisionInProgress),
		errors.Is(err, provision.ErrNotPending),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrDuplicateChannel):
		return http.StatusConflict
	case errors.Is(err, gatewayclient.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gatewayclient.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody reads an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// audit appends an operator action. Failures are logged, not returned.
func (s *Server) audit(r *http.Request, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	authCtx := auth.MustFromContext(r.Context())
	err := s.store.AppendAuditLog(r.Context(), &store.AuditEntry{
		Actor:      authCtx.Subject,
		TenantID:   authCtx.TenantID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("writing audit log failed", "action", action, "target_id", targetID, "error", err)
	}
}

// ownedChannel loads the channel named in the path and checks it belongs to
// the caller's tenant. Channels of other tenants look missing.
func (s *Server) ownedChannel(w http.ResponseWriter, r *http.Request) (*store.Channel, bool) {
	ch, err := s.store.GetChannel(r.Context(), r.PathValue("id"))
	if err == nil && !auth.MustFromContext(r.Context()).CanAccessTenant(ch.TenantID) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return ch, true
}

func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err == nil && !auth.MustFromContext(r.Context()).CanAccessTenant(sess.TenantID) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) channelResponse(ch *store.Channel) ChannelResponse {
	resp := ChannelResponse{
		ID:                ch.ID,
		Status:            ch.Status,
		PhoneNumber:       ch.PhoneNumber,
		WebhookRegistered: ch.WebhookRegistered,
		WorkspaceID:       ch.WorkspaceID,
		CreatedAt:         ch.CreatedAt,
	}
	if a, ok := s.provisioner.Attempt(ch.ID); ok {
		resp.Provisioning = a.State().String()
	}
	return resp
}

func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		ID:            sess.ID,
		ChatID:        sess.ChatExternalID,
		Status:        sess.Status,
		Archived:      sess.IsArchived,
		HumanTakeover: sess.HumanTakeover,
		AutoResumeAt:  sess.AutoResumeAt,
		LastMessage:   sess.LastMessage,
		LastMessageAt: sess.LastMessageAt,
	}
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID := auth.MustFromContext(r.Context()).TenantID

	id, err := s.provisioner.Provision(r.Context(), tenantID, req.WorkspaceID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditProvisionChannel, "channel", id, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"channel_id": id,
		"status":     string(store.ChannelPending),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannelsByTenant(r.Context(), auth.MustFromContext(r.Context()).TenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		out = append(out, s.channelResponse(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.ownedChannel(w, r)
	if !ok {
		return
	}
	st, err := s.reconciler.CheckStatus(r.Context(), ch.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleChannelQR(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.ownedChannel(w, r)
	if !ok {
		return
	}
	qr, err := s.reconciler.GetQR(r.Context(), ch.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}

func (s *Server) handleRetryProvisioning(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.ownedChannel(w, r)
	if !ok {
		return
	}
	if _, err := s.provisioner.RetryProvisioning(r.Context(), ch.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditRetryProvisioning, "channel", ch.ID, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"channel_id": ch.ID,
		"status":     string(ch.Status),
	})
}

func (s *Server) handleCancelProvisioning(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.ownedChannel(w, r)
	if !ok {
		return
	}
	if err := s.provisioner.Cancel(r.Context(), ch.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditCancelProvisioning, "channel", ch.ID, map[string]any{"status": string(ch.Status)})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.ownedChannel(w, r)
	if !ok {
		return
	}
	if err := s.provisioner.DeleteChannel(r.Context(), ch.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditDeleteChannel, "channel", ch.ID, map[string]any{"phone_number": ch.PhoneNumber})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTeardownTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	channels, err := s.store.ListChannelsByTenant(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.provisioner.TeardownTenant(r.Context(), tenantID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	for _, ch := range channels {
		s.audit(r, store.AuditDeleteChannel, "channel", ch.ID, map[string]any{"tenant_id": tenantID, "teardown": true})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil || req.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be a non-negative integer")
		return
	}
	updated, err := s.gate.Pause(r.Context(), sess.ID, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditPauseSession, "session", sess.ID, map[string]any{"duration_minutes": req.DurationMinutes})
	writeJSON(w, http.StatusOK, sessionResponse(updated))
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	updated, err := s.gate.Resume(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditResumeSession, "session", sess.ID, nil)
	writeJSON(w, http.StatusOK, sessionResponse(updated))
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	updated, err := s.gate.Archive(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.audit(r, store.AuditArchiveSession, "session", sess.ID, nil)
	writeJSON(w, http.StatusOK, sessionResponse(updated))
}

// handleGetProfile returns the tenant's profile in the current shape. A
// legacy profile is migrated for the response only; storage is untouched.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID
	tenant, err := s.store.GetTenant(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, ProfileResponse{StoredKind: "default", Profile: profile.Default()})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	doc, err := profile.Parse(tenant.Profile)
	if errors.Is(err, profile.ErrEmpty) {
		writeJSON(w, http.StatusOK, ProfileResponse{StoredKind: "default", Profile: profile.Default()})
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p := profile.Migrate(doc)
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{StoredKind: doc.Kind.String(), Profile: p})
}

// handlePutProfile stores a profile as sent, in either shape, after checking
// that it migrates to a valid current profile.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	doc, err := profile.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p := profile.Migrate(doc)
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid profile: "+err.Error())
		return
	}

	tenantID := auth.MustFromContext(r.Context()).TenantID
	err = s.store.UpdateTenantProfile(r.Context(), tenantID, raw)
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.CreateTenant(r.Context(), &store.Tenant{ID: tenantID, Name: tenantID, Profile: raw})
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{StoredKind: doc.Kind.String(), Profile: p})
}

func (s *Server) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListKnowledgeEntries(r.Context(), auth.MustFromContext(r.Context()).TenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	type entry struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{ID: e.ID, Title: e.Title, Content: e.Content, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if err := decodeBody(r, &req); err != nil || req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	e := &store.KnowledgeEntry{
		TenantID: auth.MustFromContext(r.Context()).TenantID,
		Title:    req.Title,
		Content:  req.Content,
	}
	if err := s.store.CreateKnowledgeEntry(r.Context(), e); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": e.ID})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID
	f := store.AuditFilter{TenantID: &tenantID}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("target_id"); v != "" {
		f.TargetID = &v
	}

	entries, err := s.store.ListAuditLog(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	type entry struct {
		ID         string         `json:"id"`
		Actor      string         `json:"actor"`
		Action     string         `json:"action"`
		TargetType string         `json:"target_type"`
		TargetID   string         `json:"target_id"`
		Timestamp  time.Time      `json:"timestamp"`
		Detail     map[string]any `json:"detail,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

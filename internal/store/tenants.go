// ABOUTME: Tenant and knowledge entry persistence for SQLiteStore
// ABOUTME: Tenants carry the raw reply profile; decoding lives in the profile package

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	var profile any
	if len(t.Profile) > 0 {
		profile = string(t.Profile)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, timezone, profile_json, handoff_phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Timezone, profile, t.HandoffPhone, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}

	s.logger.Debug("created tenant", "id", t.ID)
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var profile sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, profile_json, handoff_phone, created_at, updated_at
		FROM tenants WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.Timezone, &profile, &t.HandoffPhone, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	if profile.Valid {
		t.Profile = []byte(profile.String)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// UpdateTenantProfile replaces the stored reply profile.
func (s *SQLiteStore) UpdateTenantProfile(ctx context.Context, id string, profile []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET profile_json = ?, updated_at = ? WHERE id = ?
	`, string(profile), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating tenant profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateKnowledgeEntry stores a knowledge entry for a tenant.
func (s *SQLiteStore) CreateKnowledgeEntry(ctx context.Context, e *KnowledgeEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, tenant_id, title, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.Title, e.Content, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting knowledge entry: %w", err)
	}
	return nil
}

// ListKnowledgeEntries returns a tenant's knowledge entries, oldest first.
func (s *SQLiteStore) ListKnowledgeEntries(ctx context.Context, tenantID string) ([]*KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, title, content, created_at
		FROM knowledge_entries
		WHERE tenant_id = ?
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []*KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Title, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning knowledge entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge entries: %w", err)
	}
	return entries, nil
}

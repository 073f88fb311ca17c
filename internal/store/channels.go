// ABOUTME: Channel persistence for SQLiteStore
// ABOUTME: Status changes are compare-and-swap so concurrent reconcilers cannot corrupt state

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const channelColumns = `id, tenant_id, workspace_id, external_id, external_token, status,
	phone_number, webhook_registered, reply_overrides, created_at, updated_at`

// CreateChannel inserts a channel row.
// Returns ErrDuplicateChannel if the tenant already has a channel or the
// external ID is already in use.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	if !ch.Status.Valid() {
		return fmt.Errorf("creating channel: unknown status %q", ch.Status)
	}
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = ch.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID,
		ch.TenantID,
		ch.WorkspaceID,
		ch.ExternalID,
		ch.ExternalToken,
		string(ch.Status),
		ch.PhoneNumber,
		boolInt(ch.WebhookRegistered),
		ch.ReplyOverrides,
		formatTime(ch.CreatedAt),
		formatTime(ch.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChannel
		}
		return fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "tenant_id", ch.TenantID, "status", ch.Status)
	return nil
}

func scanChannel(row rowScanner) (*Channel, error) {
	var ch Channel
	var status, createdAt, updatedAt string
	var webhook int

	err := row.Scan(
		&ch.ID,
		&ch.TenantID,
		&ch.WorkspaceID,
		&ch.ExternalID,
		&ch.ExternalToken,
		&status,
		&ch.PhoneNumber,
		&webhook,
		&ch.ReplyOverrides,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.Status = ChannelStatus(status)
	ch.WebhookRegistered = webhook != 0
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByTenant retrieves the channel owned by a tenant.
// Returns ErrNotFound if the tenant has no channel.
func (s *SQLiteStore) GetChannelByTenant(ctx context.Context, tenantID string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE tenant_id = ?`, tenantID)
	return scanChannel(row)
}

// ListChannelsByTenant returns every channel of a tenant, oldest first.
func (s *SQLiteStore) ListChannelsByTenant(ctx context.Context, tenantID string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE tenant_id = ?
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// FindConnectedChannelByPhone returns the connected channel whose number is phone.
// Returns ErrNotFound if no connected channel owns the number.
func (s *SQLiteStore) FindConnectedChannelByPhone(ctx context.Context, phone string) (*Channel, error) {
	if phone == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE phone_number = ? AND status = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, phone, string(ChannelConnected))
	return scanChannel(row)
}

// UpdateChannelStatus performs a compare-and-swap on the channel status.
// Returns ErrInvalidTransition for backwards moves, ErrNotFound for a missing
// channel and ErrStatusConflict if the channel is no longer in status from.
func (s *SQLiteStore) UpdateChannelStatus(ctx context.Context, id string, from, to ChannelStatus, phone string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET status = ?,
		    phone_number = CASE WHEN ? = '' THEN phone_number ELSE ? END,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), phone, phone, formatTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("updating channel status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetChannel(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	s.logger.Debug("updated channel status", "id", id, "from", from, "to", to)
	return nil
}

// MarkWebhookRegistered records that the webhook callback is registered.
// Only the first caller observes true.
func (s *SQLiteStore) MarkWebhookRegistered(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET webhook_registered = 1, updated_at = ?
		WHERE id = ? AND webhook_registered = 0
	`, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("marking webhook registered: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetChannel(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// DeleteChannel removes a channel row.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted channel", "id", id)
	return nil
}

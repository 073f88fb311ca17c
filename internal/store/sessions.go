// ABOUTME: Session and message persistence for SQLiteStore
// ABOUTME: Sessions are never hard-deleted; messages dedupe on (session_id, external_id)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, tenant_id, channel_id, chat_external_id, phone_number, status,
	is_archived, human_takeover, auto_resume_at, outside_hours_notice_at,
	last_message, last_message_at, last_message_direction, created_at, updated_at`

// CreateSession inserts a new session.
// Returns ErrDuplicateSession if the (channel, chat) pair already has one.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.LastMessageAt.IsZero() {
		sess.LastMessageAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = SessionOpen
	}
	if sess.LastMessageDirection == "" {
		sess.LastMessageDirection = DirectionInbound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID,
		sess.TenantID,
		sess.ChannelID,
		sess.ChatExternalID,
		sess.PhoneNumber,
		sess.Status,
		boolInt(sess.IsArchived),
		boolInt(sess.HumanTakeover),
		formatTimePtr(sess.AutoResumeAt),
		formatTimePtr(sess.OutsideHoursNoticeAt),
		sess.LastMessage,
		formatTime(sess.LastMessageAt),
		string(sess.LastMessageDirection),
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "channel_id", sess.ChannelID)
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var archived, takeover int
	var autoResume, noticeAt sql.NullString
	var lastAt, direction, createdAt, updatedAt string

	err := row.Scan(
		&sess.ID,
		&sess.TenantID,
		&sess.ChannelID,
		&sess.ChatExternalID,
		&sess.PhoneNumber,
		&sess.Status,
		&archived,
		&takeover,
		&autoResume,
		&noticeAt,
		&sess.LastMessage,
		&lastAt,
		&direction,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.IsArchived = archived != 0
	sess.HumanTakeover = takeover != 0
	sess.LastMessageDirection = Direction(direction)
	if sess.AutoResumeAt, err = parseTimePtr(autoResume); err != nil {
		return nil, fmt.Errorf("parsing auto_resume_at: %w", err)
	}
	if sess.OutsideHoursNoticeAt, err = parseTimePtr(noticeAt); err != nil {
		return nil, fmt.Errorf("parsing outside_hours_notice_at: %w", err)
	}
	if sess.LastMessageAt, err = parseTime(lastAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByChat retrieves the session for a (channel, chat) pair.
// This uses the idx_sessions_chat index for efficient lookups.
func (s *SQLiteStore) GetSessionByChat(ctx context.Context, channelID, chatExternalID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel_id = ? AND chat_external_id = ?
	`, channelID, chatExternalID)
	return scanSession(row)
}

// execSessionUpdate runs an update against one session row and maps zero affected rows to ErrNotFound.
func (s *SQLiteStore) execSessionUpdate(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
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

// RecordSessionActivity stores the latest message preview, time and direction.
// A new message reopens an archived session. Older activity never overwrites newer.
func (s *SQLiteStore) RecordSessionActivity(ctx context.Context, id string, a SessionActivity) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_message = ?, last_message_at = ?, last_message_direction = ?,
		    is_archived = 0, updated_at = ?
		WHERE id = ? AND last_message_at <= ?
	`, a.Preview, formatTime(a.At), string(a.Direction), formatTime(time.Now()), id, formatTime(a.At))
	if err != nil {
		return fmt.Errorf("recording session activity: %w", err)
	}
	return nil
}

// SetTakeover sets or clears human takeover. resumeAt is stored as given (nil clears it).
func (s *SQLiteStore) SetTakeover(ctx context.Context, id string, takeover bool, resumeAt *time.Time) error {
	return s.execSessionUpdate(ctx, "updating takeover", `
		UPDATE sessions SET human_takeover = ?, auto_resume_at = ?, updated_at = ?
		WHERE id = ?
	`, boolInt(takeover), formatTimePtr(resumeAt), formatTime(time.Now()), id)
}

// ClearExpiredTakeover clears takeover when its auto-resume time has passed.
// Reports whether this call cleared it.
func (s *SQLiteStore) ClearExpiredTakeover(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET human_takeover = 0, auto_resume_at = NULL, status = ?, updated_at = ?
		WHERE id = ? AND auto_resume_at IS NOT NULL AND auto_resume_at <= ?
	`, SessionOpen, formatTime(now), id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("clearing takeover: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SetSessionStatus updates the session status (open, escalated).
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id, status string) error {
	return s.execSessionUpdate(ctx, "updating session status",
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
}

// SetArchived archives or unarchives a session.
func (s *SQLiteStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.execSessionUpdate(ctx, "updating archive flag",
		`UPDATE sessions SET is_archived = ?, updated_at = ? WHERE id = ?`,
		boolInt(archived), formatTime(time.Now()), id)
}

// MarkOutsideHoursNotice records when the outside-hours notice was last sent.
func (s *SQLiteStore) MarkOutsideHoursNotice(ctx context.Context, id string, at time.Time) error {
	return s.execSessionUpdate(ctx, "marking outside-hours notice",
		`UPDATE sessions SET outside_hours_notice_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
}

// SaveMessage stores a message.
// Returns ErrDuplicateMessage if the session already holds the external ID.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, external_id, direction, type, body, automated, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.SessionID,
		nullString(msg.ExternalID),
		string(msg.Direction),
		msg.Type,
		msg.Body,
		boolInt(msg.Automated),
		formatTime(msg.SentAt),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "session_id", msg.SessionID, "direction", msg.Direction)
	return nil
}

// ListSessionMessages returns the most recent limit messages in chronological order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, session_id, external_id, direction, type, body, automated, sent_at, created_at
			FROM (
				SELECT id, session_id, external_id, direction, type, body, automated, sent_at, created_at
				FROM messages
				WHERE session_id = ?
				ORDER BY sent_at DESC, created_at DESC
				LIMIT ?
			)
			ORDER BY sent_at ASC, created_at ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, session_id, external_id, direction, type, body, automated, sent_at, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY sent_at ASC, created_at ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var externalID sql.NullString
		var direction, sentAt, createdAt string
		var automated int

		if err := rows.Scan(&msg.ID, &msg.SessionID, &externalID, &direction, &msg.Type, &msg.Body, &automated, &sentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.ExternalID = externalID.String
		msg.Direction = Direction(direction)
		msg.Automated = automated != 0
		if msg.SentAt, err = parseTime(sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

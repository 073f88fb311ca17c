// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and provides shared scan/format helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; compare-and-swap updates rely on it
	// for :memory: databases, where every connection would otherwise see its own db.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			timezone      TEXT NOT NULL DEFAULT '',
			profile_json  TEXT,
			handoff_phone TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channels (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			workspace_id       TEXT NOT NULL DEFAULT '',
			external_id        TEXT NOT NULL,
			external_token     TEXT NOT NULL,
			status             TEXT NOT NULL,
			phone_number       TEXT NOT NULL DEFAULT '',
			webhook_registered INTEGER NOT NULL DEFAULT 0,
			reply_overrides    TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			CHECK (status IN ('pending', 'awaiting_scan', 'connected', 'disconnected'))
		);

		-- one channel per tenant
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_tenant ON channels(tenant_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_external ON channels(external_id);
		CREATE INDEX IF NOT EXISTS idx_channels_phone ON channels(phone_number, status);

		CREATE TABLE IF NOT EXISTS sessions (
			id                      TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			channel_id              TEXT NOT NULL,
			chat_external_id        TEXT NOT NULL,
			phone_number            TEXT NOT NULL DEFAULT '',
			status                  TEXT NOT NULL DEFAULT 'open',
			is_archived             INTEGER NOT NULL DEFAULT 0,
			human_takeover          INTEGER NOT NULL DEFAULT 0,
			auto_resume_at          TEXT,
			outside_hours_notice_at TEXT,
			last_message            TEXT NOT NULL DEFAULT '',
			last_message_at         TEXT NOT NULL,
			last_message_direction  TEXT NOT NULL DEFAULT 'inbound',
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL,

			CHECK (status IN ('open', 'escalated')),
			CHECK (last_message_direction IN ('inbound', 'outbound'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_chat ON sessions(channel_id, chat_external_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			external_id TEXT,
			direction   TEXT NOT NULL,
			type        TEXT NOT NULL DEFAULT 'text',
			body        TEXT NOT NULL,
			automated   INTEGER NOT NULL DEFAULT 0,
			sent_at     TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		-- NULL external ids (relay-generated notices) never collide
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(session_id, external_id);
		CREATE INDEX IF NOT EXISTS idx_messages_session_sent ON messages(session_id, sent_at);

		CREATE TABLE IF NOT EXISTS knowledge_entries (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			title      TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_knowledge_tenant ON knowledge_entries(tenant_id, created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'provision_channel',
				'retry_provisioning',
				'cancel_provisioning',
				'delete_channel',
				'pause_session',
				'resume_session',
				'archive_session'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

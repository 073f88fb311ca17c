// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces:
//
//   - ChannelStore: gateway connections and their status
//   - SessionStore: conversations and messages
//   - TenantStore: tenants, reply profiles and knowledge entries
//   - AuditStore: operator actions
//
// SQLiteStore and MockStore implement all of them through Store.
//
// # Concurrency
//
// Channel status changes are compare-and-swap: UpdateChannelStatus only
// applies when the row is still in the expected status, and returns
// ErrStatusConflict otherwise. MarkWebhookRegistered reports true to exactly
// one caller. Uniqueness is enforced by indexes:
//
//   - one channel per tenant (ErrDuplicateChannel)
//   - one session per (channel, chat) pair (ErrDuplicateSession)
//   - one message per (session, external id) pair (ErrDuplicateMessage)
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so they sort and compare
// correctly inside SQL.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store

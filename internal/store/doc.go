// Package store provides persistent storage for marketchat.
//
// # Architecture
//
// Persistence is split into two interfaces:
//
//   - Store: conversations, messages, read state and fund transfers
//   - DirectoryStore: users and product listings
//
// Backend combines both. Three implementations exist:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite") or
//     github.com/mattn/go-sqlite3 ("sqlite3")
//   - PostgresStore: pgx connection pool
//   - MockStore: in-memory, for unit tests
//
// # Data Models
//
//   - Conversation: buyer/seller thread, optionally about one product, with a
//     status (open, completed) and a transferred amount
//   - Message: text or system entry with a per-message read flag
//   - User: marketplace profile and role
//   - Product: catalog listing owned by a seller
//
// # Invariants
//
// At most one conversation exists per (buyer, seller, product) triple. A
// missing product is stored as the empty product key so that "no product" is
// a single key value and the unique index covers it.
//
// Appending a message and refreshing the conversation's updated_at happen in
// one transaction, and so does completing a transfer together with its
// system notice. Both updates are guarded on the current status, so a
// completed conversation can't receive messages or a second transfer.
//
// # SQLite Configuration
//
// Timestamps are stored as fixed-width UTC text so lexical order is
// chronological. Foreign keys and a busy timeout are set in the DSN so they
// apply to every connection; the pool is limited to one connection.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConversationClosed: message appended to a completed conversation
//   - ErrInvalidTransition: transfer on a conversation that is not open
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// runBackendSuite holds the behavioral contract and runs against MockStore,
// both SQLite drivers, and Postgres when MARKETCHAT_TEST_POSTGRES_DSN is set.
package store

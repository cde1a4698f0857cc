// ABOUTME: SQLite implementation of the Store interface using database/sql
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLite driver names accepted by NewSQLiteStoreWithDriver
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// timeFormat is fixed width so that lexical order of TEXT timestamps is chronological.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements Backend using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverSQLite, path)
}

// NewSQLiteStoreWithDriver creates a SQLite store using the named database/sql driver.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	dsn, err := sqliteDSN(driver, path)
	if err != nil {
		return nil, err
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers (no SQLITE_BUSY between our own
	// transactions) and keeps a :memory: database alive for the store's lifetime.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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

// sqliteDSN appends the per-connection pragmas in the syntax each driver understands.
func sqliteDSN(driver, path string) (string, error) {
	if path == "" {
		return "", errors.New("database path is required")
	}
	switch driver {
	case DriverSQLite:
		return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
	case DriverSQLite3:
		return path + "?_foreign_keys=on&_busy_timeout=5000", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id               TEXT PRIMARY KEY,
			username         TEXT NOT NULL DEFAULT '',
			discord_username TEXT NOT NULL DEFAULT '',
			discord_avatar   TEXT NOT NULL DEFAULT '',
			discord_id       TEXT NOT NULL DEFAULT '',
			role             TEXT NOT NULL DEFAULT 'buyer',
			created_at       TEXT NOT NULL,

			CHECK (role IN ('admin', 'buyer', 'seller'))
		);

		CREATE TABLE IF NOT EXISTS products (
			id         TEXT PRIMARY KEY,
			seller_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			price      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_products_seller ON products(seller_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			buyer_id    TEXT NOT NULL,
			seller_id   TEXT NOT NULL,
			product_key TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			amount      TEXT NOT NULL DEFAULT '0.00',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (status IN ('pending', 'open', 'completed')),
			CHECK (buyer_id <> seller_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_key
			ON conversations(buyer_id, seller_id, product_key);

		CREATE INDEX IF NOT EXISTS idx_conversations_seller
			ON conversations(seller_id);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			CHECK (kind IN ('text', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, is_read, sender_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectConversationSQL = `
	SELECT id, buyer_id, seller_id, product_key, status, amount, created_at, updated_at
	FROM conversations
`

// scanConversation scans the selectConversationSQL columns followed by any extra destinations.
func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var c Conversation
	var key, status, amount, createdAtStr, updatedAtStr string

	dest := []any{&c.ID, &c.BuyerID, &c.SellerID, &key, &status, &amount, &createdAtStr, &updatedAtStr}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	c.ProductID = productIDFromKey(key)
	c.Status = ConversationStatus(status)

	var err error
	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount: %w", err)
	}
	c.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// GetOrCreateConversation inserts the conversation unless its
// (buyer, seller, product) key already exists, then reads back the stored row.
// The unique index makes concurrent first contacts converge on one row.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	status := conv.Status
	if status == "" {
		status = ConversationStatusOpen
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, buyer_id, seller_id, product_key, status, amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(buyer_id, seller_id, product_key) DO NOTHING
	`,
		conv.ID,
		conv.BuyerID,
		conv.SellerID,
		productKey(conv.ProductID),
		status,
		conv.Amount.StringFixed(2),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	stored, err := scanConversation(s.db.QueryRowContext(ctx,
		selectConversationSQL+` WHERE buyer_id = ? AND seller_id = ? AND product_key = ?`,
		conv.BuyerID, conv.SellerID, productKey(conv.ProductID),
	))
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying conversation by key: %w", err)
	}

	if inserted > 0 {
		s.logger.Debug("created conversation", "id", stored.ID, "buyer", stored.BuyerID, "seller", stored.SellerID)
	}
	return stored, inserted > 0, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, selectConversationSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsForUser returns every conversation the user takes part in,
// most recently active first, each with the user's unread count.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationActivity, error) {
	query := `
		SELECT c.id, c.buyer_id, c.seller_id, c.product_key, c.status, c.amount, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id <> ? AND m.is_read = 0) AS unread
		FROM conversations c
		WHERE c.buyer_id = ? OR c.seller_id = ?
		ORDER BY c.updated_at DESC, c.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var result []*ConversationActivity
	for rows.Next() {
		var unread int
		conv, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		result = append(result, &ConversationActivity{Conversation: conv, UnreadCount: unread})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return result, nil
}

// DeleteConversation removes a conversation and, through the foreign key cascade, its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// missingOrClosed explains why a guarded conversation update touched no rows.
func missingOrClosed(ctx context.Context, q querier, conversationID string, whenPresent error) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying conversation status: %w", err)
	}
	return whenPresent
}

// AppendMessage saves a message and bumps the conversation's updated_at atomically.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	kind := msg.Kind
	if kind == "" {
		kind = MessageKindText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND status <> ?`,
		formatTime(msg.CreatedAt), msg.ConversationID, ConversationStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if n == 0 {
		return missingOrClosed(ctx, tx, msg.ConversationID, ErrConversationClosed)
	}

	if err := insertMessage(ctx, tx, msg, kind); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "kind", kind)
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message, kind MessageKind) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		kind,
		msg.Content,
		msg.IsRead,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const selectMessageColumns = `id, conversation_id, sender_id, kind, content, is_read, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var kind, createdAtStr string

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &kind, &msg.Content, &msg.IsRead, &createdAtStr); err != nil {
		return nil, err
	}
	msg.Kind = MessageKind(kind)

	var err error
	msg.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+selectMessageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first), ties broken by insertion order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + selectMessageColumns + `
			FROM (
				SELECT rowid AS seq, ` + selectMessageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + selectMessageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkConversationRead flags every unread message not sent by readerID as read.
// Returns the number of messages changed.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "reader", readerID, "count", n)
	}
	return n, nil
}

// CompleteTransfer moves an open conversation to completed and appends the notice.
func (s *SQLiteStore) CompleteTransfer(ctx context.Context, conversationID string, amount decimal.Decimal, at time.Time, notice *Message) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// updated_at never falls behind a message committed after the caller read the clock
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?, amount = ?,
			updated_at = MAX(?, COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = ?), ''))
		WHERE id = ? AND status = ?
	`, ConversationStatusCompleted, amount.StringFixed(2), formatTime(at), conversationID, conversationID, ConversationStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("completing conversation: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	} else if n == 0 {
		return nil, missingOrClosed(ctx, tx, conversationID, ErrInvalidTransition)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, selectConversationSQL+` WHERE id = ?`, conversationID))
	if err != nil {
		return nil, fmt.Errorf("reading completed conversation: %w", err)
	}

	if notice != nil {
		notice.CreatedAt = conv.UpdatedAt
		if err := insertMessage(ctx, tx, notice, MessageKindSystem); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transfer: %w", err)
	}

	s.logger.Debug("completed transfer", "conversation_id", conversationID, "amount", amount.StringFixed(2))
	return conv, nil
}

// Ensure SQLiteStore implements Backend interface
var _ Backend = (*SQLiteStore)(nil)

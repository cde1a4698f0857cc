// ABOUTME: SQLite implementation of the DirectoryStore interface
// ABOUTME: Persists marketplace users and product listings

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultUserListLimit = 100
	maxUserListLimit     = 1000
)

// UpsertUser creates the user or refreshes its profile fields.
// CreatedAt is kept from the first insert.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	role := user.Role
	if role == "" {
		role = UserRoleBuyer
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, discord_username, discord_avatar, discord_id, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			discord_username = excluded.discord_username,
			discord_avatar = excluded.discord_avatar,
			discord_id = excluded.discord_id,
			role = excluded.role
	`,
		user.ID,
		user.Username,
		user.DiscordUsername,
		user.DiscordAvatar,
		user.DiscordID,
		role,
		formatTime(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	user.Role = role

	s.logger.Debug("upserted user", "id", user.ID, "role", role)
	return nil
}

const selectUserSQL = `
	SELECT id, username, discord_username, discord_avatar, discord_id, role, created_at
	FROM users
`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role, createdAtStr string
	if err := row.Scan(&u.ID, &u.Username, &u.DiscordUsername, &u.DiscordAvatar, &u.DiscordID, &role, &createdAtStr); err != nil {
		return nil, err
	}
	u.Role = UserRole(role)

	var err error
	u.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUserSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// ListUsers returns users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	limit = clampLimit(limit, defaultUserListLimit, maxUserListLimit)

	rows, err := s.db.QueryContext(ctx, selectUserSQL+` ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// UpsertProduct creates the product or updates its seller, name and price.
func (s *SQLiteStore) UpsertProduct(ctx context.Context, product *Product) error {
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, price, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seller_id = excluded.seller_id,
			name = excluded.name,
			price = excluded.price
	`,
		product.ID,
		product.SellerID,
		product.Name,
		product.Price.StringFixed(2),
		formatTime(product.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting product: %w", err)
	}

	s.logger.Debug("upserted product", "id", product.ID, "seller", product.SellerID)
	return nil
}

const selectProductSQL = `SELECT id, seller_id, name, price, created_at FROM products`

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	var price, createdAtStr string
	if err := row.Scan(&p.ID, &p.SellerID, &p.Name, &price, &createdAtStr); err != nil {
		return nil, err
	}

	var err error
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parsing product price: %w", err)
	}
	p.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing product created_at: %w", err)
	}
	return &p, nil
}

// GetProduct retrieves a product by ID.
func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, selectProductSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying product: %w", err)
	}
	return p, nil
}

// ListProducts returns the seller's products, or every product when sellerID is empty.
func (s *SQLiteStore) ListProducts(ctx context.Context, sellerID string) ([]*Product, error) {
	query := selectProductSQL + ` ORDER BY created_at ASC, id ASC`
	var args []any
	if sellerID != "" {
		query = selectProductSQL + ` WHERE seller_id = ? ORDER BY created_at ASC, id ASC`
		args = append(args, sellerID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating product rows: %w", err)
	}
	return products, nil
}

// DeleteProduct removes a product listing. Conversations keep their product id.
func (s *SQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting product: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ABOUTME: Store interfaces and data types for marketchat persistence
// ABOUTME: Defines Conversation, Message, User, Product and the interfaces backends implement

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationClosed is returned when appending to a completed conversation
var ErrConversationClosed = errors.New("conversation is completed")

// ErrInvalidTransition is returned when a status change is not allowed from the current status
var ErrInvalidTransition = errors.New("invalid status transition")

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusPending   ConversationStatus = "pending" // reserved, never produced
	ConversationStatusOpen      ConversationStatus = "open"
	ConversationStatusCompleted ConversationStatus = "completed"
)

// Conversation is a thread between a buyer and a seller, optionally about one product.
type Conversation struct {
	ID        string
	BuyerID   string
	SellerID  string
	ProductID *string // nil for cart-wide or general inquiries
	Status    ConversationStatus
	Amount    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Counterparty returns the id of the participant that is not userID.
func (c *Conversation) Counterparty(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// productKey maps the optional product id onto the non-null column used by the
// (buyer_id, seller_id, product_key) unique constraint. The empty string is the
// "no product" key.
func productKey(productID *string) string {
	if productID == nil {
		return ""
	}
	return *productID
}

// productIDFromKey is the inverse of productKey.
func productIDFromKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// MessageKind distinguishes user-authored text from generated notices
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

// Message is a single entry in a conversation
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           MessageKind
	Content        string
	IsRead         bool
	CreatedAt      time.Time
}

// ConversationActivity pairs a conversation with the number of messages the
// requesting user has not read yet.
type ConversationActivity struct {
	Conversation *Conversation
	UnreadCount  int
}

// UserRole is the marketplace role of a user
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleBuyer  UserRole = "buyer"
	UserRoleSeller UserRole = "seller"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case UserRoleAdmin, UserRoleBuyer, UserRoleSeller:
		return true
	}
	return false
}

// User holds the public profile fields of a marketplace user
type User struct {
	ID              string
	Username        string
	DiscordUsername string
	DiscordAvatar   string
	DiscordID       string
	Role            UserRole
	CreatedAt       time.Time
}

// Product is a catalog listing
type Product struct {
	ID        string
	SellerID  string
	Name      string
	Price     decimal.Decimal
	CreatedAt time.Time
}

// Store defines conversation and message persistence
type Store interface {
	// GetOrCreateConversation inserts conv unless a conversation with the same
	// (BuyerID, SellerID, ProductID) key exists, and returns the stored row.
	// The bool is true when this call created the row.
	GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationActivity, error)
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage inserts msg and refreshes the conversation's updated_at in one
	// transaction. Returns ErrConversationClosed for completed conversations.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)

	// CompleteTransfer moves an open conversation to completed, records amount and
	// appends notice, all in one transaction.
	CompleteTransfer(ctx context.Context, conversationID string, amount decimal.Decimal, at time.Time, notice *Message) (*Conversation, error)

	Ping(ctx context.Context) error
	Close() error
}

// DirectoryStore defines user and product persistence backing the directory
type DirectoryStore interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)

	UpsertProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context, sellerID string) ([]*Product, error)
	DeleteProduct(ctx context.Context, id string) error
}

// Backend is implemented by every concrete store
type Backend interface {
	Store
	DirectoryStore
}

// clampLimit applies the default and maximum page sizes used by list queries.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var errMockClosed = errors.New("mock store closed")

// MockStore is an in-memory Backend implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	convIndex     map[string]string        // keyed by "buyer:seller:productKey" -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, insertion order
	messageByID   map[string]*Message
	users         map[string]*User
	products      map[string]*Product
	closed        bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		convIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
		messageByID:   make(map[string]*Message),
		users:         make(map[string]*User),
		products:      make(map[string]*Product),
	}
}

func conversationKey(buyerID, sellerID string, productID *string) string {
	return buyerID + ":" + sellerID + ":" + productKey(productID)
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	if c.ProductID != nil {
		p := *c.ProductID
		result.ProductID = &p
	}
	return &result
}

func copyMessage(m *Message) *Message {
	result := *m
	return &result
}

// GetOrCreateConversation stores conv unless its key is already taken.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := conversationKey(conv.BuyerID, conv.SellerID, conv.ProductID)
	if id, ok := m.convIndex[key]; ok {
		return copyConversation(m.conversations[id]), false, nil
	}

	c := copyConversation(conv)
	if c.Status == "" {
		c.Status = ConversationStatusOpen
	}
	c.Amount = c.Amount.Round(2)
	m.conversations[c.ID] = c
	m.convIndex[key] = c.ID

	return copyConversation(c), true, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *MockStore) unreadFor(conversationID, userID string) int {
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != userID && !msg.IsRead {
			n++
		}
	}
	return n
}

// ListConversationsForUser returns the user's conversations, most recently active first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ConversationActivity
	for _, c := range m.conversations {
		if c.BuyerID != userID && c.SellerID != userID {
			continue
		}
		result = append(result, &ConversationActivity{
			Conversation: copyConversation(c),
			UnreadCount:  m.unreadFor(c.ID, userID),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Conversation, result[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.convIndex, conversationKey(c.BuyerID, c.SellerID, c.ProductID))
	for _, msg := range m.messages[id] {
		delete(m.messageByID, msg.ID)
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *MockStore) appendLocked(msg *Message, kind MessageKind) {
	stored := copyMessage(msg)
	stored.Kind = kind
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	m.messageByID[stored.ID] = stored
}

// AppendMessage saves a message and bumps the conversation's UpdatedAt.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Status == ConversationStatusCompleted {
		return ErrConversationClosed
	}

	kind := msg.Kind
	if kind == "" {
		kind = MessageKindText
	}
	m.appendLocked(msg, kind)
	c.UpdatedAt = msg.CreatedAt
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns the most recent `limit` messages oldest first; all of them when limit <= 0.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		msgs = append(msgs, copyMessage(msg))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs, nil
}

// MarkConversationRead flags every unread message not sent by readerID as read.
func (m *MockStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

// CompleteTransfer moves an open conversation to completed and appends the notice.
func (m *MockStore) CompleteTransfer(ctx context.Context, conversationID string, amount decimal.Decimal, at time.Time, notice *Message) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != ConversationStatusOpen {
		return nil, ErrInvalidTransition
	}

	stamp := at
	for _, msg := range m.messages[conversationID] {
		if msg.CreatedAt.After(stamp) {
			stamp = msg.CreatedAt
		}
	}

	c.Status = ConversationStatusCompleted
	c.Amount = amount.Round(2)
	c.UpdatedAt = stamp
	if notice != nil {
		notice.CreatedAt = stamp
		m.appendLocked(notice, MessageKindSystem)
	}
	return copyConversation(c), nil
}

// UpsertUser creates the user or refreshes its profile fields.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.Role == "" {
		user.Role = UserRoleBuyer
	}
	u := *user
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns users ordered by creation time.
func (m *MockStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit, defaultUserListLimit, maxUserListLimit)
	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		result := *u
		users = append(users, &result)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// UpsertProduct creates the product or updates its seller, name and price.
func (m *MockStore) UpsertProduct(ctx context.Context, product *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := *product
	p.Price = p.Price.Round(2)
	if existing, ok := m.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.products[p.ID] = &p
	return nil
}

// GetProduct retrieves a product by ID.
func (m *MockStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// ListProducts returns the seller's products, or every product when sellerID is empty.
func (m *MockStore) ListProducts(ctx context.Context, sellerID string) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var products []*Product
	for _, p := range m.products {
		if sellerID != "" && p.SellerID != sellerID {
			continue
		}
		result := *p
		products = append(products, &result)
	}
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.Before(products[j].CreatedAt)
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

// DeleteProduct removes a product listing.
func (m *MockStore) DeleteProduct(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	return nil
}

// Ping always succeeds unless the store was closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMockClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Backend interface
var _ Backend = (*MockStore)(nil)

// ABOUTME: Shared behavioral tests run against every Backend implementation
// ABOUTME: Covers conversation dedup, message ordering, read state, transfers and the directory

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suiteEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// at returns a timestamp offset from a fixed epoch, at microsecond precision so
// every backend round-trips it exactly.
func at(offset time.Duration) time.Time {
	return suiteEpoch.Add(offset).Truncate(time.Microsecond)
}

func strPtr(s string) *string { return &s }

func newConv(id, buyer, seller string, product *string, ts time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		BuyerID:   buyer,
		SellerID:  seller,
		ProductID: product,
		Status:    ConversationStatusOpen,
		Amount:    decimal.Zero,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func newMsg(id, convID, sender, content string, ts time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Kind:           MessageKindText,
		Content:        content,
		CreatedAt:      ts,
	}
}

// runBackendSuite exercises the Backend contract against a fresh store per subtest.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("GetOrCreateConversation", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		first, created, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", strPtr("prod-1"), at(0)))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "conv-1", first.ID)
		assert.Equal(t, ConversationStatusOpen, first.Status)
		assert.True(t, first.Amount.Equal(decimal.Zero))
		require.NotNil(t, first.ProductID)
		assert.Equal(t, "prod-1", *first.ProductID)
		assert.True(t, first.CreatedAt.Equal(at(0)))

		again, created, err := s.GetOrCreateConversation(ctx, newConv("conv-2", "buyer", "seller", strPtr("prod-1"), at(time.Minute)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "conv-1", again.ID, "same key must return the existing conversation")
		assert.True(t, again.CreatedAt.Equal(at(0)))
	})

	t.Run("NullProductIsItsOwnKey", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		withProduct, _, err := s.GetOrCreateConversation(ctx, newConv("conv-p", "buyer", "seller", strPtr("prod-1"), at(0)))
		require.NoError(t, err)

		general, created, err := s.GetOrCreateConversation(ctx, newConv("conv-g", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, withProduct.ID, general.ID)
		assert.Nil(t, general.ProductID)

		generalAgain, created, err := s.GetOrCreateConversation(ctx, newConv("conv-g2", "buyer", "seller", nil, at(time.Second)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, general.ID, generalAgain.ID)

		// Swapped roles are a different pair.
		swapped, created, err := s.GetOrCreateConversation(ctx, newConv("conv-s", "seller", "buyer", nil, at(0)))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "conv-s", swapped.ID)
	})

	t.Run("ConcurrentGetOrCreateConverges", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		const workers = 8
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, _, err := s.GetOrCreateConversation(ctx, newConv(fmt.Sprintf("race-%d", i), "buyer", "seller", strPtr("prod-9"), at(0)))
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("GetConversationNotFound", func(t *testing.T) {
		s := newBackend(t)
		_, err := s.GetConversation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendMessageBumpsUpdatedAt", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)

		require.NoError(t, s.AppendMessage(ctx, newMsg("msg-1", "conv-1", "buyer", "hello", at(5*time.Second))))

		conv, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, conv.UpdatedAt.Equal(at(5*time.Second)))

		msg, err := s.GetMessage(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, MessageKindText, msg.Kind)
		assert.False(t, msg.IsRead)
		assert.True(t, msg.CreatedAt.Equal(at(5*time.Second)))
	})

	t.Run("AppendMessageErrors", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		err := s.AppendMessage(ctx, newMsg("msg-x", "missing", "buyer", "hi", at(0)))
		assert.ErrorIs(t, err, ErrNotFound)

		_, _, err = s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)
		_, err = s.CompleteTransfer(ctx, "conv-1", decimal.RequireFromString("10.00"), at(time.Second), nil)
		require.NoError(t, err)

		err = s.AppendMessage(ctx, newMsg("msg-y", "conv-1", "buyer", "hi", at(2*time.Second)))
		assert.ErrorIs(t, err, ErrConversationClosed)

		conv, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, conv.UpdatedAt.Equal(at(time.Second)), "rejected message must not touch updated_at")
	})

	t.Run("ListMessagesOrderAndLimit", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			sender := "buyer"
			if i%2 == 1 {
				sender = "seller"
			}
			require.NoError(t, s.AppendMessage(ctx, newMsg(fmt.Sprintf("msg-%d", i), "conv-1", sender, fmt.Sprintf("m%d", i), at(time.Duration(i+1)*time.Second))))
		}

		all, err := s.ListMessages(ctx, "conv-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, m := range all {
			assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		}

		recent, err := s.ListMessages(ctx, "conv-1", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "m3", recent[0].Content)
		assert.Equal(t, "m4", recent[1].Content)

		none, err := s.ListMessages(ctx, "other", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("EqualTimestampsKeepInsertionOrder", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)

		same := at(time.Second)
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.AppendMessage(ctx, newMsg("msg-"+id, "conv-1", "buyer", id, same)))
		}

		msgs, err := s.ListMessages(ctx, "conv-1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "c", msgs[0].Content)
		assert.Equal(t, "a", msgs[1].Content)
		assert.Equal(t, "b", msgs[2].Content)
	})

	t.Run("UnreadCountsAndMarkRead", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, newMsg("m1", "conv-1", "buyer", "one", at(time.Second))))
		require.NoError(t, s.AppendMessage(ctx, newMsg("m2", "conv-1", "buyer", "two", at(2*time.Second))))
		require.NoError(t, s.AppendMessage(ctx, newMsg("m3", "conv-1", "seller", "three", at(3*time.Second))))

		sellerView, err := s.ListConversationsForUser(ctx, "seller")
		require.NoError(t, err)
		require.Len(t, sellerView, 1)
		assert.Equal(t, 2, sellerView[0].UnreadCount)

		buyerView, err := s.ListConversationsForUser(ctx, "buyer")
		require.NoError(t, err)
		require.Len(t, buyerView, 1)
		assert.Equal(t, 1, buyerView[0].UnreadCount)

		n, err := s.MarkConversationRead(ctx, "conv-1", "seller")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.MarkConversationRead(ctx, "conv-1", "seller")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "marking twice changes nothing")

		sellerView, err = s.ListConversationsForUser(ctx, "seller")
		require.NoError(t, err)
		assert.Equal(t, 0, sellerView[0].UnreadCount)

		// The seller's own message stays unread for the buyer.
		m3, err := s.GetMessage(ctx, "m3")
		require.NoError(t, err)
		assert.False(t, m3.IsRead)
	})

	t.Run("ListConversationsOrderedByActivity", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("old", "buyer", "seller-a", nil, at(0)))
		require.NoError(t, err)
		_, _, err = s.GetOrCreateConversation(ctx, newConv("new", "buyer", "seller-b", nil, at(time.Minute)))
		require.NoError(t, err)
		_, _, err = s.GetOrCreateConversation(ctx, newConv("unrelated", "x", "y", nil, at(time.Hour)))
		require.NoError(t, err)

		list, err := s.ListConversationsForUser(ctx, "buyer")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "new", list[0].Conversation.ID)
		assert.Equal(t, "old", list[1].Conversation.ID)

		require.NoError(t, s.AppendMessage(ctx, newMsg("bump", "old", "seller-a", "ping", at(2*time.Minute))))

		list, err = s.ListConversationsForUser(ctx, "buyer")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "old", list[0].Conversation.ID)

		empty, err := s.ListConversationsForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("CompleteTransfer", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", strPtr("prod-1"), at(0)))
		require.NoError(t, err)

		notice := &Message{
			ID:             "notice-1",
			ConversationID: "conv-1",
			SenderID:       "buyer",
			Content:        "funds sent",
			CreatedAt:      at(time.Minute),
		}
		conv, err := s.CompleteTransfer(ctx, "conv-1", decimal.RequireFromString("25.5"), at(time.Minute), notice)
		require.NoError(t, err)
		assert.Equal(t, ConversationStatusCompleted, conv.Status)
		assert.Equal(t, "25.50", conv.Amount.StringFixed(2))
		assert.True(t, conv.UpdatedAt.Equal(at(time.Minute)))

		msgs, err := s.ListMessages(ctx, "conv-1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, MessageKindSystem, msgs[0].Kind)
		assert.Equal(t, "funds sent", msgs[0].Content)

		_, err = s.CompleteTransfer(ctx, "conv-1", decimal.RequireFromString("1"), at(2*time.Minute), nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stored, err := s.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "25.50", stored.Amount.StringFixed(2), "second transfer must not change the amount")

		_, err = s.CompleteTransfer(ctx, "missing", decimal.RequireFromString("1"), at(0), nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompleteTransferAfterNewerMessage", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, newMsg("m1", "conv-1", "seller", "shipped", at(3*time.Second))))

		// The caller's clock reading predates the seller's message
		notice := &Message{ID: "notice-1", ConversationID: "conv-1", SenderID: "buyer", Content: "funds sent", CreatedAt: at(2 * time.Second)}
		conv, err := s.CompleteTransfer(ctx, "conv-1", decimal.RequireFromString("5"), at(2*time.Second), notice)
		require.NoError(t, err)
		assert.True(t, conv.UpdatedAt.Equal(at(3*time.Second)))
		assert.True(t, notice.CreatedAt.Equal(at(3*time.Second)))

		msgs, err := s.ListMessages(ctx, "conv-1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "notice-1", msgs[1].ID)
	})

	t.Run("DeleteConversationCascades", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		_, _, err := s.GetOrCreateConversation(ctx, newConv("conv-1", "buyer", "seller", nil, at(0)))
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, newMsg("m1", "conv-1", "buyer", "hi", at(time.Second))))

		require.NoError(t, s.DeleteConversation(ctx, "conv-1"))

		_, err = s.GetMessage(ctx, "m1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, "conv-1"), ErrNotFound)

		// The key is free again.
		_, created, err := s.GetOrCreateConversation(ctx, newConv("conv-2", "buyer", "seller", nil, at(time.Minute)))
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("Users", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		u := &User{ID: "u1", Username: "alice", DiscordUsername: "alice#1", Role: UserRoleSeller, CreatedAt: at(0)}
		require.NoError(t, s.UpsertUser(ctx, u))

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, UserRoleSeller, got.Role)

		require.NoError(t, s.UpsertUser(ctx, &User{ID: "u1", Username: "alice2", Role: UserRoleSeller, CreatedAt: at(time.Hour)}))
		got, err = s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice2", got.Username)
		assert.True(t, got.CreatedAt.Equal(at(0)), "created_at is kept on update")

		require.NoError(t, s.UpsertUser(ctx, &User{ID: "u2", Username: "bob", CreatedAt: at(time.Minute)}))
		users, err := s.ListUsers(ctx, 0)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "u1", users[0].ID)
		assert.Equal(t, UserRoleBuyer, users[1].Role, "role defaults to buyer")

		limited, err := s.ListUsers(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Products", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertProduct(ctx, &Product{ID: "p1", SellerID: "s1", Name: "Lamp", Price: decimal.RequireFromString("19.99"), CreatedAt: at(0)}))
		require.NoError(t, s.UpsertProduct(ctx, &Product{ID: "p2", SellerID: "s2", Name: "Desk", Price: decimal.RequireFromString("120"), CreatedAt: at(time.Second)}))

		p, err := s.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Lamp", p.Name)
		assert.Equal(t, "19.99", p.Price.StringFixed(2))

		mine, err := s.ListProducts(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "p1", mine[0].ID)

		all, err := s.ListProducts(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, s.DeleteProduct(ctx, "p1"))
		_, err = s.GetProduct(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteProduct(ctx, "p1"), ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newBackend(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

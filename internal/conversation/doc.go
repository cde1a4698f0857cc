// Package conversation implements the buyer-seller conversation service.
//
// # Service
//
//	svc := conversation.New(store, dir, broadcaster, conversation.Options{}, logger)
//
// Every operation takes the caller's user id explicitly:
//
//   - GetOrCreateConversation(ctx, caller, counterparty, productID)
//   - ListConversationsForUser(ctx, caller)
//   - GetConversation(ctx, caller, conversationID)
//   - ListMessages(ctx, caller, conversationID, limit)
//   - SendMessage(ctx, &SendRequest{...})
//   - MarkConversationRead(ctx, caller, conversationID)
//   - TransferFunds(ctx, caller, conversationID, amount)
//   - Subscribe(ctx, caller, conversationID)
//   - UnreadTotal(ctx, caller)
//
// # Lifecycle
//
// A conversation is created open on first contact, keyed by (buyer, seller,
// product). The buyer's fund transfer moves it to completed exactly once and
// appends a system message with the amount. Completed conversations accept
// no further messages. The pending status is reserved and never produced.
//
// # Errors
//
// Returned errors wrap one of ErrUnauthenticated, ErrUnauthorized,
// ErrForbidden, ErrInvalidOperation, ErrInvalidInput, ErrInvalidState,
// ErrNotFound or ErrDuplicateMessage. Storage failures are wrapped as-is.
//
// # Event Broadcasting
//
// After each persisted change the service publishes an Event to the
// EventBroadcaster: message, read, or status. Subscribers with full buffers
// miss events and are expected to resync with ListMessages.
package conversation

// ABOUTME: Service owns the buyer-seller conversation lifecycle
// ABOUTME: Creation with dedup, messaging, read state, and the simulated fund transfer

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/2389/marketchat/internal/dedupe"
	"github.com/2389/marketchat/internal/directory"
	"github.com/2389/marketchat/internal/store"
)

// Defaults applied by New for zero Options fields
const (
	DefaultMaxMessageLength = 4000
	DefaultHistoryLimit     = 200
	DefaultDedupeTTL        = 10 * time.Minute
	defaultDedupeEntries    = 10_000
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, conv *store.Conversation) (*store.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.ConversationActivity, error)

	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)

	CompleteTransfer(ctx context.Context, conversationID string, amount decimal.Decimal, at time.Time, notice *store.Message) (*store.Conversation, error)
}

// Directory resolves the enrichment shown in conversation listings
type Directory interface {
	Profile(ctx context.Context, userID string) (directory.Profile, error)
	ProductName(ctx context.Context, productID string) (string, error)
}

// Options tunes the service. Zero values take the package defaults.
type Options struct {
	MaxMessageLength int           // runes per message
	HistoryLimit     int           // messages returned when the caller passes no limit; negative means all
	DedupeTTL        time.Duration // how long a client message id stays bound to its message
	Now              func() time.Time
}

// Service is the conversation layer. Every method takes the caller's identity
// explicitly; an empty caller id fails with ErrUnauthenticated.
type Service struct {
	store  ConversationStore
	dir    Directory
	events *EventBroadcaster
	sent   *dedupe.Cache // "conversation:sender:clientID" -> message id
	opts   Options
	logger *slog.Logger
}

// New creates a conversation Service. events may be nil to disable push.
func New(s ConversationStore, dir Directory, events *EventBroadcaster, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:  s,
		dir:    dir,
		events: events,
		sent:   dedupe.New(opts.DedupeTTL, defaultDedupeEntries),
		opts:   opts,
		logger: logger.With("component", "conversation"),
	}
}

// Close releases the idempotency cache.
func (s *Service) Close() {
	s.sent.Close()
}

// now returns the current UTC time at the precision every backend stores.
func (s *Service) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

// Summary is one row of a user's conversation list.
type Summary struct {
	Conversation *store.Conversation
	OtherUser    directory.Profile
	ProductName  string
	UnreadCount  int
	IsBuyer      bool
}

// GetOrCreateConversation returns the conversation where callerID is the buyer
// and counterpartyID the seller for the given product (nil for a general
// inquiry), creating it on first contact. created reports whether this call
// inserted it.
func (s *Service) GetOrCreateConversation(ctx context.Context, callerID, counterpartyID string, productID *string) (conv *store.Conversation, created bool, err error) {
	if callerID == "" {
		return nil, false, ErrUnauthenticated
	}
	counterpartyID = strings.TrimSpace(counterpartyID)
	if counterpartyID == "" {
		return nil, false, fmt.Errorf("%w: counterparty is required", ErrInvalidInput)
	}
	if counterpartyID == callerID {
		return nil, false, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidOperation)
	}
	if productID != nil {
		trimmed := strings.TrimSpace(*productID)
		if trimmed == "" {
			productID = nil
		} else {
			productID = &trimmed
		}
	}

	now := s.now()
	conv, created, err = s.store.GetOrCreateConversation(ctx, &store.Conversation{
		ID:        uuid.New().String(),
		BuyerID:   callerID,
		SellerID:  counterpartyID,
		ProductID: productID,
		Status:    store.ConversationStatusOpen,
		Amount:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("get or create conversation: %w", err)
	}

	if created {
		s.logger.Debug("conversation created",
			"conversation_id", conv.ID,
			"buyer", conv.BuyerID,
			"seller", conv.SellerID)
	}
	return conv, created, nil
}

// ListConversationsForUser returns the caller's conversations, most recently
// active first, enriched with the other participant and the product name.
func (s *Service) ListConversationsForUser(ctx context.Context, callerID string) ([]*Summary, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}

	rows, err := s.store.ListConversationsForUser(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	profiles := make(map[string]directory.Profile)
	products := make(map[string]string)
	summaries := make([]*Summary, 0, len(rows))

	for _, row := range rows {
		conv := row.Conversation
		otherID := conv.Counterparty(callerID)

		profile, ok := profiles[otherID]
		if !ok {
			profile, err = s.dir.Profile(ctx, otherID)
			if err != nil {
				return nil, fmt.Errorf("resolving participant: %w", err)
			}
			profiles[otherID] = profile
		}

		var productName string
		if conv.ProductID != nil {
			name, ok := products[*conv.ProductID]
			if !ok {
				name, err = s.dir.ProductName(ctx, *conv.ProductID)
				if err != nil {
					return nil, fmt.Errorf("resolving product: %w", err)
				}
				products[*conv.ProductID] = name
			}
			productName = name
		}

		summaries = append(summaries, &Summary{
			Conversation: conv,
			OtherUser:    profile,
			ProductName:  productName,
			UnreadCount:  row.UnreadCount,
			IsBuyer:      conv.BuyerID == callerID,
		})
	}
	return summaries, nil
}

// UnreadTotal sums the caller's unread counts across all conversations.
func (s *Service) UnreadTotal(ctx context.Context, callerID string) (int, error) {
	if callerID == "" {
		return 0, ErrUnauthenticated
	}
	rows, err := s.store.ListConversationsForUser(ctx, callerID)
	if err != nil {
		return 0, fmt.Errorf("listing conversations: %w", err)
	}
	total := 0
	for _, row := range rows {
		total += row.UnreadCount
	}
	return total, nil
}

// load fetches a conversation, mapping storage misses to ErrNotFound.
func (s *Service) load(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// authorize loads a conversation the caller participates in.
func (s *Service) authorize(ctx context.Context, callerID, conversationID string) (*store.Conversation, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(callerID) {
		return nil, fmt.Errorf("%w: not a participant of conversation %s", ErrUnauthorized, conversationID)
	}
	return conv, nil
}

// GetConversation returns one conversation the caller participates in.
func (s *Service) GetConversation(ctx context.Context, callerID, conversationID string) (*store.Conversation, error) {
	return s.authorize(ctx, callerID, conversationID)
}

// ListMessages returns the conversation's messages oldest first. limit keeps
// only the most recent messages; limit <= 0 uses the configured history limit.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string, limit int) ([]*store.Message, error) {
	if _, err := s.authorize(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// SendRequest is a message send from one participant.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string

	// ClientMessageID makes retries idempotent: a repeat with the same id from
	// the same sender returns the stored message instead of appending again.
	ClientMessageID string
}

// SendMessage appends a text message and refreshes the conversation's
// activity time. Completed conversations reject new messages with ErrInvalidState.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*store.Message, error) {
	if req.SenderID == "" {
		return nil, ErrUnauthenticated
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > s.opts.MaxMessageLength {
		return nil, fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInput, n, s.opts.MaxMessageLength)
	}

	conv, err := s.authorize(ctx, req.SenderID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// A retry of a send that already landed replays it even after completion
	var dedupeKey string
	if req.ClientMessageID != "" {
		dedupeKey = conv.ID + ":" + req.SenderID + ":" + req.ClientMessageID
		if id, ok := s.sent.Get(dedupeKey); ok && id != "" {
			return s.replay(ctx, dedupeKey)
		}
	}

	if conv.Status == store.ConversationStatusCompleted {
		return nil, fmt.Errorf("%w: conversation %s is completed", ErrInvalidState, conv.ID)
	}

	if dedupeKey != "" && s.sent.CheckAndMark(dedupeKey) {
		return s.replay(ctx, dedupeKey)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Kind:           store.MessageKindText,
		Content:        content,
		CreatedAt:      s.now(),
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		if dedupeKey != "" {
			s.sent.Delete(dedupeKey)
		}
		switch {
		case errors.Is(err, store.ErrConversationClosed):
			return nil, fmt.Errorf("%w: conversation %s is completed", ErrInvalidState, conv.ID)
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conv.ID)
		}
		s.logger.Error("failed to append message", "conversation_id", conv.ID, "error", err)
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if dedupeKey != "" {
		s.sent.Set(dedupeKey, msg.ID)
	}

	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", msg.SenderID)

	s.publish(&Event{Type: EventMessage, ConversationID: conv.ID, Message: msg})
	return msg, nil
}

// replay returns the message already stored for a repeated client message id.
func (s *Service) replay(ctx context.Context, dedupeKey string) (*store.Message, error) {
	id, ok := s.sent.Get(dedupeKey)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: send already in progress", ErrDuplicateMessage)
	}
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	s.logger.Debug("replayed duplicate send", "message_id", id)
	return msg, nil
}

// MarkConversationRead marks every message the other participant sent as
// read. Returns how many messages changed; repeating the call returns 0.
func (s *Service) MarkConversationRead(ctx context.Context, callerID, conversationID string) (int64, error) {
	conv, err := s.authorize(ctx, callerID, conversationID)
	if err != nil {
		return 0, err
	}

	n, err := s.store.MarkConversationRead(ctx, conv.ID, callerID)
	if err != nil {
		return 0, fmt.Errorf("marking conversation read: %w", err)
	}

	if n > 0 {
		s.logger.Debug("conversation marked read",
			"conversation_id", conv.ID,
			"reader", callerID,
			"count", n)
		s.publish(&Event{Type: EventRead, ConversationID: conv.ID, ReaderID: callerID, ReadCount: n})
	}
	return n, nil
}

// TransferFunds records the simulated release of funds by the buyer: the
// conversation becomes completed with the amount, and a system message is
// appended, in one step. Only the buyer may call it, and only once.
func (s *Service) TransferFunds(ctx context.Context, callerID, conversationID string, amount decimal.Decimal) (*store.Conversation, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if callerID != conv.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can transfer funds", ErrForbidden)
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if conv.Status != store.ConversationStatusOpen {
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrInvalidState, conv.ID, conv.Status)
	}

	now := s.now()
	notice := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       callerID,
		Kind:           store.MessageKindSystem,
		Content:        TransferNotice(amount),
		CreatedAt:      now,
	}

	// The store may move notice.CreatedAt forward past messages that committed
	// after now was read.
	updated, err := s.store.CompleteTransfer(ctx, conv.ID, amount, now, notice)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			return nil, fmt.Errorf("%w: conversation %s is no longer open", ErrInvalidState, conv.ID)
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conv.ID)
		}
		s.logger.Error("failed to complete transfer", "conversation_id", conv.ID, "error", err)
		return nil, fmt.Errorf("completing transfer: %w", err)
	}

	s.logger.Info("funds transferred",
		"conversation_id", updated.ID,
		"buyer", updated.BuyerID,
		"amount", updated.Amount.StringFixed(2))

	s.publish(&Event{Type: EventMessage, ConversationID: updated.ID, Message: notice})
	s.publish(&Event{Type: EventStatus, ConversationID: updated.ID, Conversation: updated})
	return updated, nil
}

// Subscribe streams events for a conversation the caller participates in.
// The channel closes when ctx ends.
func (s *Service) Subscribe(ctx context.Context, callerID, conversationID string) (<-chan *Event, error) {
	conv, err := s.authorize(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, fmt.Errorf("%w: push is disabled", ErrInvalidOperation)
	}
	ch, _ := s.events.Subscribe(ctx, conv.ID)
	return ch, nil
}

func (s *Service) publish(event *Event) {
	if s.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = s.now()
	s.events.Publish(event)
}

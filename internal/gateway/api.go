// ABOUTME: HTTP API handlers for buyer-seller conversations
// ABOUTME: JSON request decoding with validation, response shaping, and service error mapping

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/2389/marketchat/internal/auth"
	"github.com/2389/marketchat/internal/conversation"
	"github.com/2389/marketchat/internal/directory"
	"github.com/2389/marketchat/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	CounterpartyID string  `json:"counterparty_id" validate:"required,max=128"`
	ProductID      *string `json:"product_id,omitempty" validate:"omitempty,max=128"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content         string `json:"content" validate:"required"`
	ClientMessageID string `json:"client_message_id,omitempty" validate:"omitempty,max=128"`
}

// TransferRequest is the JSON request body for POST /api/conversations/{id}/transfer.
// Amount accepts a JSON number or a numeric string.
type TransferRequest struct {
	Amount json.Number `json:"amount" validate:"required"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID        string  `json:"id"`
	BuyerID   string  `json:"buyer_id"`
	SellerID  string  `json:"seller_id"`
	ProductID *string `json:"product_id"`
	Status    string  `json:"status"`
	Amount    string  `json:"amount"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// SummaryResponse is one row of GET /api/conversations.
type SummaryResponse struct {
	ConversationResponse
	OtherUser   directory.Profile `json:"other_user"`
	OtherName   string            `json:"other_user_name"`
	ProductName string            `json:"product_name,omitempty"`
	UnreadCount int               `json:"unread_count"`
	IsBuyer     bool              `json:"is_buyer"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Kind           string `json:"kind"`
	Content        string `json:"content"`
	ContentHTML    string `json:"content_html"`
	IsRead         bool   `json:"is_read"`
	CreatedAt      string `json:"created_at"`
}

// MeResponse is the JSON response for GET /api/me.
type MeResponse struct {
	Profile     directory.Profile `json:"profile"`
	Role        string            `json:"role"`
	UnreadTotal int               `json:"unread_total"`

	// PollIntervalMS is how often clients without a push channel should re-fetch.
	PollIntervalMS int64 `json:"poll_interval_ms"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		BuyerID:   c.BuyerID,
		SellerID:  c.SellerID,
		ProductID: c.ProductID,
		Status:    string(c.Status),
		Amount:    c.Amount.StringFixed(2),
		CreatedAt: formatTimestamp(c.CreatedAt),
		UpdatedAt: formatTimestamp(c.UpdatedAt),
	}
}

func (g *Gateway) toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Kind:           string(m.Kind),
		Content:        m.Content,
		ContentHTML:    g.renderMarkdown(m.Content),
		IsRead:         m.IsRead,
		CreatedAt:      formatTimestamp(m.CreatedAt),
	}
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps a service error onto an HTTP status code.
func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrUnauthorized), errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrInvalidInput), errors.Is(err, conversation.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrInvalidState), errors.Is(err, conversation.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes the mapped status for err. Internal errors are
// logged and their detail hidden from the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// decodeAndValidate decodes a JSON body into dst and runs struct validation.
func (g *Gateway) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", conversation.ErrInvalidInput)
	}
	if err := g.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", conversation.ErrInvalidInput, describeValidation(err))
	}
	return nil
}

// describeValidation renders the first validation failure as "field: rule".
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}

// toSnake converts a Go field name to its JSON name ("CounterpartyID" -> "counterparty_id").
func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func callerID(r *http.Request) string {
	return auth.MustFromContext(r.Context()).UserID
}

// handleMe handles GET /api/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	profile, err := g.directory.Profile(r.Context(), authCtx.UserID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	unread, err := g.conversation.UnreadTotal(r.Context(), authCtx.UserID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, MeResponse{
		Profile:        profile,
		Role:           string(authCtx.Role),
		UnreadTotal:    unread,
		PollIntervalMS: g.config.Chat.PollInterval.Milliseconds(),
	})
}

// handleCreateConversation handles POST /api/conversations.
// Responds 201 when the conversation was created and 200 when it already existed.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := g.decodeAndValidate(w, r, &req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conv, created, err := g.conversation.GetOrCreateConversation(r.Context(), callerID(r), req.CounterpartyID, req.ProductID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, toConversationResponse(conv))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := g.conversation.ListConversationsForUser(r.Context(), callerID(r))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	response := make([]SummaryResponse, len(summaries))
	for i, s := range summaries {
		response[i] = SummaryResponse{
			ConversationResponse: toConversationResponse(s.Conversation),
			OtherUser:            s.OtherUser,
			OtherName:            s.OtherUser.DisplayName(),
			ProductName:          s.ProductName,
			UnreadCount:          s.UnreadCount,
			IsBuyer:              s.IsBuyer,
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": response})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.GetConversation(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// An optional ?limit=N returns the most recent N messages, still oldest first.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conversationID := mux.Vars(r)["id"]
	messages, err := g.conversation.ListMessages(r.Context(), callerID(r), conversationID, limit)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	response := make([]MessageResponse, len(messages))
	for i, m := range messages {
		response[i] = g.toMessageResponse(m)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        response,
	})
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := g.decodeAndValidate(w, r, &req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	msg, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		ConversationID:  mux.Vars(r)["id"],
		SenderID:        callerID(r),
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, g.toMessageResponse(msg))
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := g.conversation.MarkConversationRead(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Marked-Read", strconv.FormatInt(n, 10))
	w.WriteHeader(http.StatusNoContent)
}

// handleTransfer handles POST /api/conversations/{id}/transfer.
func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := g.decodeAndValidate(w, r, &req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	// Range and precision checks happen in TransferFunds, after the buyer check.
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "amount is not a decimal number")
		return
	}

	conv, err := g.conversation.TransferFunds(r.Context(), callerID(r), mux.Vars(r)["id"], amount)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// ABOUTME: Tests for the conversation HTTP API handlers
// ABOUTME: Covers auth, creation, messaging, read state, transfers, and error mapping

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/marketchat/internal/conversation"
	"github.com/2389/marketchat/internal/store"
)

type listResponse struct {
	Conversations []SummaryResponse `json:"conversations"`
}

type messagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

func (e *testEnv) createConversation(t *testing.T, buyerID, sellerID string, productID *string) ConversationResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", buyerID, CreateConversationRequest{
		CounterpartyID: sellerID,
		ProductID:      productID,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	return decodeBody[ConversationResponse](t, resp)
}

func (e *testEnv) send(t *testing.T, convID, senderID, content string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", senderID, SendMessageRequest{Content: content})
}

func strPtr(s string) *string { return &s }

func TestAPI_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing authorization header", errorMessage(t, resp))

	resp = env.do(t, http.MethodGet, "/api/conversations", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "user not found", errorMessage(t, resp))
}

func TestAPI_SessionCookie(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "session", Value: env.token(t, "buyer-x")})

	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Me(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)
	require.Equal(t, http.StatusCreated, env.send(t, conv.ID, "buyer-x", "hello").StatusCode)

	resp := env.do(t, http.MethodGet, "/api/me", "seller-y", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[MeResponse](t, resp)
	assert.Equal(t, "seller-y", me.Profile.ID)
	assert.Equal(t, "bob", me.Profile.Username)
	assert.Equal(t, "seller", me.Role)
	assert.Equal(t, 1, me.UnreadTotal)
	assert.Equal(t, int64(1000), me.PollIntervalMS)
}

func TestAPI_CreateConversation(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(t, http.MethodPost, "/api/conversations", "buyer-x", CreateConversationRequest{
		CounterpartyID: "seller-y",
		ProductID:      strPtr("P123"),
	})
	require.Equal(t, http.StatusCreated, first.StatusCode)
	created := decodeBody[ConversationResponse](t, first)
	assert.Equal(t, "buyer-x", created.BuyerID)
	assert.Equal(t, "seller-y", created.SellerID)
	require.NotNil(t, created.ProductID)
	assert.Equal(t, "P123", *created.ProductID)
	assert.Equal(t, "open", created.Status)
	assert.Equal(t, "0.00", created.Amount)

	second := env.do(t, http.MethodPost, "/api/conversations", "buyer-x", CreateConversationRequest{
		CounterpartyID: "seller-y",
		ProductID:      strPtr("P123"),
	})
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, created.ID, decodeBody[ConversationResponse](t, second).ID)

	general := env.createConversation(t, "buyer-x", "seller-y", nil)
	assert.NotEqual(t, created.ID, general.ID)
	assert.Nil(t, general.ProductID)
}

func TestAPI_CreateConversation_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		body    any
		status  int
		wantMsg string
	}{
		{name: "missing counterparty", body: map[string]string{}, status: http.StatusBadRequest, wantMsg: "counterparty_id is required"},
		{name: "self", body: CreateConversationRequest{CounterpartyID: "buyer-x"}, status: http.StatusBadRequest, wantMsg: "yourself"},
		{name: "bad json", body: "{not json", status: http.StatusBadRequest, wantMsg: "invalid JSON body"},
		{name: "too long", body: CreateConversationRequest{CounterpartyID: strings.Repeat("x", 129)}, status: http.StatusBadRequest, wantMsg: "at most 128"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/conversations", "buyer-x", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, errorMessage(t, resp), tt.wantMsg)
		})
	}
}

// TestAPI_BuyerSellerScenario walks a full conversation: first contact,
// unread accounting, read receipts, the buyer-only transfer, and the terminal
// completed state.
func TestAPI_BuyerSellerScenario(t *testing.T) {
	env := newTestEnv(t)

	conv := env.createConversation(t, "buyer-x", "seller-y", strPtr("P123"))

	resp := env.send(t, conv.ID, "buyer-x", "  Is this still available?  ")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decodeBody[MessageResponse](t, resp)
	assert.Equal(t, "Is this still available?", sent.Content)
	assert.Equal(t, "text", sent.Kind)
	assert.False(t, sent.IsRead)

	// Seller sees one unread message from the buyer.
	resp = env.do(t, http.MethodGet, "/api/conversations", "seller-y", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[listResponse](t, resp)
	require.Len(t, list.Conversations, 1)
	row := list.Conversations[0]
	assert.Equal(t, conv.ID, row.ID)
	assert.Equal(t, 1, row.UnreadCount)
	assert.False(t, row.IsBuyer)
	assert.Equal(t, "buyer-x", row.OtherUser.ID)
	assert.Equal(t, "alice", row.OtherUser.Username)
	assert.Equal(t, "alice#1", row.OtherName)
	assert.Equal(t, "Walnut Desk", row.ProductName)

	// The buyer's own message is not unread for the buyer.
	resp = env.do(t, http.MethodGet, "/api/conversations", "buyer-x", nil)
	buyerRow := decodeBody[listResponse](t, resp).Conversations[0]
	assert.Equal(t, 0, buyerRow.UnreadCount)
	assert.True(t, buyerRow.IsBuyer)
	assert.Equal(t, "bob", buyerRow.OtherUser.Username)
	assert.Equal(t, "bob", buyerRow.OtherName)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", "seller-y", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Marked-Read"))

	resp = env.do(t, http.MethodGet, "/api/conversations", "seller-y", nil)
	assert.Equal(t, 0, decodeBody[listResponse](t, resp).Conversations[0].UnreadCount)

	require.Equal(t, http.StatusCreated, env.send(t, conv.ID, "seller-y", "Yes it is").StatusCode)

	// Only the buyer may transfer.
	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/transfer", "seller-y", map[string]string{"amount": "19.99"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/transfer", "buyer-x", map[string]string{"amount": "19.99"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeBody[ConversationResponse](t, resp)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "19.99", done.Amount)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "seller-y", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[messagesResponse](t, resp)
	require.Len(t, history.Messages, 3)
	notice := history.Messages[2]
	assert.Equal(t, "system", notice.Kind)
	assert.Equal(t, conversation.TransferNotice(mustDecimal(t, "19.99")), notice.Content)
	assert.Contains(t, notice.ContentHTML, "<strong>FUNDS TRANSFERRED ($19.99)</strong>")

	// Completed is terminal.
	resp = env.send(t, conv.ID, "buyer-x", "thanks!")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/transfer", "buyer-x", map[string]any{"amount": 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "buyer-x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", decodeBody[ConversationResponse](t, resp).Status)
}

func TestAPI_ParticipantsOnly(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/conversations/" + conv.ID, nil},
		{http.MethodGet, "/api/conversations/" + conv.ID + "/messages", nil},
		{http.MethodPost, "/api/conversations/" + conv.ID + "/messages", SendMessageRequest{Content: "hi"}},
		{http.MethodPost, "/api/conversations/" + conv.ID + "/read", nil},
		{http.MethodPost, "/api/conversations/" + conv.ID + "/transfer", map[string]string{"amount": "1.00"}},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp := env.do(t, p.method, p.path, "outsider", p.body)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	resp := env.do(t, http.MethodGet, "/api/conversations", "outsider", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[listResponse](t, resp).Conversations)
}

func TestAPI_UnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/conversations/does-not-exist/messages", "buyer-x", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)

	resp := env.send(t, conv.ID, "buyer-x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid input: content is required", errorMessage(t, resp))

	resp = env.send(t, conv.ID, "buyer-x", "   \n\t ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.send(t, conv.ID, "buyer-x", strings.Repeat("a", 4001))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SendMessage_ClientMessageIDReplay(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)
	path := "/api/conversations/" + conv.ID + "/messages"
	req := SendMessageRequest{Content: "only once", ClientMessageID: "tmp-1700000000"}

	first := env.do(t, http.MethodPost, path, "buyer-x", req)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second := env.do(t, http.MethodPost, path, "buyer-x", req)
	require.Equal(t, http.StatusCreated, second.StatusCode)

	assert.Equal(t, decodeBody[MessageResponse](t, first).ID, decodeBody[MessageResponse](t, second).ID)

	resp := env.do(t, http.MethodGet, path, "buyer-x", nil)
	assert.Len(t, decodeBody[messagesResponse](t, resp).Messages, 1)
}

func TestAPI_ListMessages_Limit(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)
	for i := 1; i <= 4; i++ {
		require.Equal(t, http.StatusCreated, env.send(t, conv.ID, "buyer-x", fmt.Sprintf("m%d", i)).StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2", "seller-y", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[messagesResponse](t, resp).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m4", msgs[1].Content)

	for _, bad := range []string{"0", "-1", "abc"} {
		resp := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit="+bad, "seller-y", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", bad)
	}
}

func TestAPI_ListConversations_OrderedByActivity(t *testing.T) {
	env := newTestEnv(t)
	older := env.createConversation(t, "buyer-x", "seller-y", nil)
	newer := env.createConversation(t, "buyer-x", "seller-y", strPtr("P123"))

	// A message in the older conversation moves it to the top.
	require.Equal(t, http.StatusCreated, env.send(t, older.ID, "buyer-x", "bump").StatusCode)

	resp := env.do(t, http.MethodGet, "/api/conversations", "buyer-x", nil)
	rows := decodeBody[listResponse](t, resp).Conversations
	require.Len(t, rows, 2)
	assert.Equal(t, older.ID, rows[0].ID)
	assert.Equal(t, newer.ID, rows[1].ID)
}

func TestAPI_Transfer_InvalidAmounts(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)
	path := "/api/conversations/" + conv.ID + "/transfer"

	tests := []struct {
		name string
		body string
	}{
		{name: "missing", body: `{}`},
		{name: "zero", body: `{"amount": "0"}`},
		{name: "negative", body: `{"amount": -5}`},
		{name: "three decimals", body: `{"amount": "1.999"}`},
		{name: "too large", body: `{"amount": "100000000.00"}`},
		{name: "not a number", body: `{"amount": "abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, path, "buyer-x", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "buyer-x", nil)
	assert.Equal(t, "open", decodeBody[ConversationResponse](t, resp).Status)
}

func TestAPI_ContentHTML_DropsRawHTML(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "buyer-x", "seller-y", nil)

	resp := env.send(t, conv.ID, "buyer-x", "<script>alert(1)</script>\n\n**deal**")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[MessageResponse](t, resp)
	assert.NotContains(t, msg.ContentHTML, "<script>")
	assert.Contains(t, msg.ContentHTML, "<strong>deal</strong>")
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodDelete, "/api/conversations", "buyer-x", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: not a participant", conversation.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("%w: buyer only", conversation.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: empty", conversation.ErrInvalidInput), http.StatusBadRequest},
		{conversation.ErrInvalidOperation, http.StatusBadRequest},
		{conversation.ErrInvalidState, http.StatusConflict},
		{conversation.ErrDuplicateMessage, http.StatusConflict},
		{conversation.ErrNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestToSnake(t *testing.T) {
	tests := map[string]string{
		"CounterpartyID":  "counterparty_id",
		"ClientMessageID": "client_message_id",
		"Content":         "content",
		"ID":              "id",
		"SellerID":        "seller_id",
	}
	for in, want := range tests {
		assert.Equal(t, want, toSnake(in), in)
	}
}

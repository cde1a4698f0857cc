// ABOUTME: Push delivery of conversation events over Server-Sent Events and WebSocket
// ABOUTME: Both transports subscribe through the conversation service, participants only

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/2389/marketchat/internal/conversation"
)

// WebSocket timing
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

// sseKeepAlive is how often an idle SSE stream sends a comment line.
const sseKeepAlive = 25 * time.Second

// EventResponse is the JSON payload of a pushed event.
type EventResponse struct {
	ID             string                `json:"id"`
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Timestamp      string                `json:"timestamp"`
	Message        *MessageResponse      `json:"message,omitempty"`
	ReaderID       string                `json:"reader_id,omitempty"`
	ReadCount      int64                 `json:"read_count,omitempty"`
	Conversation   *ConversationResponse `json:"conversation,omitempty"`
}

func (g *Gateway) toEventResponse(ev *conversation.Event) EventResponse {
	resp := EventResponse{
		ID:             ev.ID,
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Timestamp:      formatTimestamp(ev.Timestamp),
		ReaderID:       ev.ReaderID,
		ReadCount:      ev.ReadCount,
	}
	if ev.Message != nil {
		m := g.toMessageResponse(ev.Message)
		resp.Message = &m
	}
	if ev.Conversation != nil {
		c := toConversationResponse(ev.Conversation)
		resp.Conversation = &c
	}
	return resp
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleConversationEvents handles GET /api/conversations/{id}/events as an SSE stream.
// The stream ends when the client disconnects or the gateway shuts down.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conversationID := mux.Vars(r)["id"]
	events, err := g.conversation.Subscribe(r.Context(), callerID(r), conversationID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "ready", map[string]any{
		"conversation_id": conversationID,
		"subscribers":     g.events.SubscriberCount(conversationID),
	})
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), g.toEventResponse(ev))
			flusher.Flush()
		}
	}
}

// handleConversationSocket handles GET /api/conversations/{id}/ws. The socket is
// push-only; client frames other than control frames are discarded.
func (g *Gateway) handleConversationSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Authorize before upgrading so failures get a normal HTTP status.
	events, err := g.conversation.Subscribe(ctx, callerID(r), mux.Vars(r)["id"])
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go g.socketReadPump(conn, cancel)
	g.socketWritePump(ctx, conn, events)
}

// socketReadPump drains client frames so pongs and close frames are processed,
// and cancels the subscription when the connection drops.
func (g *Gateway) socketReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (g *Gateway) socketWritePump(ctx context.Context, conn *websocket.Conn, events <-chan *conversation.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(g.toEventResponse(ev)); err != nil {
				g.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

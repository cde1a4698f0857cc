// ABOUTME: Route table for the marketchat HTTP API
// ABOUTME: Health endpoints are public; everything under /api requires a caller identity

package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/2389/marketchat/internal/auth"
)

// routes builds the router. Called once from NewWithBackends.
func (g *Gateway) routes() *mux.Router {
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(g.logRequests)

	// Health endpoints - no auth required
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.HTTPAuthMiddleware(g.store, g.verifier, g.config.Auth.CookieName, g.logger))

	api.HandleFunc("/me", g.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/conversations", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", g.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", g.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", g.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", g.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", g.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/transfer", g.handleTransfer).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/events", g.handleConversationEvents).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/ws", g.handleConversationSocket).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(auth.RequireAdminHTTP())
	admin.HandleFunc("/users", g.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users", g.handleUpsertUser).Methods(http.MethodPost)
	admin.HandleFunc("/products", g.handleListProducts).Methods(http.MethodGet)
	admin.HandleFunc("/products", g.handleUpsertProduct).Methods(http.MethodPost)
	admin.HandleFunc("/products/{id}", g.handleDeleteProduct).Methods(http.MethodDelete)

	return r
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// logRequests logs each request at debug level.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// Package gateway serves the marketchat HTTP API.
//
// # Overview
//
// The Gateway owns the store backend, the directory cache, the conversation
// service and its event broadcaster, and exposes them over HTTP:
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// The listener is a plain TCP socket on server.http_addr, or a Tailscale node
// (tsnet) when tailscale.enabled is set, optionally with HTTPS or Funnel.
//
// # Routes
//
//	GET  /health                            liveness
//	GET  /health/ready                      store and cache ping
//	GET  /api/me                            caller profile and unread total
//	GET  /api/conversations                 caller's conversations, newest activity first
//	POST /api/conversations                 get or create {counterparty_id, product_id?}
//	GET  /api/conversations/{id}            one conversation
//	GET  /api/conversations/{id}/messages   history, ?limit=N
//	POST /api/conversations/{id}/messages   send {content, client_message_id?}
//	POST /api/conversations/{id}/read       mark the other side's messages read
//	POST /api/conversations/{id}/transfer   buyer releases funds {amount}
//	GET  /api/conversations/{id}/events     Server-Sent Events
//	GET  /api/conversations/{id}/ws         WebSocket
//
// Admin routes under /api/admin maintain users and products.
//
// # Errors
//
// Errors are JSON objects of the form {"error": "..."}. Service errors map to
// 401 (unauthenticated), 403 (not a participant, buyer-only action),
// 400 (invalid input or operation), 404 (unknown conversation),
// 409 (completed conversation, send in flight) and 500 otherwise.
//
// # Message rendering
//
// Every message carries content_html rendered from Markdown with goldmark.
// Raw HTML in message content is omitted from the rendered output.
package gateway

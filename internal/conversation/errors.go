// ABOUTME: Error taxonomy returned by the conversation service
// ABOUTME: Callers match with errors.Is; every returned error wraps exactly one of these

package conversation

import "errors"

var (
	// ErrUnauthenticated means the call carried no caller identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized means the caller is not a participant of the conversation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller participates but lacks the required role (buyer-only actions).
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidOperation means the request makes no sense, such as conversing with yourself.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidInput means a field failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState means the conversation's status does not allow the action.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound means the conversation or message id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessage means a send with the same client message id is still in flight.
	ErrDuplicateMessage = errors.New("duplicate message")
)

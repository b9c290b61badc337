package errors

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Routing and delivery errors.
var (
	// ErrRecipientNotResolved is returned when a logical recipient cannot be
	// mapped to a service URL, client socket, or the local process.
	ErrRecipientNotResolved = errors.New("recipient not resolved")
	// ErrBrokerUnavailable is returned when the message broker is not connected.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrBrokerTimeout is returned when a synchronous broker request receives
	// no reply within the RPC deadline.
	ErrBrokerTimeout = errors.New("broker request timed out")
	// ErrClientNotConnected is returned when a client has no live socket.
	ErrClientNotConnected = errors.New("client not connected")
	// ErrClientIDMissing is returned when a socket upgrade carries no clientId.
	ErrClientIDMissing = errors.New("client ID missing")
	// ErrNoRoute is returned when a message matches no dispatch rule.
	ErrNoRoute = errors.New("no route for message")
	// ErrQueueOverflow is returned when an offline queue evicts on overflow.
	ErrQueueOverflow = errors.New("offline queue overflow")
)

// Component registration errors.
var (
	// ErrComponentNotFound is returned when a component id is not registered.
	ErrComponentNotFound = errors.New("component not found")
	// ErrInvalidRegistration is returned when a registration is missing id,
	// type, or url.
	ErrInvalidRegistration = errors.New("invalid component registration")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.New(msg + ": " + err.Error())
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across components.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

package slchat

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed          = errors.New("slchat: bot closed")
	ErrAlreadyRunning  = errors.New("slchat: bot already running")
	ErrNotInChat       = errors.New("slchat: bot is not in chat")
	ErrWaitTimeout     = errors.New("slchat: wait timed out")
	ErrUnknownUser     = errors.New("slchat: unknown user")
	ErrUnexpectedEvent = errors.New("slchat: unexpected event")
	ErrNoAPI           = errors.New("slchat: REST fallback not configured")
)

// ConnectionError represents a failure on the control channel or on a chat
// sub-channel.
type ConnectionError struct {
	Op     string
	ChatID string
	URL    string
	Err    error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.ChatID != "":
		return fmt.Sprintf("slchat: %s chat %s: %v", e.Op, e.ChatID, e.Err)
	case e.URL != "":
		return fmt.Sprintf("slchat: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("slchat: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError represents a failed outbound emission.
type SendError struct {
	Op     string
	ChatID string
	Err    error
}

func (e *SendError) Error() string {
	if e.ChatID != "" {
		return fmt.Sprintf("slchat: %s [%s]: %v", e.Op, e.ChatID, e.Err)
	}
	return fmt.Sprintf("slchat: %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an inbound payload that could not be decoded.
type ProtocolError struct {
	Event  string
	ChatID string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.ChatID != "" {
		return fmt.Sprintf("slchat: bad %s payload in chat %s: %v", e.Event, e.ChatID, e.Err)
	}
	return fmt.Sprintf("slchat: bad %s payload: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HTTPError is returned by the REST fallback for non-2xx responses.
type HTTPError struct {
	Method string
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("slchat: %s %s: status %d", e.Method, e.URL, e.Status)
}

// ErrorSink receives every non-fatal failure, labelled with the operation
// that produced it.
type ErrorSink func(err error, where string)

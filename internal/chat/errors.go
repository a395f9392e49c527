// Package chat implements the chat session coordinator: the session state
// store, the escalation state machine, the message reconciler and the
// coordinator that drives them from the push transport and the REST API.
package chat

import (
	"errors"

	"rentchat/internal/domain"
)

var (
	// ErrInvalidInput is returned for empty or whitespace-only message text.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleHandle is returned when an optimistic handle no longer matches the live session.
	ErrStaleHandle = errors.New("stale handle")
	// ErrTransportUnavailable means the push channel was not connected at send time.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrRequestFailed wraps a rejected REST call or a network error.
	ErrRequestFailed = errors.New("request failed")
	// ErrMalformedEvent is returned for inbound events missing required fields.
	ErrMalformedEvent = domain.ErrMalformedEvent
	// ErrNoSession is returned when an operation needs a session and none is initialized.
	ErrNoSession = errors.New("no active session")
	// ErrIllegalTransition is returned by the state machine for transitions it does not allow.
	ErrIllegalTransition = errors.New("illegal transition")
)

package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrNoClient is returned when a request arrives and no client is attached.
	ErrNoClient = errors.New("No client connected")

	// ErrTooManyClients is returned to a connecting client when another one is
	// already attached, and to the HTTP request that observes the rejection.
	ErrTooManyClients = errors.New("Too many client connected")

	// ErrClientDisconnected is returned when the client went away before replying.
	ErrClientDisconnected = errors.New("Client disconnected")

	// ErrInvalidReply resolves a request whose reply could not be decoded or
	// carries an impossible status.
	ErrInvalidReply = errors.New("Invalid reply from client")

	// ErrReplyTimeout resolves a request whose reply never arrived. It is treated
	// like a disconnect by callers.
	ErrReplyTimeout = fmt.Errorf("%w: no reply before timeout", ErrClientDisconnected)
)

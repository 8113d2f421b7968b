// Package transport moves encoded envelopes over one physical connection.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive and Send once the transport is closed.
var ErrClosed = errors.New("transport closed")

// Transport is one bidirectional, message-framed connection to an adapter.
// Receive is called from a single goroutine; Send may be called concurrently.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

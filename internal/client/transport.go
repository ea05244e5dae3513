package client

import (
	"context"
	"net/http"

	"github.com/omochice/realtime-chat-client/internal/transport/ws"
)

// Conn abstracts the persistent connection to the broker. Each Read and
// Write carries one WebSocket message.
type Conn interface {
	// Read reads a single message. The context deadline bounds the read.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// Alive reports whether the transport still considers itself open.
	Alive() bool

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections to the broker.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	return f(ctx, rawURL, header)
}

// WebSocketDialer dials the broker over gobwas/ws.
func WebSocketDialer() Dialer {
	return DialerFunc(func(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
		conn, err := ws.Dial(ctx, rawURL, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

var _ Conn = (*ws.Conn)(nil)

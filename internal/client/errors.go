package client

import (
	"errors"

	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

var (
	// ErrNoToken is returned when the session has no token to connect with.
	ErrNoToken = errors.New("client: no auth token in session")
	// ErrConnectTimeout is returned when the broker does not acknowledge
	// CONNECT within the configured timeout.
	ErrConnectTimeout = errors.New("client: broker did not acknowledge connect in time")
	// ErrBrokerRejected is returned when the broker answers with an ERROR frame.
	ErrBrokerRejected = errors.New("client: broker rejected the connection")
	// ErrTransport wraps socket level failures.
	ErrTransport = errors.New("client: transport error")
	// ErrNotConnected is returned for operations issued while disconnected.
	ErrNotConnected = errors.New("client: not connected")
	// ErrDecode matches inbound payloads that could not be decoded.
	ErrDecode = protocol.ErrMalformed
)

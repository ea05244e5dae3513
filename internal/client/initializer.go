package client

import (
	"context"
	"sync/atomic"
	"time"
)

// Initializer performs the first connection of a client and remembers that
// it was attempted, so callers can tell "never tried" from "tried and failed".
type Initializer struct {
	client    *Client
	attempted atomic.Bool
}

// NewInitializer wraps c.
func NewInitializer(c *Client) *Initializer {
	return &Initializer{client: c}
}

// Initialize connects the client.
func (i *Initializer) Initialize(ctx context.Context) bool {
	i.attempted.Store(true)
	ok := i.client.Connect(ctx)
	if !ok {
		i.client.log.Error("Failed to initialize connection", "error", i.client.LastError())
	}
	return ok
}

// Retry connects again unless the client is already connected.
func (i *Initializer) Retry(ctx context.Context) bool {
	if i.client.IsConnected() {
		return true
	}
	ok := i.client.Connect(ctx)
	if !ok {
		i.client.log.Warn("Reconnect attempt failed", "error", i.client.LastError())
	}
	return ok
}

// RetryWithBackoff calls Retry up to attempts times, sleeping between tries,
// until it succeeds or ctx is done.
func (i *Initializer) RetryWithBackoff(ctx context.Context, attempts int, b Backoff) bool {
	for n := 1; n <= attempts; n++ {
		if i.Retry(ctx) {
			return true
		}
		if n == attempts {
			break
		}
		timer := time.NewTimer(b.Next(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

// Shutdown disconnects the client.
func (i *Initializer) Shutdown() {
	i.client.Disconnect()
}

// WasAttempted reports whether Initialize has been called.
func (i *Initializer) WasAttempted() bool {
	return i.attempted.Load()
}

// Client returns the wrapped client.
func (i *Initializer) Client() *Client {
	return i.client
}

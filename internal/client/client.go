// Package client implements the realtime messaging client: one STOMP over
// WebSocket connection to the chat broker, conversation and friend
// notification subscriptions, typed callbacks and outbound publishing.
package client

import (
	"context"
	"time"

	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/internal/session"
	"github.com/omochice/realtime-chat-client/pkg/logger"
	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

// Messenger is the public surface of the messaging client.
type Messenger interface {
	Connect(ctx context.Context) bool
	Disconnect()
	IsConnected() bool

	SubscribeToConversation(conversationID int64)
	SubscribeToFriendRequestNotifications()
	SubscribeToFriendAcceptedNotifications()

	SendChatMessage(conversationID int64, sender, text string) bool
	SendFriendRequestNotification(requester, receiver string) bool
	SendFriendAcceptedSignal(username string) bool

	OnChatMessage(fn func(protocol.ChatMessage))
	OnFriendRequest(fn func(protocol.FriendNotification))
	OnFriendAccepted(fn func(username string))
}

// Option configures a Client.
type Option func(*options)

type options struct {
	log    logger.Logger
	dialer Dialer
	now    func() time.Time
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock sets the clock used to timestamp chat messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client wires the connection manager, the subscription registry, the event
// router and the publisher together.
type Client struct {
	*EventRouter
	*Publisher

	conn     *ConnectionManager
	registry *SubscriptionRegistry
	log      logger.Logger
}

var _ Messenger = (*Client)(nil)

// New creates a disconnected client. Credentials are read from provider on
// every Connect.
func New(cfg *config.Config, provider session.Provider, opts ...Option) *Client {
	o := options{log: logger.NewNop(), dialer: WebSocketDialer(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	router := NewEventRouter(o.log)
	conn := NewConnectionManager(cfg.Broker, provider, o.dialer, o.log)
	registry := NewSubscriptionRegistry(conn, router, cfg.Destinations, o.log)
	conn.onDisconnect = func(l *live, err error) {
		registry.invalidate(l)
	}

	return &Client{
		EventRouter: router,
		Publisher:   NewPublisher(conn, cfg.Destinations, o.now, o.log),
		conn:        conn,
		registry:    registry,
		log:         o.log,
	}
}

// Connect opens the broker connection, waiting at most the configured
// connect timeout. It returns true at once when already connected.
func (c *Client) Connect(ctx context.Context) bool {
	return c.conn.Connect(ctx)
}

// Disconnect removes every subscription and closes the connection.
func (c *Client) Disconnect() {
	if err := c.registry.UnsubscribeAll(); err != nil {
		c.log.Debug("Unsubscribe before disconnect failed", "error", err)
	}
	c.conn.Disconnect()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Client) SubscribeToConversation(conversationID int64) {
	c.registry.SubscribeToConversation(conversationID)
}

func (c *Client) SubscribeToFriendRequestNotifications() {
	c.registry.SubscribeToFriendRequestNotifications()
}

func (c *Client) SubscribeToFriendAcceptedNotifications() {
	c.registry.SubscribeToFriendAcceptedNotifications()
}

// UnsubscribeAll removes every active subscription.
func (c *Client) UnsubscribeAll() error {
	return c.registry.UnsubscribeAll()
}

// Subscriptions returns the channels currently subscribed.
func (c *Client) Subscriptions() []Channel {
	return c.registry.Active()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.conn.State()
}

// LastError returns why the last connect failed or the connection dropped.
func (c *Client) LastError() error {
	return c.conn.LastError()
}

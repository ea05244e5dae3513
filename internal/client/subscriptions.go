package client

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/pkg/logger"
	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

// Channel identifies a logical broker channel. ConversationID is only set
// for chat message channels.
type Channel struct {
	Kind           protocol.Kind
	ConversationID int64
}

// subscriber is the part of ConnectionManager the registry needs.
type subscriber interface {
	IsConnected() bool
	Subscribe(destination string, deliver func(body []byte)) (*Subscription, error)
}

// SubscriptionRegistry tracks which channels the client listens on. At most
// one conversation is subscribed at a time.
type SubscriptionRegistry struct {
	conn   subscriber
	router *EventRouter
	dest   config.DestinationsConfig
	log    logger.Logger

	mu     sync.Mutex
	active map[Channel]*Subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry(conn subscriber, router *EventRouter, dest config.DestinationsConfig, log logger.Logger) *SubscriptionRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	return &SubscriptionRegistry{
		conn:   conn,
		router: router,
		dest:   dest,
		log:    log,
		active: make(map[Channel]*Subscription),
	}
}

// SubscribeToConversation replaces the current conversation subscription
// with one on the given conversation. Friend notification subscriptions are
// left alone. Nothing happens while disconnected.
func (r *SubscriptionRegistry) SubscribeToConversation(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conn.IsConnected() {
		r.log.Debug("Not connected, skipping conversation subscription", "conversation_id", conversationID)
		return
	}
	if err := r.unsubscribeLocked(func(ch Channel) bool { return ch.Kind == protocol.KindChatMessage }); err != nil {
		r.log.Warn("Failed to leave previous conversation", "error", err)
	}

	ch := Channel{Kind: protocol.KindChatMessage, ConversationID: conversationID}
	r.subscribeLocked(ch, r.dest.ConversationTopic(conversationID))
}

// SubscribeToFriendRequestNotifications listens for incoming friend requests.
func (r *SubscriptionRegistry) SubscribeToFriendRequestNotifications() {
	r.subscribeFixed(Channel{Kind: protocol.KindFriendRequest}, r.dest.TopicFriendRequest)
}

// SubscribeToFriendAcceptedNotifications listens for accepted friend requests.
func (r *SubscriptionRegistry) SubscribeToFriendAcceptedNotifications() {
	r.subscribeFixed(Channel{Kind: protocol.KindFriendAccepted}, r.dest.TopicFriendAccepted)
}

func (r *SubscriptionRegistry) subscribeFixed(ch Channel, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conn.IsConnected() {
		r.log.Debug("Not connected, skipping subscription", "channel", ch.Kind)
		return
	}
	if _, ok := r.active[ch]; ok {
		return
	}
	r.subscribeLocked(ch, destination)
}

func (r *SubscriptionRegistry) subscribeLocked(ch Channel, destination string) {
	sub, err := r.conn.Subscribe(destination, func(body []byte) {
		r.router.Route(ch, body)
	})
	if err != nil {
		r.log.Error("Failed to subscribe", "destination", destination, "error", err)
		return
	}
	r.active[ch] = sub
	r.log.Info("Subscribed", "destination", destination, "subscription", sub.ID)
}

// UnsubscribeAll removes every active subscription. Frames read after it
// returns are not delivered; a callback already running may still finish.
func (r *SubscriptionRegistry) UnsubscribeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(func(Channel) bool { return true })
}

func (r *SubscriptionRegistry) unsubscribeLocked(match func(Channel) bool) error {
	var err error
	for ch, sub := range r.active {
		if !match(ch) {
			continue
		}
		err = multierr.Append(err, sub.Unsubscribe())
		delete(r.active, ch)
	}
	return err
}

// invalidate forgets, without talking to the broker, the subscriptions that
// were opened on the dropped connection l.
func (r *SubscriptionRegistry) invalidate(l *live) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, sub := range r.active {
		if sub.session == l {
			delete(r.active, ch)
		}
	}
}

// Active returns the channels currently subscribed.
func (r *SubscriptionRegistry) Active() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := make([]Channel, 0, len(r.active))
	for ch := range r.active {
		channels = append(channels, ch)
	}
	return channels
}

// ConversationID returns the subscribed conversation, if any.
func (r *SubscriptionRegistry) ConversationID() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.active {
		if ch.Kind == protocol.KindChatMessage {
			return ch.ConversationID, true
		}
	}
	return 0, false
}

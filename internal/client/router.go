package client

import (
	"sync"

	"github.com/omochice/realtime-chat-client/pkg/logger"
	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

// EventRouter decodes inbound frames and hands them to the callback
// registered for their channel kind. Each kind has a single slot.
type EventRouter struct {
	log logger.Logger

	mu             sync.RWMutex
	onChatMessage  func(protocol.ChatMessage)
	onFriendReq    func(protocol.FriendNotification)
	onFriendAccept func(string)
}

// NewEventRouter creates a router with no callbacks.
func NewEventRouter(log logger.Logger) *EventRouter {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventRouter{log: log}
}

// OnChatMessage sets the chat message callback. nil clears it.
func (r *EventRouter) OnChatMessage(fn func(protocol.ChatMessage)) {
	r.mu.Lock()
	r.onChatMessage = fn
	r.mu.Unlock()
}

// OnFriendRequest sets the friend request callback. nil clears it.
func (r *EventRouter) OnFriendRequest(fn func(protocol.FriendNotification)) {
	r.mu.Lock()
	r.onFriendReq = fn
	r.mu.Unlock()
}

// OnFriendAccepted sets the friend accepted callback. nil clears it.
func (r *EventRouter) OnFriendAccepted(fn func(username string)) {
	r.mu.Lock()
	r.onFriendAccept = fn
	r.mu.Unlock()
}

// Route decodes body received on ch and invokes the matching callback
// synchronously. It reports whether a callback ran. Undecodable or invalid
// payloads are logged and dropped.
func (r *EventRouter) Route(ch Channel, body []byte) bool {
	payload, err := protocol.Decode(ch.Kind, body)
	if err != nil {
		r.log.Warn("Dropping undecodable frame", "channel", ch.Kind, "error", err)
		return false
	}

	if msg, ok := payload.(protocol.ChatMessage); ok && msg.ConversationID == 0 {
		msg.ConversationID = ch.ConversationID
		payload = msg
	}

	if err := payload.Validate(); err != nil {
		r.log.Warn("Dropping invalid frame", "channel", ch.Kind, "error", err)
		return false
	}

	r.mu.RLock()
	chatFn, reqFn, acceptFn := r.onChatMessage, r.onFriendReq, r.onFriendAccept
	r.mu.RUnlock()

	switch v := payload.(type) {
	case protocol.ChatMessage:
		if chatFn == nil {
			return false
		}
		chatFn(v)
	case protocol.FriendNotification:
		if reqFn == nil {
			return false
		}
		reqFn(v)
	case protocol.FriendAccepted:
		if acceptFn == nil {
			return false
		}
		acceptFn(v.Username)
	default:
		return false
	}
	return true
}

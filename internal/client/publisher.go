package client

import (
	"time"

	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/pkg/logger"
	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

// TimestampLayout is the wall clock format stamped on outgoing chat messages.
const TimestampLayout = "15:04:05"

// sender is the part of ConnectionManager the publisher needs.
type sender interface {
	IsConnected() bool
	Send(destination, contentType string, body []byte) error
}

// Publisher encodes and sends outbound payloads. Sends are fire and forget:
// true means the frame was handed to the transport.
type Publisher struct {
	conn sender
	dest config.DestinationsConfig
	now  func() time.Time
	log  logger.Logger
}

// NewPublisher creates a publisher. now defaults to time.Now.
func NewPublisher(conn sender, dest config.DestinationsConfig, now func() time.Time, log logger.Logger) *Publisher {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{conn: conn, dest: dest, now: now, log: log}
}

// SendChatMessage posts text to a conversation.
func (p *Publisher) SendChatMessage(conversationID int64, sender, text string) bool {
	msg := protocol.ChatMessage{
		Sender:         sender,
		Content:        text,
		Timestamp:      p.now().Format(TimestampLayout),
		ConversationID: conversationID,
	}
	return p.publish(p.dest.ConversationSend(conversationID), msg)
}

// SendFriendRequestNotification tells receiver about a friend request.
func (p *Publisher) SendFriendRequestNotification(requester, receiver string) bool {
	return p.publish(p.dest.AppFriendRequest, protocol.FriendNotification{
		Requester: requester,
		Receiver:  receiver,
	})
}

// SendFriendAcceptedSignal announces that username accepted a request.
func (p *Publisher) SendFriendAcceptedSignal(username string) bool {
	return p.publish(p.dest.AppFriendAccepted, protocol.FriendAccepted{Username: username})
}

func (p *Publisher) publish(destination string, payload protocol.Payload) bool {
	if !p.conn.IsConnected() {
		p.log.Warn("Not connected, dropping outbound message", "kind", payload.Kind(), "destination", destination)
		return false
	}
	if err := payload.Validate(); err != nil {
		p.log.Error("Refusing to send invalid message", "kind", payload.Kind(), "error", err)
		return false
	}

	body, err := protocol.Encode(payload)
	if err != nil {
		p.log.Error("Failed to encode message", "kind", payload.Kind(), "error", err)
		return false
	}
	if err := p.conn.Send(destination, payload.Kind().ContentType(), body); err != nil {
		p.log.Error("Failed to send message", "kind", payload.Kind(), "destination", destination, "error", err)
		return false
	}

	p.log.Debug("Message sent", "kind", payload.Kind(), "destination", destination)
	return true
}

// Package protocol defines the payloads exchanged with the chat broker and
// their wire encoding.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Kind identifies the logical channel a payload travels on.
type Kind int

const (
	KindChatMessage Kind = iota
	KindFriendRequest
	KindFriendAccepted
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "CHAT_MESSAGE"
	case KindFriendRequest:
		return "FRIEND_REQUEST"
	case KindFriendAccepted:
		return "FRIEND_ACCEPTED"
	default:
		return "UNKNOWN"
	}
}

// ContentType returns the content-type header value used when sending a
// payload of this kind.
func (k Kind) ContentType() string {
	if k == KindFriendAccepted {
		return "text/plain"
	}
	return "application/json"
}

var (
	// ErrUnknownKind is returned for a Kind outside the declared set.
	ErrUnknownKind = errors.New("protocol: unknown kind")
	// ErrMalformed is returned when a frame body cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrMissingField is returned when a decoded payload lacks a required field.
	ErrMissingField = errors.New("protocol: missing required field")
)

// Payload is implemented by every message that can be carried on a channel.
type Payload interface {
	Kind() Kind
	Validate() error
}

// ChatMessage is a message posted to a conversation.
type ChatMessage struct {
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	ConversationID int64  `json:"conversationId"`
}

func (ChatMessage) Kind() Kind { return KindChatMessage }

// Validate reports whether the message names its sender and carries text.
// The timestamp is optional.
func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.Sender) == "" {
		return fmt.Errorf("%w: sender", ErrMissingField)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: content", ErrMissingField)
	}
	return nil
}

// FriendNotification announces a new friend request.
type FriendNotification struct {
	Requester string `json:"username_requester"`
	Receiver  string `json:"username_receiver"`
}

func (FriendNotification) Kind() Kind { return KindFriendRequest }

func (n FriendNotification) Validate() error {
	if strings.TrimSpace(n.Requester) == "" {
		return fmt.Errorf("%w: username_requester", ErrMissingField)
	}
	if strings.TrimSpace(n.Receiver) == "" {
		return fmt.Errorf("%w: username_receiver", ErrMissingField)
	}
	return nil
}

// FriendAccepted signals that a friend request was accepted. On the wire it
// is the bare username, not a JSON document.
type FriendAccepted struct {
	Username string
}

func (FriendAccepted) Kind() Kind { return KindFriendAccepted }

func (a FriendAccepted) Validate() error {
	if strings.TrimSpace(a.Username) == "" {
		return fmt.Errorf("%w: username", ErrMissingField)
	}
	return nil
}

// Encode encodes the payload into its wire text.
func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case ChatMessage, FriendNotification:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", p.Kind(), err)
		}
		return data, nil
	case FriendAccepted:
		return []byte(v.Username), nil
	case nil:
		return nil, ErrUnknownKind
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

// Decode decodes wire text received on a channel of the given kind.
// Decode does not validate; callers decide what counts as deliverable.
func Decode(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil
	case KindFriendRequest:
		var n FriendNotification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return n, nil
	case KindFriendAccepted:
		return FriendAccepted{Username: string(data)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

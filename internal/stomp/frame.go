// Package stomp builds and parses the STOMP frames carried inside WebSocket
// text messages.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	// AcceptVersion lists the protocol versions offered on CONNECT.
	AcceptVersion = "1.2,1.1,1.0"

	// HeaderAuthorization carries the bearer token on CONNECT.
	HeaderAuthorization = "Authorization"
	// BearerPrefix precedes the token in HeaderAuthorization.
	BearerPrefix = "Bearer "
)

// ErrProtocol is returned when a WebSocket message does not hold well formed
// STOMP frames.
var ErrProtocol = errors.New("stomp: protocol error")

// Frame is a STOMP frame.
type Frame = frame.Frame

// HeartBeat is a pair of heart-beat intervals. Zero disables a direction.
type HeartBeat struct {
	// Outgoing is how often this side promises to send.
	Outgoing time.Duration
	// Incoming is how often this side wants to receive.
	Incoming time.Duration
}

// String formats the pair as the heart-beat header value.
func (h HeartBeat) String() string {
	return strconv.FormatInt(h.Outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(h.Incoming.Milliseconds(), 10)
}

// ParseHeartBeat parses a heart-beat header value. An empty value means no
// heart-beating.
func ParseHeartBeat(value string) (HeartBeat, error) {
	if value == "" {
		return HeartBeat{}, nil
	}
	out, in, ok := strings.Cut(value, ",")
	if !ok {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrProtocol, value)
	}
	cx, err := strconv.ParseUint(strings.TrimSpace(out), 10, 32)
	if err != nil {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrProtocol, value)
	}
	cy, err := strconv.ParseUint(strings.TrimSpace(in), 10, 32)
	if err != nil {
		return HeartBeat{}, fmt.Errorf("%w: heart-beat %q", ErrProtocol, value)
	}
	return HeartBeat{
		Outgoing: time.Duration(cx) * time.Millisecond,
		Incoming: time.Duration(cy) * time.Millisecond,
	}, nil
}

// Negotiate combines the local request with the value the peer returned.
// The result is expressed from the local point of view.
func Negotiate(local, remote HeartBeat) HeartBeat {
	var hb HeartBeat
	if local.Outgoing > 0 && remote.Incoming > 0 {
		hb.Outgoing = max(local.Outgoing, remote.Incoming)
	}
	if local.Incoming > 0 && remote.Outgoing > 0 {
		hb.Incoming = max(local.Incoming, remote.Outgoing)
	}
	return hb
}

// Connect builds the CONNECT frame.
func Connect(host, token string, hb HeartBeat) *Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, AcceptVersion,
		frame.HeartBeat, hb.String(),
	)
	if host != "" {
		f.Header.Add(frame.Host, host)
	}
	if token != "" {
		f.Header.Add(HeaderAuthorization, BearerPrefix+token)
	}
	return f
}

// Connected builds the CONNECTED reply a broker sends.
func Connected(version, session string, hb HeartBeat) *Frame {
	return frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.Session, session,
		frame.HeartBeat, hb.String(),
	)
}

// Subscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func Subscribe(id, destination string) *Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) *Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Send builds a SEND frame.
func Send(destination, contentType string, body []byte) *Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, contentType,
	)
	f.Body = body
	return f
}

// Message builds the MESSAGE frame a broker delivers to a subscription.
func Message(subscription, messageID, destination, contentType string, body []byte) *Frame {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, subscription,
		frame.MessageId, messageID,
		frame.Destination, destination,
		frame.ContentType, contentType,
	)
	f.Body = body
	return f
}

// Error builds an ERROR frame.
func Error(message string) *Frame {
	return frame.New(frame.ERROR, frame.Message, message)
}

// Disconnect builds a DISCONNECT frame.
func Disconnect() *Frame {
	return frame.New(frame.DISCONNECT)
}

// Encode writes f as a single WebSocket payload.
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// HeartBeatPayload is the payload of a heart-beat: a single end of line.
func HeartBeatPayload() []byte {
	return []byte{'\n'}
}

// Decode parses every frame held in one WebSocket payload. Heart-beats are
// skipped, so a payload made only of end of lines yields no frames.
func Decode(data []byte) ([]*Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*Frame
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

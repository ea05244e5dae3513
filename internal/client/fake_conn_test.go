package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"github.com/omochice/realtime-chat-client/internal/client"
	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/internal/session"
	"github.com/omochice/realtime-chat-client/internal/stomp"
)

// fakeConn is a scripted broker connection. CONNECT is answered by reply;
// every frame the client writes is recorded.
type fakeConn struct {
	reply func() *stomp.Frame
	// readErr, when set, fails every Read at once.
	readErr error

	readCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	heartBeats atomic.Int32

	mu      sync.Mutex
	written []*stomp.Frame
}

func newFakeConn(reply func() *stomp.Frame) *fakeConn {
	c := &fakeConn{
		reply:  reply,
		readCh: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case data := <-c.readCh:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	if !c.alive.Load() {
		return errors.New("fake: closed")
	}
	frames, err := stomp.Decode(data)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		c.heartBeats.Add(1)
		return nil
	}
	c.mu.Lock()
	c.written = append(c.written, frames...)
	c.mu.Unlock()

	for _, f := range frames {
		if f.Command == frame.CONNECT && c.reply != nil {
			if r := c.reply(); r != nil {
				c.push(r)
			}
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.alive.Store(false)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Alive() bool {
	return c.alive.Load()
}

func (c *fakeConn) RemoteAddr() string {
	return "fake:61613"
}

// push queues a frame for the client to read.
func (c *fakeConn) push(f *stomp.Frame) {
	data, err := stomp.Encode(f)
	if err != nil {
		panic(err)
	}
	c.readCh <- data
}

// deliver pushes a MESSAGE frame for subscription id.
func (c *fakeConn) deliver(id, destination, body string) {
	c.push(stomp.Message(id, "m-"+id, destination, "application/json", []byte(body)))
}

// frames returns the recorded frames with the given command.
func (c *fakeConn) frames(command string) []*stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*stomp.Frame
	for _, f := range c.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// commands returns the commands of every recorded frame, in order.
func (c *fakeConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, f := range c.written {
		out = append(out, f.Command)
	}
	return out
}

// subscriptionID returns the id of the last SUBSCRIBE to destination.
func (c *fakeConn) subscriptionID(t *testing.T, destination string) string {
	t.Helper()
	subs := c.frames(frame.SUBSCRIBE)
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].Header.Get(frame.Destination) == destination {
			return subs[i].Header.Get(frame.Id)
		}
	}
	t.Fatalf("no SUBSCRIBE to %s", destination)
	return ""
}

func acceptConnect() *stomp.Frame {
	return stomp.Connected("1.2", "session-1", stomp.HeartBeat{})
}

// fakeDialer hands out fakeConns and records each dial.
type fakeDialer struct {
	reply   func() *stomp.Frame
	err     error
	readErr error

	mu      sync.Mutex
	urls    []string
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (client.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header.Clone())
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(d.reply)
	c.readErr = d.readErr
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns, "no connection was dialed")
	return d.conns[len(d.conns)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.URL = "ws://broker.test/api/ws"
	cfg.Broker.ConnectTimeout = 500 * time.Millisecond
	return cfg
}

func fixedClock() time.Time {
	return time.Date(2026, 10, 15, 14, 3, 5, 0, time.Local)
}

// newTestClient returns a client backed by a fakeDialer and a signed in
// session for alice.
func newTestClient(t *testing.T, reply func() *stomp.Frame) (*client.Client, *fakeDialer, *session.Store) {
	t.Helper()
	store := session.NewStore()
	store.Create("alice", "tok-alice")
	d := &fakeDialer{reply: reply}
	c := client.New(testConfig(), store, client.WithDialer(d), client.WithClock(fixedClock))
	t.Cleanup(c.Disconnect)
	return c, d, store
}

// collector gathers callback invocations.
type collector[T any] struct {
	ch chan T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan T, 16)}
}

func (c *collector[T]) add(v T) {
	c.ch <- v
}

func (c *collector[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out waiting for callback")
		return zero
	}
}

func (c *collector[T]) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-c.ch:
		t.Fatalf("unexpected callback with %v", v)
	case <-time.After(wait):
	}
}

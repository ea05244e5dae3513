package broker_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/realtime-chat-client/internal/broker"
	"github.com/omochice/realtime-chat-client/internal/stomp"
	"github.com/omochice/realtime-chat-client/internal/transport/ws"
)

func startBroker(t *testing.T, opts broker.Options) (*broker.Server, string) {
	t.Helper()
	srv := broker.New(opts, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
}

type stompConn struct {
	t    *testing.T
	conn *ws.Conn
}

func dialBroker(t *testing.T, url string) *stompConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &stompConn{t: t, conn: conn}
}

func (c *stompConn) send(f *stomp.Frame) {
	c.t.Helper()
	data, err := stomp.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(context.Background(), data))
}

// next returns the next frame, skipping heart-beats.
func (c *stompConn) next() *stomp.Frame {
	c.t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		data, err := c.conn.Read(ctx)
		cancel()
		require.NoError(c.t, err)
		frames, err := stomp.Decode(data)
		require.NoError(c.t, err)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func (c *stompConn) connect(token string) *stomp.Frame {
	c.t.Helper()
	c.send(stomp.Connect("", token, stomp.HeartBeat{}))
	return c.next()
}

func TestServer_Connect(t *testing.T) {
	srv, url := startBroker(t, broker.Options{HeartBeat: stomp.HeartBeat{Outgoing: 4 * time.Second, Incoming: 4 * time.Second}})
	c := dialBroker(t, url)

	f := c.connect("tok")

	assert.Equal(t, frame.CONNECTED, f.Command)
	assert.Equal(t, "1.2", f.Header.Get(frame.Version))
	assert.Equal(t, "4000,4000", f.Header.Get(frame.HeartBeat))
	assert.NotEmpty(t, f.Header.Get(frame.Session))
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_RequireToken(t *testing.T) {
	_, url := startBroker(t, broker.Options{RequireToken: true})
	c := dialBroker(t, url)

	f := c.connect("")

	assert.Equal(t, frame.ERROR, f.Command)
	assert.Equal(t, "missing token", f.Header.Get(frame.Message))
}

func TestServer_TokenFromQuery(t *testing.T) {
	_, url := startBroker(t, broker.Options{RequireToken: true})
	c := dialBroker(t, url+"?token=abc")

	assert.Equal(t, frame.CONNECTED, c.connect("").Command)
}

func TestServer_Authenticate(t *testing.T) {
	_, url := startBroker(t, broker.Options{Authenticate: func(token string) error {
		if token != "good" {
			return errors.New("invalid token")
		}
		return nil
	}})

	bad := dialBroker(t, url)
	f := bad.connect("bad")
	assert.Equal(t, frame.ERROR, f.Command)
	assert.Equal(t, "invalid token", f.Header.Get(frame.Message))

	good := dialBroker(t, url)
	assert.Equal(t, frame.CONNECTED, good.connect("good").Command)
}

func TestServer_FrameBeforeConnect(t *testing.T) {
	_, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)

	c.send(stomp.Subscribe("sub-1", "/topic/notification"))

	assert.Equal(t, frame.ERROR, c.next().Command)
}

func TestServer_RelaysChat(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	alice := dialBroker(t, url)
	bob := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, alice.connect("a").Command)
	require.Equal(t, frame.CONNECTED, bob.connect("b").Command)

	bob.send(stomp.Subscribe("sub-bob", "/topic/messages/42"))
	require.Eventually(t, func() bool {
		return len(srv.Subscriptions()) == 1
	}, time.Second, 10*time.Millisecond)

	body := `{"sender":"alice","content":"hi","timestamp":"10:00:00","conversationId":42}`
	alice.send(stomp.Send("/app/chat/42", "application/json", []byte(body)))

	f := bob.next()
	assert.Equal(t, frame.MESSAGE, f.Command)
	assert.Equal(t, "sub-bob", f.Header.Get(frame.Subscription))
	assert.Equal(t, "/topic/messages/42", f.Header.Get(frame.Destination))
	assert.NotEmpty(t, f.Header.Get(frame.MessageId))
	assert.Equal(t, body, string(f.Body))

	received := srv.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "/app/chat/42", received[0].Destination)
	assert.Equal(t, "application/json", received[0].ContentType)
}

func TestServer_RelaysNotifications(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, c.connect("a").Command)

	c.send(stomp.Subscribe("sub-req", "/topic/notification"))
	c.send(stomp.Subscribe("sub-acc", "/topic/notification/friend"))
	require.Eventually(t, func() bool {
		return len(srv.Subscriptions()) == 2
	}, time.Second, 10*time.Millisecond)

	c.send(stomp.Send("/app/notification/friend", "text/plain", []byte("bob")))
	f := c.next()
	assert.Equal(t, "sub-acc", f.Header.Get(frame.Subscription))
	assert.Equal(t, "bob", string(f.Body))

	c.send(stomp.Send("/app/notification", "application/json", []byte(`{"username_requester":"bob","username_receiver":"alice"}`)))
	f = c.next()
	assert.Equal(t, "sub-req", f.Header.Get(frame.Subscription))
}

func TestServer_Unsubscribe(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, c.connect("a").Command)

	c.send(stomp.Subscribe("sub-1", "/topic/messages/1"))
	require.Eventually(t, func() bool {
		return len(srv.Subscriptions()) == 1
	}, time.Second, 10*time.Millisecond)

	c.send(stomp.Unsubscribe("sub-1"))
	require.Eventually(t, func() bool {
		return len(srv.Subscriptions()) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.Publish("/topic/messages/1", []byte(`{}`)))
}

func TestServer_Publish(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, c.connect("a").Command)

	c.send(stomp.Subscribe("sub-1", "/topic/notification"))
	require.Eventually(t, func() bool {
		return len(srv.Subscriptions()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, srv.Publish("/topic/notification", []byte(`{"x":1}`)))
	f := c.next()
	assert.Equal(t, frame.MESSAGE, f.Command)
	assert.Equal(t, `{"x":1}`, string(f.Body))
}

func TestServer_Silent(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	srv.SetSilent(true)
	c := dialBroker(t, url)

	c.send(stomp.Connect("", "tok", stomp.HeartBeat{}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.conn.Read(ctx)
	assert.Error(t, err, "silent broker must not answer CONNECT")
}

func TestServer_HeartBeats(t *testing.T) {
	_, url := startBroker(t, broker.Options{HeartBeat: stomp.HeartBeat{Outgoing: 20 * time.Millisecond}})
	c := dialBroker(t, url)

	c.send(stomp.Connect("", "tok", stomp.HeartBeat{Incoming: 20 * time.Millisecond}))
	require.Equal(t, frame.CONNECTED, c.next().Command)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := c.conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, stomp.HeartBeatPayload(), data)
}

func TestServer_Disconnect(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, c.connect("a").Command)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	c.send(stomp.Disconnect())

	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_StartStop(t *testing.T) {
	srv := broker.New(broker.Options{Address: "127.0.0.1:0"}, nil)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 10*time.Millisecond)

	c := dialBroker(t, "ws://"+srv.Addr()+"/api/ws")
	assert.Equal(t, frame.CONNECTED, c.connect("tok").Command)

	srv.Stop()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, broker.ErrServerStopped)
	case <-time.After(time.Second):
		t.Fatal("Server did not stop in time")
	}
}

func TestServer_MessageFrameDecodes(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	c := dialBroker(t, url)
	require.Equal(t, frame.CONNECTED, c.connect("a").Command)
	c.send(stomp.Subscribe("sub-1", "/topic/x"))
	require.Eventually(t, func() bool { return len(srv.Subscriptions()) == 1 }, time.Second, 10*time.Millisecond)

	srv.Publish("/topic/x", []byte("payload"))

	data, err := c.conn.Read(context.Background())
	require.NoError(t, err)
	f := decodeOne(t, data)
	assert.Equal(t, "/topic/x", f.Header.Get(frame.Destination))
}

func TestServer_RejectsSessionsAfterStop(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})
	srv.Stop()

	c := dialBroker(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.conn.Read(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, srv.ClientCount())
}

func TestServer_StopWhileClientsConnect(t *testing.T) {
	srv, url := startBroker(t, broker.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if conn, err := ws.Dial(ctx, url, nil); err == nil {
				_ = conn.Close()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	wg.Wait()
}

// Package ws provides the WebSocket transport for STOMP text frames on top of
// gobwas/ws, for both the dialing client and the accepting broker.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("ws: connection closed")

// Conn is one WebSocket connection carrying text messages. Write and Close
// may be called concurrently with Read and with each other.
type Conn struct {
	conn   net.Conn
	rw     io.ReadWriter
	state  ws.State
	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

func newConn(conn net.Conn, br *bufio.Reader, state ws.State) *Conn {
	c := &Conn{conn: conn, state: state}
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	// Control frame replies (pong, close) written while reading share the
	// write lock with Write.
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}
	return c
}

type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// Dial opens a client connection. header is sent with the upgrade request.
// The context bounds the TCP dial and the handshake.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	d := ws.Dialer{}
	if len(header) > 0 {
		d.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := d.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return newConn(conn, br, ws.StateClientSide), nil
}

// Upgrade accepts a WebSocket upgrade on the server side.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return newConn(conn, br, ws.StateServerSide), nil
}

// Read returns the next data message. The context deadline, if any, bounds
// the read; a canceled context fails the read immediately.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := setDeadline(ctx, c.conn.SetReadDeadline); err != nil {
		return nil, err
	}

	var (
		data []byte
		err  error
	)
	if c.state.ClientSide() {
		data, _, err = wsutil.ReadServerData(c.rw)
	} else {
		data, _, err = wsutil.ReadClientData(c.rw)
	}
	if err != nil {
		c.closed.Store(true)
		return nil, err
	}
	return data, nil
}

// Write sends data as one text message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var buf bytes.Buffer
	var err error
	if c.state.ClientSide() {
		err = wsutil.WriteClientText(&buf, data)
	} else {
		err = wsutil.WriteServerText(&buf, data)
	}
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := setDeadline(ctx, c.conn.SetWriteDeadline); err != nil {
		return err
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure and closes the socket. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")

		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if c.state.ClientSide() {
			_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		} else {
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		}
		c.wmu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the connection has not been closed and has not
// failed a read or write.
func (c *Conn) Alive() bool {
	return !c.closed.Load()
}

// RemoteAddr returns the remote address for logging.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func setDeadline(ctx context.Context, set func(time.Time) error) error {
	if ctx == nil {
		return set(time.Time{})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return set(deadline)
	}
	return set(time.Time{})
}

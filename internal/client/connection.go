package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/internal/session"
	"github.com/omochice/realtime-chat-client/internal/stomp"
	"github.com/omochice/realtime-chat-client/pkg/logger"
)

// State is the connection state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultConnectTimeout bounds Connect when the configuration leaves it unset.
const DefaultConnectTimeout = 3 * time.Second

// Subscription is the handle of one active broker subscription.
type Subscription struct {
	ID          string
	Destination string

	manager *ConnectionManager
	session *live
}

// Unsubscribe tells the broker and drops every frame of the subscription
// read after it returns. A callback already running is not interrupted. It
// is a no-op once the connection that created the subscription is gone.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.manager == nil {
		return nil
	}
	return s.manager.unsubscribe(s.ID)
}

type sink struct {
	destination string
	deliver     func(body []byte)
}

// live is one established broker session.
type live struct {
	conn      Conn
	heartBeat stomp.HeartBeat
	done      chan struct{}
	stopOnce  sync.Once
}

func (l *live) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// ConnectionManager owns the single connection to the broker. Connect,
// Disconnect, Subscribe and Send are serialized; inbound frames are read on
// a separate goroutine and handed to the sink of their subscription.
type ConnectionManager struct {
	cfg      config.BrokerConfig
	provider session.Provider
	dialer   Dialer
	log      logger.Logger

	// onDisconnect runs after l is torn down, without locks held.
	onDisconnect func(l *live, err error)

	mu      sync.Mutex
	state   atomic.Int32
	current atomic.Pointer[live]

	sinksMu sync.RWMutex
	sinks   map[string]sink

	errMu   sync.Mutex
	lastErr error
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(cfg config.BrokerConfig, provider session.Provider, dialer Dialer, log logger.Logger) *ConnectionManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if dialer == nil {
		dialer = WebSocketDialer()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ConnectionManager{
		cfg:      cfg,
		provider: provider,
		dialer:   dialer,
		log:      log,
		sinks:    make(map[string]sink),
	}
}

// State returns the current state.
func (m *ConnectionManager) State() State {
	return State(m.state.Load())
}

// LastError returns the reason of the last failed connect or connection loss.
func (m *ConnectionManager) LastError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

func (m *ConnectionManager) setLastError(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

// IsConnected reports whether the manager is connected and the transport
// agrees.
func (m *ConnectionManager) IsConnected() bool {
	l := m.current.Load()
	return m.State() == StateConnected && l != nil && l.conn.Alive()
}

// Connect opens the connection and waits for the broker acknowledgement.
// It returns true at once when already connected.
func (m *ConnectionManager) Connect(ctx context.Context) bool {
	ok, stale := m.connect(ctx)
	if stale != nil {
		m.afterTeardown(stale, nil)
	}
	return ok
}

func (m *ConnectionManager) connect(ctx context.Context) (bool, *live) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale *live
	if l := m.current.Load(); l != nil {
		if m.State() == StateConnected && l.conn.Alive() {
			return true, nil
		}
		stale = m.detachLocked(l)
	}

	token, ok := m.provider.CurrentToken()
	if !ok {
		m.setLastError(ErrNoToken)
		m.log.Error("No auth token found, cannot connect to broker")
		return false, stale
	}

	m.state.Store(int32(StateConnecting))

	timeout := m.cfg.ConnectTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l, err := m.open(ctx, token)
	if err != nil {
		if timedOut(ctx, err) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
		}
		m.state.Store(int32(StateFailed))
		m.setLastError(err)
		m.log.Error("Failed to connect to broker", "url", m.cfg.URL, "error", err)
		m.state.Store(int32(StateDisconnected))
		return false, stale
	}

	m.current.Store(l)
	m.state.Store(int32(StateConnected))
	m.setLastError(nil)

	go m.readLoop(l)
	if l.heartBeat.Outgoing > 0 {
		go m.heartbeatLoop(l)
	}

	m.log.Info("Connection established",
		"remote_addr", l.conn.RemoteAddr(),
		"heartbeat_out", l.heartBeat.Outgoing,
		"heartbeat_in", l.heartBeat.Incoming)
	return true, stale
}

// open dials, sends CONNECT and waits for CONNECTED.
func (m *ConnectionManager) open(ctx context.Context, token string) (*live, error) {
	brokerURL, err := withToken(m.cfg.URL, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(stomp.HeaderAuthorization, stomp.BearerPrefix+token)

	conn, err := m.dialer.Dial(ctx, brokerURL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	local := stomp.HeartBeat{Outgoing: m.cfg.HeartbeatOutgoing, Incoming: m.cfg.HeartbeatIncoming}
	data, err := stomp.Encode(stomp.Connect(m.cfg.Host, token, local))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Write(ctx, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				remote, err := stomp.ParseHeartBeat(f.Header.Get(frame.HeartBeat))
				if err != nil {
					m.log.Warn("Ignoring invalid heart-beat header", "error", err)
				}
				return &live{
					conn:      conn,
					heartBeat: stomp.Negotiate(local, remote),
					done:      make(chan struct{}),
				}, nil
			case frame.ERROR:
				_ = conn.Close()
				return nil, fmt.Errorf("%w: %s", ErrBrokerRejected, f.Header.Get(frame.Message))
			}
		}
	}
}

// timedOut reports whether err came from ctx running out. A socket read
// deadline derived from ctx can fire before ctx itself is marked done.
func timedOut(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && errors.Is(err, ErrTransport) && !time.Now().Before(deadline)
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Disconnect unsubscribes what is left, says goodbye to the broker and closes
// the transport. Calling it while disconnected does nothing.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	l := m.current.Load()
	if l == nil {
		m.state.Store(int32(StateDisconnected))
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	for _, id := range m.takeSinks() {
		if err := m.writeFrame(ctx, l, stomp.Unsubscribe(id)); err != nil {
			m.log.Debug("Failed to unsubscribe during disconnect", "subscription", id, "error", err)
		}
	}
	if err := m.writeFrame(ctx, l, stomp.Disconnect()); err != nil {
		m.log.Debug("Failed to send DISCONNECT", "error", err)
	}
	cancel()

	m.current.Store(nil)
	m.state.Store(int32(StateDisconnected))
	m.mu.Unlock()

	m.log.Info("Disconnected from broker")
	m.afterTeardown(l, nil)
}

// detachLocked forgets l. Must be called with mu held.
func (m *ConnectionManager) detachLocked(l *live) *live {
	m.current.CompareAndSwap(l, nil)
	m.takeSinks()
	m.state.Store(int32(StateDisconnected))
	return l
}

func (m *ConnectionManager) afterTeardown(l *live, err error) {
	l.stop()
	if err != nil {
		m.setLastError(err)
	}
	if m.onDisconnect != nil {
		m.onDisconnect(l, err)
	}
}

// drop handles a failure observed on l by the read or heart-beat loop.
func (m *ConnectionManager) drop(l *live, err error) {
	m.mu.Lock()
	if m.current.Load() != l {
		m.mu.Unlock()
		l.stop()
		return
	}
	m.detachLocked(l)
	m.mu.Unlock()

	m.log.Warn("Connection lost", "error", err)
	m.afterTeardown(l, err)
}

// Subscribe opens a subscription on destination. deliver receives the body
// of every MESSAGE frame of that subscription, on the read goroutine.
func (m *ConnectionManager) Subscribe(destination string, deliver func(body []byte)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current.Load()
	if l == nil || !l.conn.Alive() {
		return nil, ErrNotConnected
	}

	id := "sub-" + uuid.NewString()
	m.sinksMu.Lock()
	m.sinks[id] = sink{destination: destination, deliver: deliver}
	m.sinksMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.writeFrame(ctx, l, stomp.Subscribe(id, destination)); err != nil {
		m.sinksMu.Lock()
		delete(m.sinks, id)
		m.sinksMu.Unlock()
		return nil, err
	}

	m.log.Debug("Subscribed", "destination", destination, "subscription", id)
	return &Subscription{ID: id, Destination: destination, manager: m, session: l}, nil
}

func (m *ConnectionManager) unsubscribe(id string) error {
	m.sinksMu.Lock()
	s, ok := m.sinks[id]
	delete(m.sinks, id)
	m.sinksMu.Unlock()
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.current.Load()
	if l == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.writeFrame(ctx, l, stomp.Unsubscribe(id)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.destination, err)
	}
	m.log.Debug("Unsubscribed", "destination", s.destination, "subscription", id)
	return nil
}

// takeSinks removes every sink and returns their ids.
func (m *ConnectionManager) takeSinks() []string {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	ids := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		ids = append(ids, id)
	}
	clear(m.sinks)
	return ids
}

// Send publishes body to destination. It does not wait for delivery.
func (m *ConnectionManager) Send(destination, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current.Load()
	if m.State() != StateConnected || l == nil || !l.conn.Alive() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	return m.writeFrame(ctx, l, stomp.Send(destination, contentType, body))
}

func (m *ConnectionManager) writeFrame(ctx context.Context, l *live, f *stomp.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	if err := l.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (m *ConnectionManager) readLoop(l *live) {
	for {
		data, err := m.readFrame(l)
		if err != nil {
			select {
			case <-l.done:
			default:
				m.drop(l, fmt.Errorf("%w: %v", ErrTransport, err))
			}
			return
		}

		frames, err := stomp.Decode(data)
		if err != nil {
			m.log.Warn("Dropping malformed frame", "error", err)
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				m.deliver(f)
			case frame.ERROR:
				m.drop(l, fmt.Errorf("%w: %s", ErrBrokerRejected, f.Header.Get(frame.Message)))
				return
			default:
				m.log.Debug("Ignoring frame", "command", f.Command)
			}
		}
	}
}

// readFrame waits for the next message. With incoming heart-beats agreed the
// broker must say something within twice the interval.
func (m *ConnectionManager) readFrame(l *live) ([]byte, error) {
	if l.heartBeat.Incoming <= 0 {
		return l.conn.Read(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*l.heartBeat.Incoming)
	defer cancel()
	return l.conn.Read(ctx)
}

func (m *ConnectionManager) deliver(f *stomp.Frame) {
	id := f.Header.Get(frame.Subscription)

	m.sinksMu.RLock()
	s, ok := m.sinks[id]
	m.sinksMu.RUnlock()

	if !ok {
		m.log.Debug("Dropping frame for inactive subscription",
			"subscription", id,
			"destination", f.Header.Get(frame.Destination))
		return
	}
	s.deliver(f.Body)
}

func (m *ConnectionManager) heartbeatLoop(l *live) {
	ticker := time.NewTicker(l.heartBeat.Outgoing)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.heartBeat.Outgoing)
			err := l.conn.Write(ctx, stomp.HeartBeatPayload())
			cancel()
			if err != nil {
				m.drop(l, fmt.Errorf("%w: heart-beat: %v", ErrTransport, err))
				return
			}
		}
	}
}

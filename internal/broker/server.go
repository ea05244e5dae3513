package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/internal/stomp"
	"github.com/omochice/realtime-chat-client/internal/transport/ws"
	"github.com/omochice/realtime-chat-client/pkg/logger"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("broker: server stopped")

// Options configures a Server.
type Options struct {
	Address string
	Path    string

	// RequireToken rejects CONNECT without a token in the query or in the
	// Authorization header.
	RequireToken bool
	// Authenticate, when set, rejects CONNECT if it returns an error.
	Authenticate func(token string) error

	HeartBeat    stomp.HeartBeat
	Destinations config.DestinationsConfig

	// QueueSize bounds the frames queued per session.
	QueueSize int
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Address:      cfg.Server.Address,
		Path:         cfg.Server.Path,
		RequireToken: cfg.Server.RequireToken,
		HeartBeat: stomp.HeartBeat{
			Outgoing: cfg.Broker.HeartbeatOutgoing,
			Incoming: cfg.Broker.HeartbeatIncoming,
		},
		Destinations: cfg.Destinations,
	}
}

// Sent is a SEND frame the broker received.
type Sent struct {
	SessionID   string
	Destination string
	ContentType string
	Body        []byte
}

// Server accepts WebSocket connections and relays application sends to the
// matching topics.
type Server struct {
	opts Options
	hub  *Hub
	log  logger.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	quit     chan struct{}
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	silent atomic.Bool

	recMu    sync.Mutex
	received []Sent
}

// New creates a Server. Zero fields of opts take the defaults.
func New(opts Options, log logger.Logger) *Server {
	if opts.Path == "" {
		opts.Path = "/api/ws"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Destinations == (config.DestinationsConfig{}) {
		opts.Destinations = config.Default().Destinations
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		opts: opts,
		hub:  NewHub(),
		log:  log,
		quit: make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.log.Info("Broker started", "address", listener.Addr().String(), "path", s.opts.Path)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return ErrServerStopped
	}
}

// Stop closes the listener and every session, then waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.stopped = true
		server := s.server
		s.mu.Unlock()
		if server != nil {
			_ = server.Close()
		}
		s.hub.CloseAll()
		s.wg.Wait()
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Subscriptions returns the destination of every active subscription.
func (s *Server) Subscriptions() []string {
	return s.hub.Subscriptions()
}

// SetSilent makes the broker ignore CONNECT, so clients time out.
func (s *Server) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// DropConnections closes every session without stopping the server.
func (s *Server) DropConnections() {
	s.hub.CloseAll()
}

// Publish delivers body to every subscriber of destination and returns how
// many frames were queued.
func (s *Server) Publish(destination string, body []byte) int {
	return s.hub.Deliver(destination, "application/json", body)
}

// Received returns a copy of every SEND frame received so far.
func (s *Server) Received() []Sent {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]Sent, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r)
	if err != nil {
		s.log.Warn("Failed to upgrade connection", "error", err)
		return
	}

	if !s.track() {
		_ = conn.Close()
		return
	}
	go s.handleClient(NewSession(conn, s.opts.QueueSize), r.URL.Query().Get("token"))
}

// track registers a session goroutine. It fails once Stop has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleClient runs the read side of one session.
func (s *Server) handleClient(sess *Session, queryToken string) {
	defer s.wg.Done()

	s.hub.Register(sess)
	defer func() {
		sess.Close()
		s.hub.Unregister(sess)
		_ = sess.Conn.Close()
		s.log.Debug("Session closed", "session", sess.ID)
	}()

	log := s.log.With("session", sess.ID, "remote_addr", sess.Conn.RemoteAddr())
	var (
		connected   bool
		readTimeout time.Duration
	)

	for {
		data, err := readWithin(sess.Conn, readTimeout)
		if err != nil {
			log.Debug("Read failed", "error", err)
			return
		}

		frames, err := stomp.Decode(data)
		if err != nil {
			s.sendError(sess, "malformed frame")
			return
		}

		for _, f := range frames {
			if !connected && f.Command != frame.CONNECT && f.Command != frame.STOMP {
				s.sendError(sess, "expected CONNECT")
				return
			}

			switch f.Command {
			case frame.CONNECT, frame.STOMP:
				if s.silent.Load() {
					log.Debug("Ignoring CONNECT")
					continue
				}
				hb, ok := s.handleConnect(sess, f, queryToken)
				if !ok {
					return
				}
				connected = true
				if hb.Incoming > 0 {
					readTimeout = 2 * hb.Incoming
				}
				log.Info("Session connected", "heartbeat_out", hb.Outgoing, "heartbeat_in", hb.Incoming)
			case frame.SUBSCRIBE:
				id, dest := f.Header.Get(frame.Id), f.Header.Get(frame.Destination)
				if id == "" || dest == "" {
					s.sendError(sess, "SUBSCRIBE requires id and destination")
					return
				}
				sess.subscribe(id, dest)
				log.Debug("Subscribed", "subscription", id, "destination", dest)
			case frame.UNSUBSCRIBE:
				id := f.Header.Get(frame.Id)
				if sess.unsubscribe(id) {
					log.Debug("Unsubscribed", "subscription", id)
				}
			case frame.SEND:
				s.handleSend(sess, f)
			case frame.DISCONNECT:
				log.Info("Session disconnected")
				return
			default:
				s.sendError(sess, "unsupported command "+f.Command)
				return
			}
		}
	}
}

// handleConnect authenticates the session, answers CONNECTED and starts the
// writer. It returns the heart-beat negotiated from the broker side.
func (s *Server) handleConnect(sess *Session, f *stomp.Frame, queryToken string) (stomp.HeartBeat, bool) {
	token := strings.TrimPrefix(f.Header.Get(stomp.HeaderAuthorization), stomp.BearerPrefix)
	if token == "" {
		token = queryToken
	}
	if s.opts.RequireToken && token == "" {
		s.sendError(sess, "missing token")
		return stomp.HeartBeat{}, false
	}
	if s.opts.Authenticate != nil {
		if err := s.opts.Authenticate(token); err != nil {
			s.sendError(sess, err.Error())
			return stomp.HeartBeat{}, false
		}
	}

	remote, err := stomp.ParseHeartBeat(f.Header.Get(frame.HeartBeat))
	if err != nil {
		s.sendError(sess, "invalid heart-beat")
		return stomp.HeartBeat{}, false
	}
	hb := stomp.Negotiate(s.opts.HeartBeat, remote)

	data, err := stomp.Encode(stomp.Connected("1.2", sess.ID, s.opts.HeartBeat))
	if err != nil {
		return stomp.HeartBeat{}, false
	}
	if err := s.write(sess, data); err != nil {
		s.log.Debug("Failed to send CONNECTED", "session", sess.ID, "error", err)
		return stomp.HeartBeat{}, false
	}

	s.wg.Add(1)
	go s.writeLoop(sess, hb.Outgoing)
	return hb, true
}

// readWithin reads one message, failing after timeout when it is positive.
func readWithin(conn Conn, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return conn.Read(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return conn.Read(ctx)
}

func (s *Server) handleSend(sess *Session, f *stomp.Frame) {
	dest := f.Header.Get(frame.Destination)
	contentType := f.Header.Get(frame.ContentType)

	body := make([]byte, len(f.Body))
	copy(body, f.Body)
	s.recMu.Lock()
	s.received = append(s.received, Sent{
		SessionID:   sess.ID,
		Destination: dest,
		ContentType: contentType,
		Body:        body,
	})
	s.recMu.Unlock()

	target := s.route(dest)
	n := s.hub.Deliver(target, contentType, body)
	s.log.Debug("Relayed", "from", dest, "to", target, "deliveries", n)
}

// route maps an application destination to the topic its subscribers listen
// on. Unknown destinations are delivered as is.
func (s *Server) route(dest string) string {
	d := s.opts.Destinations
	switch dest {
	case d.AppFriendRequest:
		return d.TopicFriendRequest
	case d.AppFriendAccepted:
		return d.TopicFriendAccepted
	}
	prefix := strings.TrimSuffix(d.AppChat, "/") + "/"
	if rest, ok := strings.CutPrefix(dest, prefix); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return d.ConversationTopic(id)
		}
	}
	return dest
}

func (s *Server) writeLoop(sess *Session, heartBeat time.Duration) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if heartBeat > 0 {
		ticker := time.NewTicker(heartBeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var data []byte
		select {
		case <-sess.Done():
			return
		case data = <-sess.Outgoing:
		case <-tick:
			data = stomp.HeartBeatPayload()
		}
		if err := s.write(sess, data); err != nil {
			s.log.Debug("Write failed", "session", sess.ID, "error", err)
			sess.Close()
			_ = sess.Conn.Close()
			return
		}
	}
}

func (s *Server) write(sess *Session, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.Conn.Write(ctx, data)
}

func (s *Server) sendError(sess *Session, message string) {
	data, err := stomp.Encode(stomp.Error(message))
	if err != nil {
		return
	}
	if err := s.write(sess, data); err != nil {
		s.log.Debug("Failed to send ERROR", "session", sess.ID, "error", err)
	}
	s.log.Warn("Rejected session", "session", sess.ID, "reason", message)
}

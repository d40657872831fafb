// Package transport accepts the orchestrator connection and speaks the
// length-prefixed wire protocol.
//
// A connection walks a strict state machine:
//
//	Listening -> Negotiating -> Authenticated -> Ready -> Closed
//
// Negotiation checks the protocol version window, authentication runs only
// when a session token is configured, and the first Ready-side message must
// be a StateSync carrying the initial scene. Any out-of-order or malformed
// message closes the connection; the server keeps listening for the next
// one. One session is active at a time.
package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orinium-browser/renderer/config"
	"github.com/orinium-browser/renderer/protocol"
)

// ErrNoSession is returned by SendEvent when no connection is Ready.
var ErrNoSession = errors.New("transport: no active session")

// writeTimeout bounds a single event write so a stalled peer cannot wedge
// the event pump.
const writeTimeout = 10 * time.Second

// State is a connection state.
type State uint8

// Connection states.
const (
	StateListening State = iota
	StateNegotiating
	StateAuthenticated
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateNegotiating:
		return "Negotiating"
	case StateAuthenticated:
		return "Authenticated"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CommandSink receives every decoded command from the Ready connection,
// in arrival order. It must not block for long; the renderer core's queue
// applies backpressure behind it.
type CommandSink func(protocol.Command)

// Server listens for the orchestrator and pumps commands in, events out.
type Server struct {
	ln   net.Listener
	sink CommandSink
	log  *zap.Logger

	authToken        string
	handshakeTimeout time.Duration

	mu    sync.Mutex
	conn  net.Conn // nil unless a session is Ready
	state State
}

// Listen binds the configured address. A bind failure is fatal at startup.
func Listen(cfg *config.Config, sink CommandSink, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return &Server{
		ln:               ln,
		sink:             sink,
		log:              logger,
		authToken:        cfg.AuthToken,
		handshakeTimeout: cfg.HandshakeTimeout,
		state:            StateListening,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// State returns the current connection state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Serve accepts and handles connections until ctx is done or the listener
// is closed. Sessions are handled serially; a failed handshake returns the
// server to Listening.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts the listener and any active session.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	s.setState(StateNegotiating)
	defer s.setState(StateListening)

	if err := s.handshake(conn); err != nil {
		s.log.Warn("handshake failed", zap.String("peer", peer), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateReady
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	s.log.Info("session ready", zap.String("peer", peer))

	if err := s.readLoop(conn); err != nil {
		s.log.Warn("session closed", zap.String("peer", peer), zap.Error(err))
		return
	}
	s.log.Info("session closed", zap.String("peer", peer))
}

// expect reads one frame under the handshake deadline and checks its tag.
func (s *Server) expect(conn net.Conn, want protocol.Tag) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return nil, err
	}
	tag, payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if tag != want {
		return nil, fmt.Errorf("got %s, want %s", tag, want)
	}
	return payload, nil
}

// handshake runs version negotiation, optional authentication and the
// initial StateSync. Each step has its own read deadline.
func (s *Server) handshake(conn net.Conn) error {
	payload, err := s.expect(conn, protocol.TagHandshakeRequest)
	if err != nil {
		return err
	}
	req, err := protocol.UnmarshalHandshakeRequest(payload)
	if err != nil {
		return err
	}
	accepted := req.Version <= protocol.Version &&
		req.Version+protocol.CompatWindow >= protocol.Version
	resp := protocol.MarshalHandshakeResponse(&protocol.HandshakeResponse{
		Accepted:        accepted,
		RendererVersion: protocol.RendererVersion,
	})
	if err := s.write(conn, resp); err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("version %d outside window [%d, %d]",
			req.Version, protocol.Version-protocol.CompatWindow, protocol.Version)
	}

	if s.authToken != "" {
		payload, err := s.expect(conn, protocol.TagAuth)
		if err != nil {
			return err
		}
		token, err := protocol.UnmarshalAuth(payload)
		if err != nil {
			return err
		}
		ok := subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
		if err := s.write(conn, protocol.MarshalAuthResult(ok)); err != nil {
			return err
		}
		if !ok {
			return errors.New("auth token rejected")
		}
	}
	s.setState(StateAuthenticated)

	payload, err = s.expect(conn, protocol.TagStateSync)
	if err != nil {
		return err
	}
	initial, err := protocol.UnmarshalCommand(protocol.TagStateSync, payload)
	if err != nil {
		return err
	}
	s.sink(*initial)

	// Steady state: commands arrive at the orchestrator's pace.
	return conn.SetReadDeadline(time.Time{})
}

// readLoop decodes commands until EOF or a protocol violation.
func (s *Server) readLoop(conn net.Conn) error {
	for {
		tag, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		cmd, err := protocol.UnmarshalCommand(tag, payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", tag, err)
		}
		s.sink(*cmd)
	}
}

func (s *Server) write(conn net.Conn, body []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(conn, body)
}

// SendEvent writes one event to the Ready session. Safe for concurrent use;
// events from the frame loop and load workers interleave whole-frame.
func (s *Server) SendEvent(e protocol.Event) error {
	body, err := protocol.MarshalEvent(&e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNoSession
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(s.conn, body)
}

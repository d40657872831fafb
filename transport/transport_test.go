package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orinium-browser/renderer/config"
	"github.com/orinium-browser/renderer/protocol"
)

// sinkLog collects commands handed to the server's sink.
type sinkLog struct {
	mu   sync.Mutex
	cmds []protocol.Command
	ch   chan protocol.Tag
}

func newSinkLog() *sinkLog {
	return &sinkLog{ch: make(chan protocol.Tag, 64)}
}

func (l *sinkLog) sink(c protocol.Command) {
	l.mu.Lock()
	l.cmds = append(l.cmds, c)
	l.mu.Unlock()
	l.ch <- c.Tag
}

func (l *sinkLog) waitFor(t *testing.T, want protocol.Tag) protocol.Command {
	t.Helper()
	select {
	case tag := <-l.ch:
		if tag != want {
			t.Fatalf("sink received %s, want %s", tag, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sink never received %s", want)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmds[len(l.cmds)-1]
}

func startServer(t *testing.T, authToken string) (*Server, *sinkLog) {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:       "127.0.0.1:0",
		AuthToken:        authToken,
		HandshakeTimeout: 2 * time.Second,
	}
	log := newSinkLog()
	srv, err := Listen(cfg, log.sink, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv, log
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	if err := protocol.WriteFrame(conn, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendCommand(t *testing.T, conn net.Conn, c *protocol.Command) {
	t.Helper()
	body, err := protocol.MarshalCommand(c)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	send(t, conn, body)
}

// negotiate runs the client side of version negotiation.
func negotiate(t *testing.T, conn net.Conn, version uint32) *protocol.HandshakeResponse {
	t.Helper()
	send(t, conn, protocol.MarshalHandshakeRequest(&protocol.HandshakeRequest{Version: version}))
	tag, payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if tag != protocol.TagHandshakeResponse {
		t.Fatalf("response tag = %s, want HandshakeResponse", tag)
	}
	resp, err := protocol.UnmarshalHandshakeResponse(payload)
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestHandshakeCommandsAndEvents(t *testing.T) {
	srv, log := startServer(t, "")
	conn := dial(t, srv)

	resp := negotiate(t, conn, protocol.Version)
	if !resp.Accepted {
		t.Fatal("handshake rejected for current version")
	}
	if resp.RendererVersion != protocol.RendererVersion {
		t.Errorf("renderer version = %q, want %q", resp.RendererVersion, protocol.RendererVersion)
	}

	sendCommand(t, conn, &protocol.Command{Tag: protocol.TagStateSync})
	log.waitFor(t, protocol.TagStateSync)

	// The session turns Ready just after the StateSync is handed off.
	deadline := time.Now().Add(2 * time.Second)
	for srv.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v after StateSync, want Ready", srv.State())
		}
		time.Sleep(time.Millisecond)
	}

	sendCommand(t, conn, &protocol.Command{Tag: protocol.TagResize, Width: 800, Height: 600})
	cmd := log.waitFor(t, protocol.TagResize)
	if cmd.Width != 800 || cmd.Height != 600 {
		t.Errorf("resize = %dx%d, want 800x600", cmd.Width, cmd.Height)
	}

	if err := srv.SendEvent(protocol.Event{Tag: protocol.TagFramePresented, FrameID: 7}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	tag, payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	ev, err := protocol.UnmarshalEvent(tag, payload)
	if err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Tag != protocol.TagFramePresented || ev.FrameID != 7 {
		t.Errorf("event = %+v, want FramePresented frame 7", ev)
	}
}

func TestVersionOutsideWindowRejected(t *testing.T) {
	srv, _ := startServer(t, "")

	tests := []struct {
		name    string
		version uint32
		want    bool
	}{
		{"current", protocol.Version, true},
		{"oldest supported", protocol.Version - protocol.CompatWindow, true},
		{"too old", protocol.Version - protocol.CompatWindow - 1, false},
		{"newer than renderer", protocol.Version + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv)
			resp := negotiate(t, conn, tt.version)
			if resp.Accepted != tt.want {
				t.Errorf("accepted = %v, want %v", resp.Accepted, tt.want)
			}
			conn.Close()
		})
	}
}

func TestRejectedVersionClosesConnection(t *testing.T) {
	srv, _ := startServer(t, "")
	conn := dial(t, srv)

	resp := negotiate(t, conn, protocol.Version+5)
	if resp.Accepted {
		t.Fatal("future version accepted")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := protocol.ReadFrame(conn); err != io.EOF {
		t.Errorf("read after reject = %v, want EOF", err)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, log := startServer(t, "secret")

	// Wrong token: rejected, connection dropped, server keeps listening.
	conn := dial(t, srv)
	if resp := negotiate(t, conn, protocol.Version); !resp.Accepted {
		t.Fatal("handshake rejected")
	}
	send(t, conn, protocol.MarshalAuth("wrong"))
	tag, payload, err := protocol.ReadFrame(conn)
	if err != nil || tag != protocol.TagAuthResult {
		t.Fatalf("auth result read = (%s, %v)", tag, err)
	}
	if ok, _ := protocol.UnmarshalAuthResult(payload); ok {
		t.Fatal("wrong token accepted")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := protocol.ReadFrame(conn); err != io.EOF {
		t.Errorf("read after auth reject = %v, want EOF", err)
	}

	// Correct token on a fresh connection reaches Ready.
	conn2 := dial(t, srv)
	if resp := negotiate(t, conn2, protocol.Version); !resp.Accepted {
		t.Fatal("handshake rejected")
	}
	send(t, conn2, protocol.MarshalAuth("secret"))
	tag, payload, err = protocol.ReadFrame(conn2)
	if err != nil || tag != protocol.TagAuthResult {
		t.Fatalf("auth result read = (%s, %v)", tag, err)
	}
	if ok, _ := protocol.UnmarshalAuthResult(payload); !ok {
		t.Fatal("correct token rejected")
	}
	sendCommand(t, conn2, &protocol.Command{Tag: protocol.TagStateSync})
	log.waitFor(t, protocol.TagStateSync)
}

func TestCommandBeforeStateSyncCloses(t *testing.T) {
	srv, log := startServer(t, "")
	conn := dial(t, srv)

	if resp := negotiate(t, conn, protocol.Version); !resp.Accepted {
		t.Fatal("handshake rejected")
	}
	sendCommand(t, conn, &protocol.Command{Tag: protocol.TagResize, Width: 1, Height: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := protocol.ReadFrame(conn); err != io.EOF {
		t.Errorf("read = %v, want EOF (out-of-order command)", err)
	}
	select {
	case tag := <-log.ch:
		t.Errorf("sink received %s before StateSync", tag)
	default:
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := &config.Config{
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: 50 * time.Millisecond,
	}
	srv, err := Listen(cfg, func(protocol.Command) {}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	conn := dial(t, srv)
	// Say nothing; the server must give up and close.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := protocol.ReadFrame(conn); err == nil {
		t.Error("silent connection survived the handshake deadline")
	}
}

func TestSendEventWithoutSession(t *testing.T) {
	srv, _ := startServer(t, "")
	err := srv.SendEvent(protocol.Event{Tag: protocol.TagFramePresented, FrameID: 1})
	if err != ErrNoSession {
		t.Errorf("SendEvent = %v, want ErrNoSession", err)
	}
}

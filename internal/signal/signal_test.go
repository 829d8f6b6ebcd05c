package signal

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/SB-IM/rendezvous/internal/signal/wire"
)

func newTestServer(t *testing.T, session SessionConfigOptions) string {
	t.Helper()
	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())
	svc := New(ctx, &ConfigOptions{
		ServerConfigOptions:  ServerConfigOptions{Path: "/v1/one-to-one/signal"},
		SessionConfigOptions: session,
	})
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/one-to-one/signal"
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, ctx context.Context, c *websocket.Conn, m wire.Message) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageBinary, wire.Encode(m)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func sendRaw(t *testing.T, ctx context.Context, c *websocket.Conn, b []byte) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageBinary, b); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}
}

func recv(t *testing.T, ctx context.Context, c *websocket.Conn) wire.Message {
	t.Helper()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("unexpected frame type %v", typ)
	}
	m, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("server sent malformed frame: %v", err)
	}
	return m
}

// recvClose reads until the connection closes and returns the close status.
func recvClose(t *testing.T, ctx context.Context, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 {
				t.Fatalf("connection died without close frame: %v", err)
			}
			return status
		}
	}
}

func join(t *testing.T, ctx context.Context, c *websocket.Conn, sid wire.SessionID) {
	t.Helper()
	send(t, ctx, c, wire.Message{Type: wire.TypeJoin, Session: sid})
}

func TestPairRelayAndTeardown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x1)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)

	b := dial(t, ctx, url)
	join(t, ctx, b, sid)

	if m := recv(t, ctx, a); m.Type != wire.TypeReady || m.Session != sid {
		t.Fatalf("first participant: want ready, got %v", m)
	}
	if m := recv(t, ctx, b); m.Type != wire.TypeReady {
		t.Fatalf("second participant: want ready, got %v", m)
	}

	// Opaque passthrough.
	send(t, ctx, a, wire.Message{Type: wire.TypeOffer, Session: sid, Payload: []byte{0xAA, 0xBB}})
	if m := recv(t, ctx, b); m.Type != wire.TypeOffer || !bytes.Equal(m.Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("offer corrupted in relay: %v", m)
	}

	// One-sided confirmation leaves the session relaying.
	send(t, ctx, a, wire.Message{Type: wire.TypeEstablished, Session: sid})
	send(t, ctx, b, wire.Message{Type: wire.TypeAnswer, Session: sid, Payload: []byte("payload")})
	if m := recv(t, ctx, a); m.Type != wire.TypeAnswer {
		t.Fatalf("relay stopped after one-sided confirmation: %v", m)
	}

	// The second confirmation tears both channels down.
	send(t, ctx, b, wire.Message{Type: wire.TypeEstablished, Session: sid})
	if status := recvClose(t, ctx, a); status != websocket.StatusNormalClosure {
		t.Fatalf("first participant close status: %v", status)
	}
	if status := recvClose(t, ctx, b); status != websocket.StatusNormalClosure {
		t.Fatalf("second participant close status: %v", status)
	}
}

func TestRelayOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x2)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	b := dial(t, ctx, url)
	join(t, ctx, b, sid)
	recv(t, ctx, a)
	recv(t, ctx, b)

	const n = 32
	for i := 0; i < n; i++ {
		send(t, ctx, a, wire.Message{Type: wire.TypeCandidate, Session: sid, Payload: []byte{byte(i)}})
	}
	for i := 0; i < n; i++ {
		m := recv(t, ctx, b)
		if m.Payload[0] != byte(i) {
			t.Fatalf("message %d arrived out of order as %d", i, m.Payload[0])
		}
	}
}

func TestRelayBeforePairingQueues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x3)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	send(t, ctx, a, wire.Message{Type: wire.TypeOffer, Session: sid, Payload: []byte{0x01}})

	// The sender is told nothing was relayed yet.
	if m := recv(t, ctx, a); m.Type != wire.TypeError || m.Reason != "no counterpart" {
		t.Fatalf("want no-counterpart error, got %v", m)
	}

	// The queued message reaches the counterpart after the ready frame.
	b := dial(t, ctx, url)
	join(t, ctx, b, sid)
	if m := recv(t, ctx, b); m.Type != wire.TypeReady {
		t.Fatalf("want ready first, got %v", m)
	}
	if m := recv(t, ctx, b); m.Type != wire.TypeOffer || !bytes.Equal(m.Payload, []byte{0x01}) {
		t.Fatalf("queued offer not flushed, got %v", m)
	}
}

func TestThirdJoinRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x4)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	b := dial(t, ctx, url)
	join(t, ctx, b, sid)
	recv(t, ctx, a)
	recv(t, ctx, b)

	c := dial(t, ctx, url)
	join(t, ctx, c, sid)
	if m := recv(t, ctx, c); m.Type != wire.TypeError || m.Reason != "session full" {
		t.Fatalf("want session-full error, got %v", m)
	}
	if status := recvClose(t, ctx, c); status != websocket.StatusPolicyViolation {
		t.Fatalf("third joiner close status: %v", status)
	}

	// The pair is undisturbed.
	send(t, ctx, a, wire.Message{Type: wire.TypeOffer, Session: sid, Payload: []byte{0x02}})
	if m := recv(t, ctx, b); m.Type != wire.TypeOffer {
		t.Fatalf("pair disturbed by rejected join: %v", m)
	}
}

func TestFirstFrameMustCarrySessionID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})

	a := dial(t, ctx, url)
	send(t, ctx, a, wire.Message{Type: wire.TypeOffer, Session: wire.NewSessionID(0, 0x5)})
	if m := recv(t, ctx, a); m.Type != wire.TypeError {
		t.Fatalf("want error frame, got %v", m)
	}
	if status := recvClose(t, ctx, a); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status: %v", status)
	}
}

func TestDecodeTolerance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{DecodeTolerance: 2})
	sid := wire.NewSessionID(0, 0x6)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	b := dial(t, ctx, url)
	join(t, ctx, b, sid)
	recv(t, ctx, a)
	recv(t, ctx, b)

	// One malformed frame: error reported, channel survives.
	sendRaw(t, ctx, a, []byte{0xFF, 0xFF})
	if m := recv(t, ctx, a); m.Type != wire.TypeError {
		t.Fatalf("want malformed-message error, got %v", m)
	}
	send(t, ctx, a, wire.Message{Type: wire.TypeOffer, Session: sid, Payload: []byte{0x03}})
	if m := recv(t, ctx, b); m.Type != wire.TypeOffer {
		t.Fatalf("channel should survive a tolerated decode failure: %v", m)
	}

	// The tolerance is consecutive: two in a row exceed it.
	sendRaw(t, ctx, a, []byte{0xFF, 0xFF})
	sendRaw(t, ctx, a, []byte{0xFF, 0xFF})
	if status := recvClose(t, ctx, a); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status after exceeding tolerance: %v", status)
	}
}

func TestPeerDisconnectNotifiesCounterpart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x7)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	b := dial(t, ctx, url)
	join(t, ctx, b, sid)
	recv(t, ctx, a)
	recv(t, ctx, b)

	a.Close(websocket.StatusNormalClosure, "")

	if m := recv(t, ctx, b); m.Type != wire.TypeError || m.Reason != "peer disconnected" {
		t.Fatalf("counterpart not notified of disconnect: %v", m)
	}
	if status := recvClose(t, ctx, b); status != websocket.StatusNormalClosure {
		t.Fatalf("counterpart close status: %v", status)
	}
}

func TestSecondJoinOnSameChannelIsViolation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := newTestServer(t, SessionConfigOptions{})
	sid := wire.NewSessionID(0, 0x8)

	a := dial(t, ctx, url)
	join(t, ctx, a, sid)
	join(t, ctx, a, sid)
	if m := recv(t, ctx, a); m.Type != wire.TypeError {
		t.Fatalf("want error frame, got %v", m)
	}
	if status := recvClose(t, ctx, a); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status: %v", status)
	}
}

func TestShutdownClosesLiveChannels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := zerolog.Nop()
	svcCtx, stop := context.WithCancel(logger.WithContext(context.Background()))
	defer stop()
	svc := New(svcCtx, &ConfigOptions{
		ServerConfigOptions: ServerConfigOptions{Path: "/v1/one-to-one/signal"},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svc.Serve(svcCtx, ln) }()

	url := "ws://" + ln.Addr().String() + "/v1/one-to-one/signal"
	a := dial(t, ctx, url)
	join(t, ctx, a, wire.NewSessionID(0, 0x9))

	stop()

	// The hijacked connection is outside Shutdown's reach; it must still
	// die promptly through its context, not linger until some timeout.
	rctx, rcancel := context.WithTimeout(ctx, 3*time.Second)
	defer rcancel()
	if _, _, err := a.Read(rctx); err == nil {
		t.Fatal("channel survived service shutdown")
	} else if rctx.Err() != nil {
		t.Fatalf("channel not closed by shutdown: %v", err)
	}

	if err := <-served; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestHealthz(t *testing.T) {
	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())
	svc := New(ctx, &ConfigOptions{
		ServerConfigOptions: ServerConfigOptions{Path: "/v1/one-to-one/signal"},
	})
	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

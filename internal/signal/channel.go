package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/SB-IM/rendezvous/internal/signal/wire"
)

// outboundBuffer bounds per-channel queued messages. A counterpart that
// cannot drain this many frames is a dead or hopelessly slow consumer.
const outboundBuffer = 64

var errOutboundFull = errors.New("signal: outbound queue overflow")

// closeInstruction tells the write pump to flush and close the connection.
type closeInstruction struct {
	code   websocket.StatusCode
	reason string
}

// channel owns one websocket connection to one client for its lifetime.
// A read pump decodes inbound frames and drives the supervisor; a write
// pump serializes outbound frames so per-channel ordering is preserved.
type channel struct {
	conn   *websocket.Conn
	sup    *Supervisor
	logger zerolog.Logger
	config SessionConfigOptions

	id     string
	sid    wire.SessionID
	joined bool

	out      chan wire.Message
	shutdown chan closeInstruction

	unregisterOnce sync.Once
}

func newChannel(conn *websocket.Conn, sup *Supervisor, logger *zerolog.Logger, config SessionConfigOptions) *channel {
	id := uuid.NewString()
	l := logger.With().Str("component", "channel").Str("connection", id).Logger()
	return &channel{
		conn:     conn,
		sup:      sup,
		logger:   l,
		config:   config.withDefaults(),
		id:       id,
		out:      make(chan wire.Message, outboundBuffer),
		shutdown: make(chan closeInstruction, 1),
	}
}

// ID implements Participant.
func (c *channel) ID() string { return c.id }

// Deliver implements Participant. It never blocks: a full queue drops the
// connection instead of stalling the sender.
func (c *channel) Deliver(m wire.Message) error {
	select {
	case c.out <- m:
		return nil
	default:
		c.Shutdown("outbound queue overflow")
		return errOutboundFull
	}
}

// Shutdown implements Participant. Safe to call any number of times from
// any goroutine.
func (c *channel) Shutdown(reason string) {
	select {
	case c.shutdown <- closeInstruction{websocket.StatusNormalClosure, reason}:
	default:
	}
}

// abort closes the channel over a protocol violation by this client.
func (c *channel) abort(reason string) {
	c.deliverError(c.sid, reason)
	select {
	case c.shutdown <- closeInstruction{websocket.StatusPolicyViolation, reason}:
	default:
	}
}

func (c *channel) deliverError(sid wire.SessionID, reason string) {
	if err := c.Deliver(wire.Message{Type: wire.TypeError, Session: sid, Reason: reason}); err != nil {
		c.logger.Warn().Err(err).Msg("could not deliver error frame")
	}
}

// serve runs the channel until the connection dies, then unregisters it
// from the supervisor exactly once.
func (c *channel) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readLoop(ctx)

	c.unregisterOnce.Do(func() {
		if c.joined {
			c.sup.Unregister(c.sid, c)
		}
	})
	cancel()
	wg.Wait()
	// No-op if the write pump already sent a close frame.
	c.conn.Close(websocket.StatusInternalError, "")
	c.logger.Debug().Msg("channel closed")
}

// readLoop reads frames until the connection errors out, including after a
// self-initiated abort: the write pump closes the connection, which then
// surfaces here as a read error. Single exit keeps unregistration simple.
func (c *channel) readLoop(ctx context.Context) {
	if !c.join(ctx) {
		// Protocol violation before registration: wait for the close
		// initiated by abort to surface.
		c.await(ctx)
		return
	}

	violations := 0
	for {
		m, fatal, ok := c.readMessage(ctx)
		if fatal {
			return
		}
		if !ok {
			violations++
			if violations >= c.config.DecodeTolerance {
				c.abort("too many malformed messages")
				c.await(ctx)
				return
			}
			continue
		}
		violations = 0

		switch m.Type {
		case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate:
			counterpart, err := c.sup.Relay(m.Session, c, m)
			if err != nil {
				c.deliverError(m.Session, relayReason(err))
				continue
			}
			if err := counterpart.Deliver(m); err != nil {
				c.logger.Warn().Err(err).Str("type", m.Type.String()).Msg("counterpart did not take message")
			}
		case wire.TypeEstablished:
			if err := c.sup.ReportEstablished(m.Session, c); err != nil {
				c.deliverError(m.Session, relayReason(err))
			}
		case wire.TypeJoin:
			// Out-of-order join after registration.
			c.abort("already joined a session")
			c.await(ctx)
			return
		default:
			// Ready and Error are server-to-client only; ignore echoes.
			c.logger.Debug().Str("type", m.Type.String()).Msg("ignoring server-only frame from client")
		}
	}
}

// join handles the registration handshake: the first frame must be a Join
// carrying the session id, anything else closes the channel immediately.
func (c *channel) join(ctx context.Context) bool {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection dropped before join")
		return false
	}
	if typ != websocket.MessageBinary {
		c.abort("binary frames only")
		return false
	}
	m, err := wire.Decode(data)
	if err != nil || m.Type != wire.TypeJoin {
		c.abort("expected join frame")
		return false
	}

	paired, err := c.sup.Register(m.Session, c)
	if err != nil {
		c.deliverError(m.Session, relayReason(err))
		select {
		case c.shutdown <- closeInstruction{websocket.StatusPolicyViolation, relayReason(err)}:
		default:
		}
		return false
	}
	c.sid = m.Session
	c.joined = true
	c.logger.Info().Str("session", c.sid.String()).Bool("paired", paired).Msg("joined session")
	return true
}

// readMessage reads and decodes one frame. fatal means the connection is
// gone; !ok means the frame was malformed and counts toward tolerance.
func (c *channel) readMessage(ctx context.Context) (m wire.Message, fatal, ok bool) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			c.logger.Debug().Msg("client closed connection")
		} else {
			c.logger.Debug().Err(err).Msg("connection read failed")
		}
		return wire.Message{}, true, false
	}
	if typ != websocket.MessageBinary {
		c.deliverError(c.sid, "binary frames only")
		return wire.Message{}, false, false
	}
	m, err = wire.Decode(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("malformed frame")
		c.deliverError(c.sid, "malformed message")
		return wire.Message{}, false, false
	}
	return m, false, true
}

// await keeps reading until the write pump's close frame kills the
// connection, so queued error frames get flushed before teardown.
func (c *channel) await(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. Messages go out in
// enqueue order; a close instruction flushes what is queued, then sends
// the close frame.
func (c *channel) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageBinary, wire.Encode(m)); err != nil {
				c.logger.Debug().Err(err).Msg("connection write failed")
				return
			}
		case ci := <-c.shutdown:
			c.flush(ctx)
			if err := c.conn.Close(ci.code, ci.reason); err != nil {
				c.logger.Debug().Err(err).Msg("close handshake failed")
			}
			return
		}
	}
}

func (c *channel) flush(ctx context.Context) {
	for {
		select {
		case m := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageBinary, wire.Encode(m)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// relayReason converts supervisor errors into short close/error reasons
// that fit a websocket close frame.
func relayReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionFull):
		return "session full"
	case errors.Is(err, ErrUnknownSession):
		return "unknown session"
	case errors.Is(err, ErrNotParticipant):
		return "not a session participant"
	case errors.Is(err, ErrNoCounterpart):
		return "no counterpart"
	case errors.Is(err, ErrPendingOverflow):
		return "pending buffer full"
	case errors.Is(err, ErrSessionClosing):
		return "session closing"
	default:
		return err.Error()
	}
}

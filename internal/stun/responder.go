// Package stun answers address-discovery probes: a client sends a STUN
// binding request and learns the source address the server observed, which
// is all the reflexive-address discovery the signaling clients need. The
// responder is stateless per request and independent of session state.
package stun

import (
	"context"
	"errors"
	"net"

	"github.com/pion/stun"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Datagrams larger than this are not valid binding requests anyway.
const readBuffer = 1500

var software = stun.NewSoftware("rendezvous")

// Responder serves binding responses on a connectionless transport.
type Responder struct {
	logger zerolog.Logger
	conn   net.PacketConn
}

// New wraps an already-bound packet connection; binding belongs to the
// bootstrap layer.
func New(ctx context.Context, conn net.PacketConn) *Responder {
	logger := log.Ctx(ctx).With().Str("component", "stun").Logger()
	return &Responder{logger: logger, conn: conn}
}

// Serve answers probes until ctx is canceled or the socket dies. Malformed
// probes and non-STUN datagrams are dropped without a reply, so the
// responder cannot be used for amplification.
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := r.conn.Close(); err != nil {
			r.logger.Err(err).Msg("could not close discovery socket")
		}
	}()
	r.logger.Info().Str("addr", r.conn.LocalAddr().String()).Msg("address discovery responder listening")

	buf := make([]byte, readBuffer)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.respond(buf[:n], addr)
	}
}

func (r *Responder) respond(pkt []byte, addr net.Addr) {
	if !stun.IsMessage(pkt) {
		return
	}
	req := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := req.Decode(); err != nil {
		r.logger.Debug().Err(err).Str("source", addr.String()).Msg("malformed probe dropped")
		return
	}
	if req.Type != stun.BindingRequest {
		return
	}
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	resp := new(stun.Message)
	if err := resp.Build(req, stun.BindingSuccess,
		software,
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		stun.Fingerprint,
	); err != nil {
		r.logger.Err(err).Msg("could not build binding response")
		return
	}
	if _, err := r.conn.WriteTo(resp.Raw, addr); err != nil {
		r.logger.Debug().Err(err).Str("source", addr.String()).Msg("could not send binding response")
	}
}

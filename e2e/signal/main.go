// A manual end-to-end check against a running rendezvous server: two
// clients join the same random session, trade a fake offer/answer pair
// and report an established link, which must close both channels.
//
// Usage: go run ./e2e/signal -url ws://127.0.0.1:9003/v1/one-to-one/signal
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/SB-IM/rendezvous/internal/signal/wire"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:9003/v1/one-to-one/signal", "signaling endpoint")
	flag.Parse()

	log.Logger = log.Logger.Level(zerolog.DebugLevel)

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		log.Fatal().Err(err).Msg("no randomness")
	}
	sid := wire.SessionID(raw)
	log.Info().Str("session", sid.String()).Msg("starting clients")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- run(ctx, *url, sid, "alice", wire.TypeOffer) }()
	go func() { done <- run(ctx, *url, sid, "bob", wire.TypeAnswer) }()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			log.Fatal().Err(err).Msg("e2e check failed")
		}
	}
	log.Info().Msg("both channels torn down, e2e check passed")
}

func run(ctx context.Context, url string, sid wire.SessionID, name string, sends wire.Type) error {
	logger := log.With().Str("client", name).Logger()

	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", name, err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	write := func(m wire.Message) error {
		return c.Write(ctx, websocket.MessageBinary, wire.Encode(m))
	}

	if err := write(wire.Message{Type: wire.TypeJoin, Session: sid}); err != nil {
		return fmt.Errorf("%s: join: %w", name, err)
	}

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Info().Msg("server closed channel")
				return nil
			}
			return fmt.Errorf("%s: read: %w", name, err)
		}
		m, err := wire.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: decode: %w", name, err)
		}
		logger.Info().Str("type", m.Type.String()).Str("reason", m.Reason).Msg("received")

		switch m.Type {
		case wire.TypeReady:
			if err := write(wire.Message{Type: sends, Session: sid, Payload: []byte(name)}); err != nil {
				return err
			}
		case wire.TypeOffer, wire.TypeAnswer:
			logger.Info().Str("payload", string(m.Payload)).Msg("counterpart negotiation message")
			if err := write(wire.Message{Type: wire.TypeEstablished, Session: sid}); err != nil {
				return err
			}
		case wire.TypeError:
			return fmt.Errorf("%s: server error: %s", name, m.Reason)
		}
	}
}

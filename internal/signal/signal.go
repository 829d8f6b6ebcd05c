// Package signal implements the session-coordination and signaling-relay
// engine. Each client keeps one persistent websocket to this service,
// registers under a 128-bit session id and has its negotiation messages
// relayed verbatim to the session counterpart. Once both sides report an
// established direct link the server tears the signaling channels down:
// it is not meant to stay a third party to the connection.
package signal

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	mqttclient "github.com/SB-IM/rendezvous/pkg/mqttclient"

	"github.com/SB-IM/rendezvous/internal/signal/httpx"
)

const shutdownTimeout = 5 * time.Second

// Service carries the supervisor and the HTTP surface in front of it.
type Service struct {
	sup    *Supervisor
	logger zerolog.Logger
	config ConfigOptions
}

// New returns an initialized signaling service. The MQTT client, if any,
// is taken from ctx; without one, lifecycle events are silently disabled.
func New(ctx context.Context, config *ConfigOptions) *Service {
	logger := log.Ctx(ctx).With().Str("component", "signal").Logger()
	events := NewEventPublisher(mqttclient.FromContext(ctx), &logger, config.EventsConfigOptions)
	return &Service{
		sup:    NewSupervisor(&logger, events, config.SessionConfigOptions),
		logger: logger,
		config: *config,
	}
}

// Handler routes the websocket signaling endpoint and the health check.
func (svc *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(svc.config.Path, svc.handleSignal()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	svc.logger.Debug().Str("path", svc.config.Path).Msg("registered signaling HTTP handler")
	return r
}

// handleSignal upgrades the connection and hands it to a channel handler
// for the rest of its life.
func (svc *Service) handleSignal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			svc.logger.Err(err).Msg(httpx.Errors[httpx.ErrUpgradeFailed])
			return
		}
		newChannel(c, svc.sup, &svc.logger, svc.config.SessionConfigOptions).serve(r.Context())
	}
}

// Serve serves the signaling surface on ln until ctx is canceled. The
// listener is bound by the bootstrap layer, not here.
func (svc *Service) Serve(ctx context.Context, ln net.Listener) error {
	go svc.sup.Sweep(ctx)

	// Channels run off their request contexts. Hijacked connections are not
	// covered by Shutdown, so those contexts must descend from ctx for live
	// channels to die when the service stops.
	srv := &http.Server{
		Handler: svc.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	svc.logger.Info().Str("addr", ln.Addr().String()).Str("path", svc.config.Path).Msg("signaling server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		svc.logger.Info().Msg(httpx.Errors[httpx.ErrShuttingDown])
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

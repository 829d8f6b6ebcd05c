package signal

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Lifecycle event names published to the events topic.
const (
	EventPaired = "session_paired"
	EventClosed = "session_closed"
	EventReaped = "session_reaped"
)

// Event is one session lifecycle notification for external matchmaking or
// monitoring. Session ids are hex encoded.
type Event struct {
	Name         string    `json:"event"`
	Session      string    `json:"session_id"`
	Participants []string  `json:"participants,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventSink receives lifecycle events. Publish must not block the caller on
// network I/O.
type EventSink interface {
	Publish(e Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// eventPublisher emits events over MQTT.
type eventPublisher struct {
	client mqtt.Client
	logger zerolog.Logger
	config EventsConfigOptions
}

// NewEventPublisher returns an MQTT-backed sink. With a nil client or an
// empty topic, publishing is disabled.
func NewEventPublisher(client mqtt.Client, logger *zerolog.Logger, config EventsConfigOptions) EventSink {
	if client == nil || config.Topic == "" {
		return nopSink{}
	}
	l := logger.With().Str("component", "events").Logger()
	return &eventPublisher{client: client, logger: l, config: config}
}

// Publish is fire-and-forget: the delivery token is handled in a goroutine
// so no session table caller ever waits on the broker.
func (ep *eventPublisher) Publish(e Event) {
	payload, err := json.Marshal(&e)
	if err != nil {
		ep.logger.Err(err).Str("event", e.Name).Msg("could not marshal event")
		return
	}
	t := ep.client.Publish(ep.config.Topic, byte(ep.config.Qos), ep.config.Retained, payload)
	go func() {
		<-t.Done()
		if t.Error() != nil {
			ep.logger.Err(t.Error()).Msgf("could not publish to %s", ep.config.Topic)
		}
	}()
}

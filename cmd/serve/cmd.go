package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	signalsvc "github.com/SB-IM/rendezvous/internal/signal"
	"github.com/SB-IM/rendezvous/internal/stun"
	mqttclient "github.com/SB-IM/rendezvous/pkg/mqttclient"
)

const configFlagName = "config"

type stunConfigOptions struct {
	Host string
	Port int
}

// Command returns the serve command: the signaling relay and the address
// discovery responder running in one process.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc mqtt.Client

		signalConfig      signalsvc.ConfigOptions
		stunConfig        stunConfigOptions
		mqttConfigOptions mqttclient.ConfigOptions
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			loadConfigFlag(),
			signalFlags(&signalConfig.ServerConfigOptions),
			sessionFlags(&signalConfig.SessionConfigOptions),
			stunFlags(&stunConfig),
			mqttFlags(&mqttConfigOptions),
			eventsFlags(&signalConfig.EventsConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the signaling relay and the address discovery responder",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			// Set up logger.
			debug := c.Bool("debug")
			logging.Debug(debug)
			logger = log.With().Str("service", "rendezvous").Str("command", "serve").Logger()
			ctx = logger.WithContext(ctx)

			// Lifecycle events are optional: no broker, no events.
			if mqttConfigOptions.Server != "" {
				mc = mqttclient.NewClient(ctx, mqttConfigOptions)
				if err := mqttclient.CheckConnectivity(mc, 3*time.Second); err != nil {
					return err
				}
				ctx = mqttclient.WithContext(ctx, mc)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// The services receive already-bound listening resources.
			ln, err := net.Listen("tcp", signalConfig.Host+":"+strconv.Itoa(signalConfig.Port))
			if err != nil {
				return fmt.Errorf("could not create signaling listener: %w", err)
			}
			udpConn, err := net.ListenPacket("udp4", stunConfig.Host+":"+strconv.Itoa(stunConfig.Port))
			if err != nil {
				ln.Close()
				return fmt.Errorf("could not create udp4 listener: %w", err)
			}

			errc := make(chan error, 2)
			go func() {
				errc <- signalsvc.New(ctx, &signalConfig).Serve(ctx, ln)
			}()
			go func() {
				errc <- stun.New(ctx, udpConn).Serve(ctx)
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errc:
				cancel()
				<-errc
				return err
			case s := <-sigs:
				logger.Info().Str("signal", s.String()).Msg("shutting down")
				cancel()
				<-errc
				<-errc
				return nil
			}
		},
		After: func(c *cli.Context) error {
			logger.Info().Msg("exits")
			return nil
		},
	}
}

// loadConfigFlag sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func loadConfigFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        configFlagName,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}

func signalFlags(options *signalsvc.ServerConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.host",
			Usage:       "Host the signaling websocket server listens on",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "signal.port",
			Usage:       "Listening port of the signaling websocket server",
			Value:       9003,
			DefaultText: "9003",
			Destination: &options.Port,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.path",
			Usage:       "HTTP path of the websocket signaling endpoint",
			Value:       "/v1/one-to-one/signal",
			DefaultText: "/v1/one-to-one/signal",
			Destination: &options.Path,
		}),
	}
}

func sessionFlags(options *signalsvc.SessionConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.pending_limit",
			Usage:       "Maximum messages queued while a session waits for its counterpart",
			Value:       signalsvc.DefaultPendingLimit,
			DefaultText: "16",
			Destination: &options.PendingLimit,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.decode_tolerance",
			Usage:       "Consecutive malformed frames a channel survives before being closed",
			Value:       signalsvc.DefaultDecodeTolerance,
			DefaultText: "3",
			Destination: &options.DecodeTolerance,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "session.idle_timeout",
			Usage:       "Idle duration after which a session is reaped",
			Value:       signalsvc.DefaultIdleTimeout,
			DefaultText: "5m",
			Destination: &options.IdleTimeout,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "session.closing_grace",
			Usage:       "How long a closing session may wait for both channels to confirm",
			Value:       signalsvc.DefaultClosingGrace,
			DefaultText: "10s",
			Destination: &options.ClosingGrace,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "session.sweep_interval",
			Usage:       "Period of the session reaper",
			Value:       signalsvc.DefaultSweepInterval,
			DefaultText: "30s",
			Destination: &options.SweepInterval,
		}),
	}
}

func stunFlags(options *stunConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "stun.host",
			Usage:       "Host the address discovery responder listens on",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "stun.port",
			Usage:       "Listening port of the address discovery responder",
			Value:       9004,
			DefaultText: "9004",
			Destination: &options.Port,
		}),
	}
}

func mqttFlags(options *mqttclient.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address, leave empty to disable lifecycle events",
			Value:       "",
			DefaultText: "disabled",
			Destination: &options.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id",
			Value:       "rendezvous",
			DefaultText: "rendezvous",
			Destination: &options.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			DefaultText: "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			DefaultText: "",
			Destination: &options.Password,
		}),
	}
}

func eventsFlags(options *signalsvc.EventsConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "events.topic",
			Usage:       "Topic session lifecycle events are published to",
			Value:       "rendezvous/events",
			DefaultText: "rendezvous/events",
			Destination: &options.Topic,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "events.qos",
			Usage:       "QoS of event publishing",
			Value:       0,
			DefaultText: "0",
			Destination: &options.Qos,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "events.retained",
			Usage:       "Whether event messages are retained by the broker",
			Value:       false,
			DefaultText: "false",
			Destination: &options.Retained,
		}),
	}
}

package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/SB-IM/rendezvous/cmd/internal/build"
	"github.com/SB-IM/rendezvous/cmd/serve"
)

func init() {
	rand.Seed(time.Now().UTC().UnixNano())
}

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "rendezvous",
		Usage: "rendezvous pairs two peers and relays their connection negotiation until a direct link stands",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mod",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			serve.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}

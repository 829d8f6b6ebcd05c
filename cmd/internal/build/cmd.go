package build

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v2"
)

// Populated at link time through -ldflags.
var (
	Branch    string
	Version   string
	Revision  string
	BuildUser string
	BuildDate string
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "info displays build information of this binary",
		Action: func(c *cli.Context) error {
			for _, f := range []struct{ name, value string }{
				{"Branch", Branch},
				{"Version", Version},
				{"Revision", Revision},
				{"BuildUser", BuildUser},
				{"BuildDate", BuildDate},
				{"GoVersion", runtime.Version()},
			} {
				fmt.Printf("%s:\t%s\n", f.name, f.value)
			}
			return nil
		},
	}
}

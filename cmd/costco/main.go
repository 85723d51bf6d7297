// Command costco runs the dynamic commodity market.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "costco",
		Usage: "Dynamic commodity market with idle price drift",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to costco.yaml (defaults apply when omitted)",
				EnvVars: []string{"COSTCO_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			quoteCmd,
			affordCmd,
			buyCmd,
			sellCmd,
			payCmd,
			topCmd,
			walletCmd,
			unlockCmd,
		},
	}
}

func setupLogging(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

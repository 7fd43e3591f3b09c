package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LukeEvansTech/certdeploy/acinfinity"
	"github.com/LukeEvansTech/certdeploy/cmd/flags"
	"github.com/LukeEvansTech/certdeploy/common"
	"github.com/LukeEvansTech/certdeploy/exporter"
	"github.com/urfave/cli/v2"
)

var exporterFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "email",
		Required: true,
		Usage:    "AC Infinity account email",
		EnvVars:  []string{"ACINFINITY_EMAIL"},
	},
	&cli.StringFlag{
		Name:     "password",
		Required: true,
		Usage:    "AC Infinity account password",
		EnvVars:  []string{"ACINFINITY_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "api-url",
		Value:   acinfinity.DefaultBaseURL,
		Usage:   "AC Infinity API base URL",
		EnvVars: []string{"ACINFINITY_API_URL"},
	},
	flags.PollIntervalFlagFn(60 * time.Second),
}

func main() {
	app := &cli.App{
		Name:    "acinfinity-exporter",
		Usage:   "Export AC Infinity controller metrics for Prometheus",
		Version: common.Version,
		Flags:   concat(flags.LoggingFlags("acinfinity-exporter"), flags.ServerFlags, exporterFlags),
		Action: func(cCtx *cli.Context) error {
			logger, _ := flags.SetupLogger(cCtx)

			client, err := acinfinity.NewClient(acinfinity.ClientConfig{
				BaseURL:  cCtx.String("api-url"),
				Email:    cCtx.String("email"),
				Password: cCtx.String("password"),
			}, logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := client.Authenticate(ctx); err != nil {
				logger.Error("Initial authentication failed", "err", err)
				return cli.Exit("", 1)
			}

			interval := cCtx.Duration("poll-interval")
			poller := exporter.NewPoller(acinfinity.NewCollector(client, logger), exporter.PollerConfig{
				Namespace: "acinfinity",
				Interval:  interval,
				Log:       logger,
			})

			server := exporter.NewServer(flags.ConfigureServer(cCtx, logger), poller)
			server.RunInBackground()

			logger.Info("Starting AC Infinity exporter", "listenAddress", cCtx.String(flags.ListenAddrFlag.Name), "interval", interval)
			poller.Run(ctx)

			logger.Info("Shutdown signal received")
			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func concat(lists ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

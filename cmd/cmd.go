package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/obscura-chat/obscura-server/config"
)

const ServiceName = "obscura-server"

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "End-to-end encrypted message delivery and key custody server",
		Commands: []*cli.Command{
			serverCmd(),
			statsCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the delivery gateway node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			configFile := c.String("config_file")
			cfg, err := config.Load(nil, configFile)
			if err != nil {
				return err
			}

			live := config.NewLive(cfg)
			if err := config.WatchReload(configFile, func(next *config.Config) {
				live.Set(next)
				slog.Info("configuration reloaded; live fields apply on next tick")
			}); err != nil {
				return err
			}

			app := NewApp(cfg, live)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"podcastd/internal/app"
	"podcastd/internal/config"
	"podcastd/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cliApp := &cli.App{
		Name:  "podcastd",
		Usage: "keep podcast feeds up to date on hot-reloadable schedules",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (JSON or YAML); missing means defaults",
				Value:   "./podcastd.yaml",
				EnvVars: []string{"PODCASTD_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the config (missing files are skipped)",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.BoolFlag{
				Name:  "ephemeral",
				Usage: "use an in-memory store regardless of storage.driver",
			},
		},
		Before: func(c *cli.Context) error {
			if err := config.LoadDotEnv(c.StringSlice("env-file")...); err != nil {
				return cli.Exit("load env file: "+err.Error(), 1)
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			podcastCommand(),
			configCommand(),
			scheduleCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func options(c *cli.Context) app.Options {
	return app.Options{
		ConfigPath: c.String("config"),
		Ephemeral:  c.Bool("ephemeral"),
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the scheduler until SIGINT or SIGTERM",
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, options(c))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := a.Start(ctx); err != nil {
				stop(a, app.StopStartupFail)
				return cli.Exit("start: "+err.Error(), 1)
			}
			notify(a, daemon.SdNotifyReady)

			var reason app.StopReason
			select {
			case <-ctx.Done():
				reason = app.StopSignal
			case <-a.Done():
				reason = app.StopFatalError
			}
			notify(a, daemon.SdNotifyStopping)
			if err := stop(a, reason); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func stop(a *app.App, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(ctx, reason)
}

// notify reports state to systemd when NOTIFY_SOCKET is set.
func notify(a *app.App, state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		a.Logger().Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if ok {
		a.Logger().Debug("sd_notify sent", logx.String("state", state))
	}
}

// withApp opens the store without scheduling anything and closes it after fn.
func withApp(c *cli.Context, fn func(a *app.App) error) error {
	a, err := app.New(c.Context, options(c))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer stop(a, app.StopCommandDone)
	if err := fn(a); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

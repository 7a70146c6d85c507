package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"podcastd/internal/app"
	"podcastd/internal/podcast"
	"podcastd/internal/schedule"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nameArg(c *cli.Context) (string, error) {
	name := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if name == "" {
		return "", errors.New("podcast name required")
	}
	return name, nil
}

func podcastCommand() *cli.Command {
	return &cli.Command{
		Name:  "podcast",
		Usage: "manage podcast records",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "create or replace a podcast",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "youtube", Usage: "YouTube channel or playlist ID", Required: true},
					&cli.StringFlag{Name: "schedule", Usage: `update schedule, e.g. "every 6h; plus 15m" (omit for manual only)`},
					&cli.StringSliceFlag{Name: "sponsorblock", Usage: `SponsorBlock categories to cut, or "all"`},
					&cli.StringSliceFlag{Name: "downloader-arg", Usage: "extra downloader argument (repeatable)"},
				},
				Action: func(c *cli.Context) error {
					name, err := nameArg(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					p := podcast.Podcast{
						Name:                   name,
						Source:                 podcast.Source{Youtube: c.String("youtube")},
						SponsorBlockCategories: c.StringSlice("sponsorblock"),
						DownloaderArguments:    c.StringSlice("downloader-arg"),
					}
					if raw := c.String("schedule"); raw != "" {
						expr, err := schedule.ParseExpression(raw)
						if err != nil {
							return cli.Exit("schedule: "+err.Error(), 1)
						}
						p.UpdateSchedule = &expr
					}
					return withApp(c, func(a *app.App) error {
						saved, err := a.Service().Create(c.Context, p)
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, saved)
					})
				},
			},
			{
				Name:  "list",
				Usage: "list podcasts",
				Action: func(c *cli.Context) error {
					return withApp(c, func(a *app.App) error {
						ps, err := a.Service().List(c.Context)
						if err != nil {
							return err
						}
						tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "KEY\tNAME\tSOURCE\tSCHEDULE")
						for _, p := range ps {
							sched := "manual"
							if p.UpdateSchedule != nil {
								sched = p.UpdateSchedule.String()
							}
							fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", podcast.Prefix, p.Slug(), p.Name, p.Source.FeedURL(), sched)
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:      "show",
				Usage:     "print one podcast record",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					name, err := nameArg(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return withApp(c, func(a *app.App) error {
						p, err := a.Service().Get(c.Context, name)
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, p)
					})
				},
			},
			{
				Name:      "rm",
				Aliases:   []string{"purge"},
				Usage:     "delete a podcast and purge its media",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					name, err := nameArg(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return withApp(c, func(a *app.App) error {
						return a.Service().Purge(c.Context, name)
					})
				},
			},
			{
				Name:      "process",
				Usage:     "update one podcast now",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "overwrite", Usage: "re-process episodes that already exist"},
				},
				Action: func(c *cli.Context) error {
					name, err := nameArg(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return withApp(c, func(a *app.App) error {
						return a.Service().ProcessNow(c.Context, name, c.Bool("overwrite"))
					})
				},
			},
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "inspect and change the stored server config",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the server config record (defaults if absent)",
				Action: func(c *cli.Context) error {
					return withApp(c, func(a *app.App) error {
						cfg, err := a.Service().ServerConfig(c.Context)
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, cfg)
					})
				},
			},
			{
				Name:      "set-downloader",
				Usage:     "set the downloader schedule",
				ArgsUsage: "EXPRESSION",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "media-dir", Usage: "media directory"},
					&cli.BoolFlag{Name: "serve", Usage: "serve feeds and media"},
				},
				Action: func(c *cli.Context) error {
					expr, err := schedule.ParseExpression(strings.Join(c.Args().Slice(), " "))
					if err != nil {
						return cli.Exit("schedule: "+err.Error(), 1)
					}
					return withApp(c, func(a *app.App) error {
						cfg, err := a.Service().ServerConfig(c.Context)
						if err != nil {
							return err
						}
						cfg.DownloaderSchedule = expr
						if c.IsSet("media-dir") {
							cfg.MediaDirectory = c.String("media-dir")
						}
						if c.IsSet("serve") {
							cfg.ServeFeedAndMedia = c.Bool("serve")
						}
						return a.Service().SetServerConfig(c.Context, cfg)
					})
				},
			},
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "schedule expression tools",
		Subcommands: []*cli.Command{
			{
				Name:      "preview",
				Usage:     "print the next fire times of an expression",
				ArgsUsage: "EXPRESSION",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 10},
					&cli.StringFlag{Name: "tz", Usage: `"UTC", "Local", "+02:00" or an IANA name`, Value: "UTC"},
					&cli.TimestampFlag{Name: "from", Usage: "start time (default now)", Layout: time.RFC3339},
				},
				Action: func(c *cli.Context) error {
					expr, err := schedule.ParseExpression(strings.Join(c.Args().Slice(), " "))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					tz, err := schedule.ParseTimezone(c.String("tz"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					from := time.Now()
					if ts := c.Timestamp("from"); ts != nil {
						from = *ts
					}
					times, err := schedule.Preview(expr, tz, from, c.Int("count"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					fmt.Println(expr.String())
					for _, t := range times {
						fmt.Println(t.Format(time.RFC3339))
					}
					if len(times) < c.Int("count") {
						fmt.Printf("(schedule ends after %d runs)\n", len(times))
					}
					return nil
				},
			},
		},
	}
}

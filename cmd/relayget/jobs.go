package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/vertextoedge/relayget/internal/adapter/sqlite"
	"github.com/vertextoedge/relayget/internal/config"
	"github.com/vertextoedge/relayget/internal/logger"
	"github.com/vertextoedge/relayget/internal/service/maintenance"
)

var dbFlag = &cli.StringFlag{
	Name:  "db",
	Usage: "SQLite index database (default: index.sqlite_path from the config, else ./.relayget.db)",
}

func jobsCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "jobs",
			Usage:  "list downloads tracked in a SQLite index database",
			Flags:  []cli.Flag{dbFlag},
			Action: listJobs,
		},
		{
			Name:  "prune",
			Usage: "remove indexes of abandoned downloads from a SQLite index database",
			Flags: []cli.Flag{
				dbFlag,
				&cli.DurationFlag{
					Name:  "max-age",
					Usage: "also remove indexes not updated for this long (0 keeps them)",
					Value: maintenance.DefaultConfig().MaxAge,
				},
				&cli.BoolFlag{
					Name:  "dry-run",
					Usage: "only report what would be removed",
				},
			},
			Action: prune,
		},
	}
}

func openCatalog(c *cli.Context) (*sqlite.Store, error) {
	path := c.String("db")
	if path == "" {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return nil, cli.Exit(err.Error(), 1)
		}
		path = cfg.Index.SQLitePath
	}
	if path == "" {
		path = ".relayget.db"
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return store, nil
}

func listJobs(c *cli.Context) error {
	store, err := openCatalog(c)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	out := c.App.Writer
	for _, e := range entries {
		pct := int64(100)
		if e.SheetCount > 0 {
			pct = e.DoneSheets * 100 / e.SheetCount
		}
		fmt.Fprintf(out, "%3d%%  %s/%s sheets  %s\n", pct,
			humanize.Comma(e.DoneSheets), humanize.Comma(e.SheetCount), e.SavePath)
	}
	fmt.Fprintf(out, "%d downloads tracked in %s\n", len(entries), store.Path())
	return nil
}

func prune(c *cli.Context) error {
	store, err := openCatalog(c)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := maintenance.New(&maintenance.Config{
		MaxAge: c.Duration("max-age"),
		DryRun: c.Bool("dry-run"),
	}, store, logger.GetZapLogger())

	report, err := svc.Prune()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	out := c.App.Writer
	verb := "removed"
	if c.Bool("dry-run") {
		verb = "would remove"
	}
	for _, path := range report.Orphans {
		fmt.Fprintf(out, "%s orphaned index %s\n", verb, path)
	}
	if report.Expired > 0 {
		fmt.Fprintf(out, "%s %d indexes older than %s\n", verb, report.Expired, c.Duration("max-age").Round(time.Second))
	}
	return nil
}

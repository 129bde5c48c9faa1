package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/config"
	"github.com/vertextoedge/relayget/internal/logger"
	"github.com/vertextoedge/relayget/internal/service/session"
)

const version = "1.0.0"

// Exit codes for argument errors; session failures carry their own
const (
	exitBadThreads = 1
	exitBadProfile = 2
	exitBadArgs    = 3
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	app := newApp(stdout, stderr, &code)
	if err := app.RunContext(ctx, args); err != nil {
		fmt.Fprintln(stderr, err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		return 1
	}
	return code
}

func newApp(stdout, stderr io.Writer, code *int) *cli.App {
	return &cli.App{
		Name:      "relayget",
		Usage:     "download one file over many relays in parallel, resumably",
		Version:   version,
		ArgsUsage: "URL OUTPUT",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "threads",
				Aliases: []string{"n"},
				Usage:   "connections per relay",
			},
			&cli.StringFlag{
				Name:    "cookies",
				Aliases: []string{"c"},
				Usage:   "cookie header sent with every request",
			},
			&cli.StringSliceFlag{
				Name:    "proxy",
				Aliases: []string{"p"},
				Usage:   "relay in [protocol://]host[:port][/] form (http, https, socks5, socks5h); repeatable",
			},
			&cli.BoolFlag{
				Name:    "direct",
				Aliases: []string{"d"},
				Usage:   "also download over a direct connection when relays are given",
			},
			&cli.BoolFlag{
				Name:    "redirected",
				Aliases: []string{"r"},
				Usage:   "if the request got an HTTP redirection, fetch from the redirected url",
			},
			&cli.StringFlag{
				Name:    "speed",
				Aliases: []string{"s"},
				Usage:   "speed profile: extreme, high (fast), medium (normal), low (slow) or one from the config file",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "index-backend",
				Usage: "where to keep the sheet index: job, sqlite or blob",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "no progress output",
			},
		},
		Commands:       jobsCommands(),
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			return download(c, code)
		},
	}
}

// applyFlags layers command-line flags over the loaded configuration
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("threads") {
		n := c.Int("threads")
		if n < 1 {
			return cli.Exit(fmt.Sprintf("invalid thread count %d", n), exitBadThreads)
		}
		cfg.Download.ThreadsPerRelay = n
	}
	if c.IsSet("speed") {
		name := c.String("speed")
		if _, err := cfg.Profile(name); err != nil {
			return cli.Exit(fmt.Sprintf("%v; choose one of %s", err, strings.Join(cfg.ProfileNames(), ", ")), exitBadProfile)
		}
		cfg.Download.Profile = name
	}
	if proxies := c.StringSlice("proxy"); len(proxies) > 0 {
		cfg.Download.Relays = proxies
	}
	if c.Bool("direct") {
		cfg.Download.Direct = true
	}
	if c.Bool("redirected") {
		cfg.Download.UseRedirectedURL = true
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("index-backend") {
		cfg.Index.Backend = c.String("index-backend")
	}
	return cfg.Validate()
}

func download(c *cli.Context, code *int) error {
	if c.NArg() != 2 {
		cli.ShowAppHelp(c)
		return cli.Exit("expected URL and OUTPUT", exitBadArgs)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := applyFlags(c, cfg); err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer logger.Sync()
	log := logger.GetZapLogger()

	scfg, err := session.NewConfig(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitBadProfile)
	}
	scfg.URL = c.Args().Get(0)
	scfg.SavePath = c.Args().Get(1)
	scfg.Cookies = c.String("cookies")
	scfg.Quiet = c.Bool("quiet")

	log.Info("starting relayget",
		zap.String("version", version),
		zap.String("url", scfg.URL),
		zap.String("output", scfg.SavePath),
		zap.String("profile", scfg.Profile.Name),
		zap.Int("threads_per_relay", scfg.ThreadsPerRelay),
		zap.Strings("relays", scfg.Relays),
		zap.Bool("direct", scfg.Direct),
		zap.String("index_backend", cfg.Index.Backend))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	start := time.Now()
	out := c.App.Writer
	res, err := session.New(scfg, out, log).Run(ctx)
	if session.ExitCode(err) == 20 {
		fmt.Fprintf(out, "\nDownload terminated, %s elapsed.\n", time.Since(start).Round(time.Second))
		*code = 20
		return nil
	}
	if err != nil {
		return cli.Exit(err.Error(), session.ExitCode(err))
	}
	fmt.Fprintln(out, res.Summary())
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zephyrtronium/cfauth/auth"
	"github.com/zephyrtronium/cfauth/cf"
	"github.com/zephyrtronium/cfauth/metrics"
)

var app = cli.Command{
	Name:  "cfauth",
	Usage: "OAuth2 token coordinator for Cloud Foundry style platforms",

	Flags: []cli.Flag{
		&flagConfig,
		&flagLog,
		&flagLogFormat,
	},
	Commands: []*cli.Command{
		{
			Name:  "token",
			Usage: "Print an access token",
			Flags: []cli.Flag{
				&flagContext,
				&cli.BoolFlag{
					Name:  "invalidate",
					Usage: "Discard the cached token first",
				},
				&cli.BoolFlag{
					Name:  "full",
					Usage: "Print the whole token as JSON",
				},
			},
			Action: cliToken,
		},
		{
			Name:  "stress",
			Usage: "Request tokens concurrently and report how many exchanges they caused",
			Flags: []cli.Flag{
				&flagContext,
				&cli.IntFlag{
					Name:  "n",
					Usage: "Number of concurrent callers per round",
					Value: 100,
				},
				&cli.IntFlag{
					Name:  "rounds",
					Usage: "Number of rounds",
					Value: 1,
				},
				&cli.BoolFlag{
					Name:  "invalidate",
					Usage: "Invalidate the token before each round",
				},
			},
			Action: cliStress,
		},
		{
			Name:      "get",
			Usage:     "Perform an authenticated GET against the platform API",
			ArgsUsage: "PATH",
			Flags: []cli.Flag{
				&flagContext,
			},
			Action: cliGet,
		},
		{
			Name:  "info",
			Usage: "Discover the identity service of a platform",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "api",
					Usage:    "Platform API root, e.g. https://api.example.com",
					Required: true,
				},
			},
			Action: cliInfo,
		},
		{
			Name:  "serve",
			Usage: "Serve tokens to local processes over HTTP",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "listen",
					Usage: "Listen address, overriding the config",
				},
			},
			Action: cliServe,
		},
	},
	Action: cliStatus,

	Authors: []any{
		"Branden J Brown  @zephyrtronium",
	},
	Copyright: "Copyright 2024 Branden J Brown",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	go func() {
		<-ctx.Done()
		stop()
	}()
	err := app.Run(ctx, os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads the configuration and all credentials.
func setup(ctx context.Context, cmd *cli.Command, reg prometheus.Registerer) (*Config, *auth.Provider, *stores, error) {
	slog.SetDefault(loggerFromFlags(cmd))
	p := cmd.String("config")
	if p == "" {
		return nil, nil, nil, errors.New("no config file; use --config")
	}
	r, err := os.Open(p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("couldn't open config file: %w", err)
	}
	cfg, _, err := Load(ctx, r)
	r.Close()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("couldn't load config: %w", err)
	}
	m := newMetrics()
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	creds, err := loadProvider(ctx, cfg, st, m)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	return cfg, creds, st, nil
}

func cliStatus(ctx context.Context, cmd *cli.Command) error {
	_, creds, st, err := setup(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	for _, name := range creds.Names() {
		c, err := creds.Credential(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%v\n", name, c.Status())
	}
	return nil
}

func cliToken(ctx context.Context, cmd *cli.Command) error {
	_, creds, st, err := setup(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	c, err := creds.Credential(cmd.String("context"))
	if err != nil {
		return err
	}
	if cmd.Bool("invalidate") {
		c.Invalidate()
	}
	tok, err := c.Current(ctx)
	if err != nil {
		return fmt.Errorf("couldn't get token for %s: %w", c.Name(), err)
	}
	if !cmd.Bool("full") {
		fmt.Println(tok.AccessToken)
		return nil
	}
	b, err := json.Marshal(tok, jsontext.WithIndent("  "))
	if err != nil {
		return fmt.Errorf("couldn't encode token: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func cliStress(ctx context.Context, cmd *cli.Command) error {
	reg := prometheus.NewRegistry()
	_, creds, st, err := setup(ctx, cmd, reg)
	if err != nil {
		return err
	}
	defer st.Close()
	c, err := creds.Credential(cmd.String("context"))
	if err != nil {
		return err
	}
	n := int(cmd.Int("n"))
	for round := range int(cmd.Int("rounds")) {
		if cmd.Bool("invalidate") {
			c.Invalidate()
		}
		start := time.Now()
		seen, err := stress(ctx, c, n)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		slog.InfoContext(ctx, "round done",
			slog.Int("round", round),
			slog.Int("callers", n),
			slog.Int("tokens", len(seen)),
			slog.Duration("took", time.Since(start)),
		)
	}
	ex, err := exchanges(reg)
	if err != nil {
		return err
	}
	fmt.Printf("%d callers in %d rounds caused %v exchanges\n", n*int(cmd.Int("rounds")), cmd.Int("rounds"), ex)
	return nil
}

// stress calls Token from n goroutines at once and returns the set of
// distinct access tokens they received.
func stress(ctx context.Context, src auth.TokenSource, n int) (map[string]bool, error) {
	group, ctx := errgroup.WithContext(ctx)
	r := make([]string, n)
	ready := make(chan struct{})
	for i := range n {
		group.Go(func() error {
			<-ready
			tok, err := src.Token(ctx)
			r[i] = tok
			return err
		})
	}
	close(ready)
	if err := group.Wait(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, tok := range r {
		seen[tok] = true
	}
	return seen, nil
}

// exchanges sums the exchange counter in reg.
func exchanges(reg prometheus.Gatherer) (float64, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return 0, fmt.Errorf("couldn't gather metrics: %w", err)
	}
	var n float64
	for _, mf := range mfs {
		if mf.GetName() != "cfauth_token_exchanges" {
			continue
		}
		for _, m := range mf.GetMetric() {
			n += m.GetCounter().GetValue()
		}
	}
	return n, nil
}

func cliGet(ctx context.Context, cmd *cli.Command) error {
	cfg, creds, st, err := setup(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	name := cmd.String("context")
	c, err := creds.Credential(name)
	if err != nil {
		return err
	}
	api := cfg.Contexts[name].API
	if api == "" {
		return fmt.Errorf("context %s has no api", name)
	}
	path := cmd.Args().First()
	if path == "" {
		return errors.New("no path to get")
	}
	client := cf.Client{HTTP: httpClient(), API: api, Tokens: c}
	var v jsontext.Value
	if err := cf.Get(ctx, client, path, &v); err != nil {
		return err
	}
	b, err := json.Marshal(v, jsontext.WithIndent("  "))
	if err != nil {
		return fmt.Errorf("couldn't format response: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func cliInfo(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	d := cf.Discovery{HTTP: httpClient()}
	api := cmd.String("api")
	info, err := d.Info(ctx, api)
	if err != nil {
		return err
	}
	u, err := d.TokenURL(ctx, api)
	if err != nil {
		return err
	}
	fmt.Printf("api version:\t%s\nauthorization:\t%s\ntoken:\t\t%s\n", info.APIVersion, info.AuthorizationEndpoint, u)
	return nil
}

func cliServe(ctx context.Context, cmd *cli.Command) error {
	reg := prometheus.NewRegistry()
	cfg, creds, st, err := setup(ctx, cmd, reg)
	if err != nil {
		return err
	}
	defer st.Close()
	listen := cfg.HTTP.Listen
	if s := cmd.String("listen"); s != "" {
		listen = s
	}
	if listen == "" {
		return errors.New("no listen address; set http.listen or use --listen")
	}
	return serve(ctx, listen, newBroker(creds), reg)
}

var (
	flagConfig = cli.StringFlag{
		Name:       "config",
		Usage:      "TOML config file",
		Persistent: true,
		Action: func(ctx context.Context, cmd *cli.Command, s string) error {
			i, err := os.Stat(s)
			if err != nil {
				return err
			}
			if !i.Mode().IsRegular() {
				return errors.New("config must be a regular file")
			}
			return nil
		},
	}

	flagContext = cli.StringFlag{
		Name:     "context",
		Aliases:  []string{"c"},
		Usage:    "Name of the configured context to use",
		Required: true,
	}

	flagLog = cli.StringFlag{
		Name:       "log",
		Usage:      "Logging level, one of debug, info, warn, error",
		Value:      "info",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			var l slog.Level
			return l.UnmarshalText([]byte(s))
		},
	}

	flagLogFormat = cli.StringFlag{
		Name:       "log-format",
		Usage:      "Logging format, either text or json",
		Value:      "text",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			switch strings.ToLower(s) {
			case "text", "json":
				return nil
			default:
				return errors.New("unknown logging format")
			}
		},
	}
)

func loggerFromFlags(cmd *cli.Command) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cmd.String("log"))); err != nil {
		panic(err)
	}
	var h slog.Handler
	switch strings.ToLower(cmd.String("log-format")) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	case "json":
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	}
	return slog.New(h)
}

// metrics configuration
func newMetrics() *metrics.Metrics {
	return metrics.New("cfauth")
}

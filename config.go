package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/cfauth/auth"
	"github.com/zephyrtronium/cfauth/auth/kvstorage"
	"github.com/zephyrtronium/cfauth/auth/sqlstorage"
	"github.com/zephyrtronium/cfauth/cf"
	"github.com/zephyrtronium/cfauth/metrics"
)

// Load loads cfauth from a TOML configuration.
func Load(ctx context.Context, r io.Reader) (*Config, *toml.MetaData, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't decode config: %w", err)
	}
	if u := md.Undecoded(); len(u) != 0 {
		slog.WarnContext(ctx, "unknown config keys", slog.Any("keys", u))
	}
	expandcfg(&cfg, os.Getenv)
	return &cfg, &md, nil
}

// Config is the marshaled structure of cfauth's configuration.
type Config struct {
	// SecretFile is the path to a file containing a secret key used to encrypt
	// token files.
	SecretFile string `toml:"secret"`
	// Storage is the table of token storage settings.
	Storage StorageCfg `toml:"storage"`
	// HTTP is the table of token broker settings.
	HTTP HTTPCfg `toml:"http"`
	// Contexts is the set of connections to platforms. Each key names one
	// credential.
	Contexts map[string]*ContextCfg `toml:"context"`
}

// StorageCfg is the configuration of token persistence.
type StorageCfg struct {
	// Kind is one of "file", "badger", "sqlite", or empty for no persistence.
	Kind string `toml:"kind"`
	// Path is the directory of token files for "file", the database
	// directory for "badger", or the DSN for "sqlite".
	Path string `toml:"path"`
}

// HTTPCfg is the configuration of the token broker.
type HTTPCfg struct {
	// Listen is the address on which to serve.
	Listen string `toml:"listen"`
}

// ContextCfg is the configuration of one connection to a platform.
type ContextCfg struct {
	// API is the root of the platform API. It is used to discover the token
	// endpoint if TokenURL is empty.
	API string `toml:"api"`
	// TokenURL is the address of the token endpoint.
	TokenURL string `toml:"token"`
	// CID is the client ID. The cf CLI uses "cf".
	CID string `toml:"cid"`
	// SecretFile is the path to a file containing the client secret.
	// It may be empty for public clients.
	SecretFile string `toml:"secret"`
	// AuthStyle is "header" for HTTP basic client authentication or "params"
	// to send client credentials in the form.
	AuthStyle string `toml:"auth"`
	// Scopes are requested with each exchange.
	Scopes []string `toml:"scopes"`
	// Grant is the primary grant: "password", "passcode",
	// "client_credentials", "authorization_code", or empty to use only a
	// stored refresh token.
	Grant string `toml:"grant"`
	// Username and Password are the user credentials for the password grant.
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Passcode is the one-time passcode for the passcode grant.
	Passcode string `toml:"passcode"`
	// Code and Redirect are for the authorization code grant.
	Code     string `toml:"code"`
	Redirect string `toml:"redirect"`
	// Margin is the safety margin before token expiry.
	Margin time.Duration `toml:"margin"`
	// Retry is the retry policy for transient failures.
	Retry RetryCfg `toml:"retry"`
	// Rate limits exchanges with the identity service.
	Rate Rate `toml:"rate"`
}

// RetryCfg is the retry policy of a context.
type RetryCfg struct {
	Attempts int           `toml:"attempts"`
	Initial  time.Duration `toml:"initial"`
	Max      time.Duration `toml:"max"`
	Timeout  time.Duration `toml:"timeout"`
}

// Rate is a rate limit configuration.
type Rate struct {
	Every time.Duration `toml:"every"`
	Num   int           `toml:"num"`
}

func expandcfg(cfg *Config, expand func(s string) string) {
	fields := []*string{
		&cfg.SecretFile,
		&cfg.Storage.Path,
		&cfg.HTTP.Listen,
	}
	for _, v := range cfg.Contexts {
		fields = append(fields,
			&v.API,
			&v.TokenURL,
			&v.CID,
			&v.SecretFile,
			&v.Username,
			&v.Password,
			&v.AuthStyle,
			&v.Passcode,
			&v.Code,
			&v.Redirect,
		)
	}
	for _, f := range fields {
		*f = os.Expand(*f, expand)
	}
}

// primary returns the primary grant of the context.
func (c *ContextCfg) primary() (auth.Grant, error) {
	switch strings.ToLower(c.Grant) {
	case "":
		return nil, nil
	case "password":
		if c.Username == "" {
			return nil, errors.New("password grant needs a username")
		}
		return auth.PasswordGrant{Username: c.Username, Password: c.Password}, nil
	case "passcode":
		if c.Passcode == "" {
			return nil, errors.New("passcode grant needs a passcode")
		}
		return auth.PasscodeGrant{Passcode: c.Passcode}, nil
	case "client_credentials":
		return auth.ClientCredentialsGrant{}, nil
	case "authorization_code":
		if c.Code == "" {
			return nil, errors.New("authorization code grant needs a code")
		}
		return auth.AuthorizationCodeGrant{Code: c.Code, RedirectURI: c.Redirect}, nil
	default:
		return nil, fmt.Errorf("unknown grant %q", c.Grant)
	}
}

// endpoint creates the token endpoint client of the context.
func (c *ContextCfg) endpoint(ctx context.Context, d *cf.Discovery, hc *http.Client) (*auth.HTTPEndpoint, error) {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		if c.API == "" {
			return nil, errors.New("context has neither an API nor a token URL")
		}
		var err error
		tokenURL, err = d.TokenURL(ctx, c.API)
		if err != nil {
			return nil, fmt.Errorf("couldn't discover token endpoint: %w", err)
		}
	}
	var secret string
	if c.SecretFile != "" {
		b, err := os.ReadFile(c.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("couldn't read client secret: %w", err)
		}
		secret = strings.TrimSpace(string(b))
	}
	var style oauth2.AuthStyle
	switch strings.ToLower(c.AuthStyle) {
	case "", "header":
		style = oauth2.AuthStyleInHeader
	case "params":
		style = oauth2.AuthStyleInParams
	default:
		return nil, fmt.Errorf("unknown client auth style %q", c.AuthStyle)
	}
	cid := c.CID
	if cid == "" {
		cid = "cf"
	}
	ep := auth.HTTPEndpoint{
		TokenURL:     tokenURL,
		ClientID:     cid,
		ClientSecret: secret,
		AuthStyle:    style,
		Scopes:       c.Scopes,
		Client:       hc,
	}
	if c.Rate.Num > 0 {
		ep.Limiter = rate.NewLimiter(rate.Every(c.Rate.Every), c.Rate.Num)
	}
	return &ep, nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// loadProvider creates the credentials of every context. Token endpoints of
// contexts sharing a platform are discovered once.
func loadProvider(ctx context.Context, cfg *Config, st *stores, m *metrics.Metrics) (*auth.Provider, error) {
	hc := httpClient()
	d := cf.Discovery{HTTP: hc}
	names := make([]string, 0, len(cfg.Contexts))
	for name := range cfg.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	creds := make([]*auth.Credential, len(names))
	group, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		c := cfg.Contexts[name]
		group.Go(func() error {
			primary, err := c.primary()
			if err != nil {
				return fmt.Errorf("context %s: %w", name, err)
			}
			ep, err := c.endpoint(gctx, &d, hc)
			if err != nil {
				return fmt.Errorf("context %s: %w", name, err)
			}
			s, err := st.For(gctx, name)
			if err != nil {
				return fmt.Errorf("context %s: %w", name, err)
			}
			cred, err := auth.New(gctx, auth.Config{
				Name:     name,
				Endpoint: ep,
				Primary:  primary,
				Storage:  s,
				Margin:   c.Margin,
				Retry: auth.RetryPolicy{
					Attempts: c.Retry.Attempts,
					Initial:  c.Retry.Initial,
					Max:      c.Retry.Max,
					Timeout:  c.Retry.Timeout,
				},
				Metrics: m,
			})
			if err != nil {
				return err
			}
			slog.InfoContext(gctx, "context", slog.String("name", name), slog.String("endpoint", ep.String()))
			creds[i] = cred
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return auth.NewProvider(creds...)
}

// stores opens token storage for each credential.
type stores struct {
	kind   string
	dir    string
	secret []byte
	kv     *badger.DB
	sql    *sqlitex.Pool

	initOnce sync.Once
	initErr  error
}

// openStores opens the token storage backend of cfg.
func openStores(ctx context.Context, cfg *Config) (*stores, error) {
	s := stores{kind: strings.ToLower(cfg.Storage.Kind)}
	switch s.kind {
	case "", "none":
		return &s, nil
	case "file":
		if cfg.SecretFile == "" {
			return nil, errors.New("token files need a secret; set secret")
		}
		k, err := os.ReadFile(cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("couldn't read secret key: %w", err)
		}
		s.secret = k
		s.dir = cfg.Storage.Path
		if err := os.MkdirAll(s.dir, 0700); err != nil {
			return nil, fmt.Errorf("couldn't create token directory: %w", err)
		}
	case "badger":
		slog.DebugContext(ctx, "using badger token storage", slog.String("path", cfg.Storage.Path))
		opts := badger.DefaultOptions(cfg.Storage.Path).WithLogger(nil)
		var err error
		s.kv, err = badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("couldn't open token db: %w", err)
		}
	case "sqlite":
		slog.DebugContext(ctx, "using sqlite token storage", slog.String("path", cfg.Storage.Path))
		var err error
		s.sql, err = sqlitex.NewPool(cfg.Storage.Path, sqlitex.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("couldn't open token db: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
	return &s, nil
}

// For returns the storage of the named credential, or nil if tokens are not
// persisted.
func (s *stores) For(ctx context.Context, name string) (auth.Storage, error) {
	switch s.kind {
	case "file":
		p := filepath.Join(s.dir, name+".token")
		f, err := auth.NewFileAt(p, auth.DeriveKey(s.secret, name))
		if err != nil {
			return nil, fmt.Errorf("couldn't use token file: %w", err)
		}
		return f, nil
	case "badger":
		return kvstorage.New(s.kv, name), nil
	case "sqlite":
		s.initOnce.Do(func() { s.initErr = sqlstorage.Init(ctx, s.sql) })
		if s.initErr != nil {
			return nil, fmt.Errorf("couldn't initialize token db: %w", s.initErr)
		}
		return sqlstorage.New(s.sql, name), nil
	default:
		return nil, nil
	}
}

// Close closes the storage databases.
func (s *stores) Close() error {
	var err error
	if s.kv != nil {
		err = errors.Join(err, s.kv.Close())
	}
	if s.sql != nil {
		err = errors.Join(err, s.sql.Close())
	}
	return err
}

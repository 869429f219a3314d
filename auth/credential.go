package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zephyrtronium/cfauth/metrics"
)

// Credential is one logical connection to the platform: a target identity
// service together with the client and user credentials used against it.
// It owns the current token and at most one in-flight exchange.
// Its methods are safe to call concurrently.
type Credential struct {
	// name identifies the credential in logs and metrics.
	name string
	// cur is the cache slot. It is read without locking on the fast path.
	cur atomic.Pointer[Token]

	// mu guards the fields below and all writes to cur.
	mu sync.Mutex
	// ticket is the in-flight exchange, if any.
	ticket *ticket
	// refresh is the most recent refresh token. It survives invalidation of
	// the cache slot.
	refresh string
	// seq is the sequence number of the most recently started ticket.
	seq uint64
	// applied is the sequence number of the ticket whose result is in cur.
	applied uint64

	ep      Endpoint
	primary Grant
	st      Storage
	margin  time.Duration
	retry   RetryPolicy
	metrics *metrics.Metrics
	now     func() time.Time
}

// Config is the configuration of a credential.
type Config struct {
	// Name identifies the credential. It must be unique within a Provider.
	Name string
	// Endpoint performs exchanges with the identity service.
	Endpoint Endpoint
	// Primary is the grant used when there is no refresh token, e.g. on
	// first use or after the refresh token is rejected. It may be nil if
	// tokens are only ever obtained from a stored refresh token.
	Primary Grant
	// Storage persists tokens across processes. It may be nil.
	Storage Storage
	// Margin is subtracted from token lifetimes so that tokens are not used
	// as they expire. Zero means the default of 30 seconds. Negative means no
	// margin.
	Margin time.Duration
	// Retry is the retry policy for transient failures.
	Retry RetryPolicy
	// Metrics receives observations. It may be nil.
	Metrics *metrics.Metrics
}

// RetryPolicy bounds retries of exchanges that fail transiently.
// Zero fields take default values.
type RetryPolicy struct {
	// Attempts is the maximum number of exchanges per grant. Default 3.
	Attempts int
	// Initial is the first backoff interval. Default 250ms.
	Initial time.Duration
	// Max is the largest backoff interval. Default 5s.
	Max time.Duration
	// Timeout bounds each individual exchange. Default 30s.
	Timeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 250 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return p
}

// DefaultMargin is the safety margin used when Config.Margin is zero.
const DefaultMargin = 30 * time.Second

// New creates a credential. If cfg has a storage, the stored token is loaded
// so that its refresh token is used for the first exchange.
func New(ctx context.Context, cfg Config) (*Credential, error) {
	if cfg.Name == "" {
		return nil, errors.New("credential has no name")
	}
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("credential %q has no token endpoint", cfg.Name)
	}
	c := Credential{
		name:    cfg.Name,
		ep:      cfg.Endpoint,
		primary: cfg.Primary,
		st:      cfg.Storage,
		margin:  cfg.Margin,
		retry:   cfg.Retry.withDefaults(),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	switch {
	case c.margin == 0:
		c.margin = DefaultMargin
	case c.margin < 0:
		c.margin = 0
	}
	if c.metrics == nil {
		c.metrics = new(metrics.Metrics)
	}
	if c.st != nil {
		tok, err := c.st.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("couldn't load stored token for %s: %w", cfg.Name, err)
		}
		if tok != nil {
			c.refresh = tok.RefreshToken
			if c.usable(tok) {
				c.cur.Store(tok)
			}
			slog.InfoContext(ctx, "loaded stored token",
				slog.String("credential", c.name),
				slog.Bool("refresh", c.refresh != ""),
				slog.Bool("usable", c.cur.Load() != nil),
			)
		}
	}
	if c.primary == nil && c.refresh == "" {
		slog.WarnContext(ctx, "credential has no primary grant and no stored refresh token", slog.String("credential", c.name))
	}
	return &c, nil
}

// Name returns the credential's name.
func (c *Credential) Name() string {
	return c.name
}

// Token returns a usable access token. If the cached token is usable, Token
// returns it without blocking. Otherwise it joins or starts an exchange with
// the identity service and waits for its outcome.
func (c *Credential) Token(ctx context.Context) (string, error) {
	tok, err := c.Current(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Current is like Token but returns the whole token snapshot.
// The result is always non-nil if the error is nil.
func (c *Credential) Current(ctx context.Context) (*Token, error) {
	if tok := c.read(); c.usable(tok) {
		return tok, nil
	}
	return c.obtain(ctx)
}

// Invalidate clears the cached token so that the next call to Token performs
// an exchange. It does not cancel an in-flight exchange; that exchange's
// result is still cached when it lands.
func (c *Credential) Invalidate() {
	observe(c.metrics.Invalidations, 1, c.name)
	c.clear()
}

// Refresh invalidates the cached token if its access token is old, then
// returns a usable access token as by Token. Callers which receive an
// unauthorized response from the API should pass the access token they used,
// so that many such callers cause only one exchange.
func (c *Credential) Refresh(ctx context.Context, old string) (string, error) {
	tok, err := c.Renew(ctx, old)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Renew is like Refresh but returns the whole token snapshot.
func (c *Credential) Renew(ctx context.Context, old string) (*Token, error) {
	c.mu.Lock()
	if tok := c.read(); tok != nil && tok.AccessToken == old {
		observe(c.metrics.Invalidations, 1, c.name)
		c.cur.Store(nil)
	}
	c.mu.Unlock()
	return c.Current(ctx)
}

// State is the authentication state of a credential.
type State int32

const (
	// Unauthenticated means there is no usable token and no exchange in
	// flight.
	Unauthenticated State = iota
	// Authenticating means a primary grant exchange is in flight.
	Authenticating
	// Valid means the cached token is usable.
	Valid
	// Refreshing means a refresh grant exchange is in flight.
	Refreshing
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Valid:
		return "valid"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Status reports the credential's current state.
func (c *Credential) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket != nil {
		return State(c.ticket.phase.Load())
	}
	if c.usable(c.read()) {
		return Valid
	}
	return Unauthenticated
}

var _ TokenSource = (*Credential)(nil)

func observe(o metrics.Observer, val float64, labels ...string) {
	if o != nil {
		o.Observe(val, labels...)
	}
}

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ticket is one in-flight refresh or authentication attempt.
// Every caller that needs a token while the ticket is installed waits on it
// instead of starting its own exchange.
type ticket struct {
	// seq orders tickets of one credential.
	seq uint64
	// refresh is the refresh token this attempt started with, or the empty
	// string if it started with the primary grant.
	refresh string
	// trace correlates the logs of the attempt.
	trace uuid.UUID
	// phase is the State the credential is in while the ticket is running.
	phase atomic.Int32

	// done is closed once tok and err are set.
	done chan struct{}
	tok  *Token
	err  error
}

// obtain joins the installed ticket or starts a new one, then waits for its
// outcome. Deciding whether to join and installing a new ticket happen in one
// critical section, so two callers can never both start an exchange.
func (c *Credential) obtain(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	t := c.ticket
	if t == nil {
		// A ticket may have landed while we were waiting for the lock.
		if tok := c.read(); c.usable(tok) {
			c.mu.Unlock()
			return tok, nil
		}
		t = c.startLocked(ctx)
	} else {
		observe(c.metrics.Joins, 1, c.name)
	}
	c.mu.Unlock()
	select {
	case <-t.done:
		return t.tok, t.err
	case <-ctx.Done():
		// The ticket keeps running for everyone else.
		return nil, ctx.Err()
	}
}

// startLocked installs a new ticket and runs it in its own goroutine.
// The ticket is detached from the caller's cancellation so that it always
// runs to completion or timeout.
func (c *Credential) startLocked(ctx context.Context) *ticket {
	c.seq++
	t := &ticket{
		seq:     c.seq,
		refresh: c.refresh,
		trace:   uuid.New(),
		done:    make(chan struct{}),
	}
	if t.refresh != "" {
		t.phase.Store(int32(Refreshing))
	} else {
		t.phase.Store(int32(Authenticating))
	}
	c.ticket = t
	go c.run(context.WithoutCancel(ctx), t)
	return t
}

// run performs the ticket's exchanges and releases its waiters.
func (c *Credential) run(ctx context.Context, t *ticket) {
	log := slog.With(slog.String("credential", c.name), slog.Any("trace", t.trace))
	log.DebugContext(ctx, "ticket started", slog.Uint64("seq", t.seq), slog.Bool("refresh", t.refresh != ""))
	tok, err := c.acquire(ctx, log, t)
	if err == nil {
		// Persist before the ticket is released so that writes to storage
		// happen in ticket order.
		c.persist(ctx, log, tok)
	}
	c.mu.Lock()
	if err == nil && !c.storeLocked(t.seq, tok) {
		log.WarnContext(ctx, "discarded stale token", slog.Uint64("seq", t.seq), slog.Uint64("applied", c.applied))
	}
	c.ticket = nil
	c.mu.Unlock()
	t.tok, t.err = tok, err
	close(t.done)
	if err != nil {
		log.ErrorContext(ctx, "couldn't obtain token", slog.Any("err", err), slog.Bool("temporary", IsTemporary(err)))
		return
	}
	log.InfoContext(ctx, "obtained token", slog.Time("expiry", tok.Expiry), slog.Any("scope", tok.Scope))
}

// acquire chooses the grant for a ticket. A ticket that holds a refresh token
// uses the refresh grant; if the identity service rejects the refresh token,
// it is forgotten and the ticket falls back to the primary grant once.
func (c *Credential) acquire(ctx context.Context, log *slog.Logger, t *ticket) (*Token, error) {
	if t.refresh != "" {
		tok, err := c.exchange(ctx, log, RefreshGrant{RefreshToken: t.refresh})
		if err == nil {
			if tok.RefreshToken == "" {
				// The server did not rotate the refresh token.
				tok.RefreshToken = t.refresh
			}
			return tok, nil
		}
		if KindOf(err) != InvalidGrant {
			return nil, err
		}
		log.WarnContext(ctx, "refresh token rejected", slog.Any("err", err))
		c.forget(ctx, log, t.refresh)
		if c.primary == nil {
			return nil, fmt.Errorf("refresh token rejected with no primary grant to fall back on: %w", err)
		}
		observe(c.metrics.Fallbacks, 1, c.name)
		t.phase.Store(int32(Authenticating))
	}
	if c.primary == nil {
		return nil, &Failure{Kind: Fatal, Description: "no refresh token and no primary grant configured"}
	}
	return c.exchange(ctx, log, c.primary)
}

// exchange performs one grant, retrying transient failures with backoff.
func (c *Credential) exchange(ctx context.Context, log *slog.Logger, g Grant) (*Token, error) {
	var tok *Token
	attempt := 0
	op := func() error {
		attempt++
		start := time.Now()
		r, err := c.attempt(ctx, g)
		observe(c.metrics.ExchangeLatency, time.Since(start).Seconds(), c.name, g.GrantType())
		if err == nil {
			observe(c.metrics.Exchanges, 1, c.name, g.GrantType(), "ok")
			tok = newToken(r, c.now(), c.margin)
			return nil
		}
		k := KindOf(err)
		observe(c.metrics.Exchanges, 1, c.name, g.GrantType(), k.String())
		log.WarnContext(ctx, "token exchange failed",
			slog.String("grant", g.GrantType()),
			slog.Int("attempt", attempt),
			slog.String("kind", k.String()),
			slog.Any("err", err),
		)
		if k != Transient {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.Initial
	b.MaxInterval = c.retry.Max
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(c.retry.Attempts-1)))
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// attempt runs a single exchange under the per-exchange timeout. If the
// endpoint does not return in time, the attempt fails as transient even if
// the endpoint ignores its context.
func (c *Credential) attempt(ctx context.Context, g Grant) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
	defer cancel()
	type outcome struct {
		r   *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := c.ep.Exchange(ctx, g)
		ch <- outcome{r, err}
	}()
	select {
	case o := <-ch:
		if o.err == nil && (o.r == nil || o.r.AccessToken == "") {
			return nil, &Failure{Kind: Transient, Description: "exchange returned no access token"}
		}
		return o.r, o.err
	case <-ctx.Done():
		return nil, &Failure{Kind: Transient, Description: "token exchange timed out", Err: ctx.Err()}
	}
}

// forget drops a rejected refresh token, unless it has already been replaced.
func (c *Credential) forget(ctx context.Context, log *slog.Logger, rt string) {
	c.mu.Lock()
	ok := c.refresh == rt
	if ok {
		c.refresh = ""
	}
	c.mu.Unlock()
	if ok && c.st != nil {
		ctx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		defer cancel()
		if err := c.st.Store(ctx, nil); err != nil {
			log.WarnContext(ctx, "couldn't clear stored token", slog.Any("err", err))
		}
	}
}

// persist saves a new token to storage. Failure to save does not fail the
// ticket; the token is still good for this process.
func (c *Credential) persist(ctx context.Context, log *slog.Logger, tok *Token) {
	if c.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
	defer cancel()
	if err := c.st.Store(ctx, tok); err != nil {
		log.WarnContext(ctx, "couldn't store new token", slog.Any("err", err))
	}
}

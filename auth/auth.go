// Package auth coordinates OAuth2 bearer token acquisition and refresh for
// API clients of a multi-tenant cloud platform.
//
// A [Credential] hands out access tokens to any number of concurrent callers.
// When its token is absent or expired, exactly one exchange against the
// identity service is in flight at a time; every caller that needs a token
// meanwhile waits for the outcome of that exchange. Because the identity
// service rotates refresh tokens on every use, this also ensures that a
// refresh token is never presented twice.
package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource is a source of OAuth2 access tokens. Its methods are safe to
// call concurrently.
type TokenSource interface {
	// Token retrieves an access token. This may trigger an exchange with the
	// identity service if no usable token is cached.
	Token(ctx context.Context) (string, error)
	// Refresh forces a new token if the current access token is identical to
	// old. The result is the new access token.
	// The requirement to provide the old token allows Refresh to be called
	// concurrently without flooding refresh requests.
	Refresh(ctx context.Context, old string) (string, error)
}

// Token is an immutable snapshot of a credential issued by the identity
// service. Values of type *Token are never modified after they are shared.
type Token struct {
	// AccessToken is the bearer credential presented on API calls.
	AccessToken string `json:"access_token"`
	// RefreshToken is the credential exchanged for a new access token.
	// It is empty for grants that do not issue one.
	RefreshToken string `json:"refresh_token"`
	// TokenType is normally "bearer".
	TokenType string `json:"token_type"`
	// Expiry is the time after which the access token must not be used.
	// It already accounts for the safety margin. The zero value means the
	// token does not expire by time.
	Expiry time.Time `json:"expiry"`
	// Scope is the set of scopes granted to the token.
	Scope []string `json:"scope"`
}

// Usable returns whether tok is present and unexpired at now.
func (tok *Token) Usable(now time.Time) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || now.Before(tok.Expiry)
}

// HasScope returns whether the token was granted the given scope.
func (tok *Token) HasScope(scope string) bool {
	if tok == nil {
		return false
	}
	for _, s := range tok.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// OAuth2 converts tok to an [oauth2.Token]. The result is nil if tok is nil.
func (tok *Token) OAuth2() *oauth2.Token {
	if tok == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// Equal compares two tokens by access token, refresh token, token type, and
// expiry.
func Equal(a, b *Token) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.AccessToken == b.AccessToken &&
		a.TokenType == b.TokenType &&
		a.RefreshToken == b.RefreshToken &&
		a.Expiry.Equal(b.Expiry)
}

// newToken builds a token from an exchange result issued at now.
// The margin is subtracted from the lifetime, but never more than half of it.
// An absolute expiry that is not after now comes from a clock that disagrees
// with ours, so the lifetime is treated as unknown rather than already over.
func newToken(r *Result, now time.Time, margin time.Duration) *Token {
	tok := Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scope:        r.Scope,
	}
	if tok.TokenType == "" {
		tok.TokenType = "bearer"
	}
	switch {
	case r.ExpiresIn > 0:
		if margin > r.ExpiresIn/2 {
			margin = r.ExpiresIn / 2
		}
		tok.Expiry = now.Add(r.ExpiresIn - margin)
	case r.Expiry.After(now):
		life := r.Expiry.Sub(now)
		if margin > life/2 {
			margin = life / 2
		}
		tok.Expiry = r.Expiry.Add(-margin)
	}
	return &tok
}

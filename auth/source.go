package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// TokenSource returns an [oauth2.TokenSource] backed by c. The context is
// used for every exchange the source causes.
func (c *Credential) TokenSource(ctx context.Context) oauth2.TokenSource {
	return source{ctx: ctx, c: c}
}

type source struct {
	ctx context.Context
	c   *Credential
}

func (s source) Token() (*oauth2.Token, error) {
	tok, err := s.c.Current(s.ctx)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}

// Client returns an HTTP client which sets the bearer token of c on each
// request. If base is nil, the client uses [http.DefaultTransport].
// The client does not react to unauthorized responses; use Refresh for that.
func (c *Credential) Client(ctx context.Context, base *http.Client) *http.Client {
	var r http.Client
	if base != nil {
		r = *base
	}
	r.Transport = &oauth2.Transport{
		Source: c.TokenSource(ctx),
		Base:   r.Transport,
	}
	return &r
}

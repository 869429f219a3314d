// Package cf makes authenticated requests to a Cloud Foundry style platform
// API and discovers its identity service.
package cf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-json-experiment/json"

	"github.com/zephyrtronium/cfauth/auth"
)

// Client holds the context for requests to the platform API.
type Client struct {
	// HTTP is the HTTP client for performing requests.
	// If nil, http.DefaultClient is used.
	HTTP *http.Client
	// API is the root of the platform API, e.g. https://api.example.com.
	API string
	// Tokens provides access tokens for requests.
	Tokens auth.TokenSource
}

// reqjson performs an HTTP request and decodes the response as JSON.
// The response body is truncated to 2 MB.
func reqjson[Resp any](ctx context.Context, hc *http.Client, access, method, url string, body io.Reader, u *Resp) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("couldn't make request: %w", err)
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	req.Header.Set("Accept", "application/json")
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("couldn't %s: %w", method, err)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fmt.Errorf("couldn't read response: %w", err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK: // do nothing
	case http.StatusUnauthorized:
		return fmt.Errorf("request failed: %s (%w)", b, ErrNeedRefresh)
	default:
		return fmt.Errorf("request failed: %s (%s)", b, resp.Status)
	}
	if err := json.Unmarshal(b, u); err != nil {
		return fmt.Errorf("couldn't decode JSON response: %w", err)
	}
	return nil
}

// Get performs an authenticated GET of a path under the API root and decodes
// the JSON response into u. If the API rejects the access token, Get refreshes
// it once and tries again.
func Get[Resp any](ctx context.Context, client Client, path string, u *Resp) error {
	p, err := url.JoinPath(client.API, path)
	if err != nil {
		return fmt.Errorf("couldn't build request URL: %w", err)
	}
	access, err := client.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("couldn't get access token: %w", err)
	}
	err = reqjson(ctx, client.HTTP, access, "GET", p, nil, u)
	if !errors.Is(err, ErrNeedRefresh) {
		return err
	}
	access, err = client.Tokens.Refresh(ctx, access)
	if err != nil {
		return fmt.Errorf("couldn't refresh access token: %w", err)
	}
	return reqjson(ctx, client.HTTP, access, "GET", p, nil, u)
}

// ErrNeedRefresh is an error indicating that the access token needs to be refreshed.
// It must be checked using [errors.Is].
var ErrNeedRefresh = errors.New("need refresh")

package cf

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Info is the platform's self-description from /v2/info.
type Info struct {
	Name                  string `json:"name"`
	Build                 string `json:"build"`
	Description           string `json:"description"`
	APIVersion            string `json:"api_version"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	DopplerEndpoint       string `json:"doppler_logging_endpoint"`
}

// GetInfo retrieves the platform's self-description. The request is not
// authenticated.
func GetInfo(ctx context.Context, hc *http.Client, api string) (*Info, error) {
	p, err := url.JoinPath(api, "v2", "info")
	if err != nil {
		return nil, fmt.Errorf("couldn't build info URL: %w", err)
	}
	var u Info
	if err := reqjson(ctx, hc, "", "GET", p, nil, &u); err != nil {
		return nil, fmt.Errorf("couldn't get platform info: %w", err)
	}
	return &u, nil
}

// Discovery finds identity services of platforms. Concurrent lookups of the
// same platform share one request, and successful results are cached.
// The zero value is ready to use.
type Discovery struct {
	// HTTP is the HTTP client for performing requests.
	// If nil, http.DefaultClient is used.
	HTTP *http.Client

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*Info
}

// Info returns the self-description of the platform at api.
func (d *Discovery) Info(ctx context.Context, api string) (*Info, error) {
	d.mu.Lock()
	r := d.cache[api]
	d.mu.Unlock()
	if r != nil {
		return r, nil
	}
	ch := d.group.DoChan(api, func() (any, error) {
		d.mu.Lock()
		r := d.cache[api]
		d.mu.Unlock()
		if r != nil {
			// Another flight landed between our check and this one.
			return r, nil
		}
		// The lookup is shared, so it must not fail just because the caller
		// that happened to start it went away.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		slog.InfoContext(ctx, "discover platform", slog.String("api", api))
		info, err := GetInfo(ctx, d.HTTP, api)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.cache == nil {
			d.cache = make(map[string]*Info)
		}
		d.cache[api] = info
		d.mu.Unlock()
		return info, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Info), nil
	}
}

// TokenURL returns the address of the token endpoint of the identity service
// of the platform at api.
func (d *Discovery) TokenURL(ctx context.Context, api string) (string, error) {
	info, err := d.Info(ctx, api)
	if err != nil {
		return "", err
	}
	if info.TokenEndpoint == "" {
		return "", fmt.Errorf("platform at %s does not advertise a token endpoint", api)
	}
	return url.JoinPath(info.TokenEndpoint, "oauth", "token")
}

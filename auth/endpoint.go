package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Endpoint performs single exchanges against an identity service's token
// endpoint.
type Endpoint interface {
	// Exchange requests tokens under a grant. Failures should be or wrap
	// *Failure so that they can be classified; other errors are treated as
	// fatal, except that context deadlines are transient.
	Exchange(ctx context.Context, g Grant) (*Result, error)
}

// Result is the token bundle from a successful exchange.
type Result struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresIn is the lifetime of the access token declared by the server.
	ExpiresIn time.Duration
	// Expiry is the absolute expiry of the access token, if known from the
	// token itself rather than from the server's declaration.
	Expiry time.Time
	Scope  []string
}

// HTTPEndpoint is an Endpoint speaking the OAuth2 token endpoint protocol
// over HTTP.
type HTTPEndpoint struct {
	// TokenURL is the address of the token endpoint. For UAA, it is the UAA
	// root with the path /oauth/token.
	TokenURL string
	// ClientID and ClientSecret identify the client.
	ClientID     string
	ClientSecret string
	// AuthStyle is the client authentication style. The zero value uses HTTP
	// basic authentication.
	AuthStyle oauth2.AuthStyle
	// Scopes are requested with each exchange, if any.
	Scopes []string
	// Client performs requests. If nil, [http.DefaultClient] is used.
	Client *http.Client
	// Limiter paces exchanges, if non-nil.
	Limiter *rate.Limiter
}

// Exchange requests tokens under g.
func (e *HTTPEndpoint) Exchange(ctx context.Context, g Grant) (*Result, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, &Failure{Kind: Transient, Description: "rate limit wait", Err: err}
		}
	}
	v := g.Form()
	if len(e.Scopes) != 0 {
		v.Set("scope", strings.Join(e.Scopes, " "))
	}
	if e.AuthStyle == oauth2.AuthStyleInParams {
		v.Set("client_id", e.ClientID)
		if e.ClientSecret != "" {
			v.Set("client_secret", e.ClientSecret)
		}
	}
	slog.LogAttrs(ctx, slog.LevelDebug-4, "token exchange ### THIS MESSAGE CONTAINS SECRETS ###", slog.Any("values", v))
	req, err := http.NewRequestWithContext(ctx, "POST", e.TokenURL, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, &Failure{Kind: Fatal, Description: "couldn't create token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if e.AuthStyle != oauth2.AuthStyleInParams {
		req.SetBasicAuth(url.QueryEscape(e.ClientID), url.QueryEscape(e.ClientSecret))
	}
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Failure{Kind: Transient, Description: "token request failed", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Failure{Kind: Transient, Description: "couldn't read token response body", Status: resp.StatusCode, Err: err}
	}
	var d struct {
		AccessToken  string         `json:"access_token"`
		RefreshToken string         `json:"refresh_token"`
		TokenType    string         `json:"token_type"`
		ExpiresIn    int64          `json:"expires_in"`
		Scope        jsontext.Value `json:"scope"`
		// Error fields
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(body, &d); err != nil && resp.StatusCode == http.StatusOK {
		return nil, &Failure{Kind: Transient, Description: "couldn't decode token response", Status: resp.StatusCode, Err: err}
	}
	slog.InfoContext(ctx, "token response",
		slog.String("grant", g.GrantType()),
		slog.Int("status", resp.StatusCode),
		slog.String("error", d.Error),
	)
	if resp.StatusCode != http.StatusOK || d.Error != "" {
		desc := d.Description
		if desc == "" {
			desc = d.Message
		}
		return nil, &Failure{
			Kind:        classify(resp.StatusCode, d.Error, g),
			Code:        d.Error,
			Description: desc,
			Status:      resp.StatusCode,
		}
	}
	if d.AccessToken == "" {
		return nil, &Failure{Kind: Transient, Description: "token response has no access token", Status: resp.StatusCode}
	}
	r := Result{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		TokenType:    d.TokenType,
		ExpiresIn:    time.Duration(d.ExpiresIn) * time.Second,
		Scope:        scopes(d.Scope),
	}
	if r.ExpiresIn <= 0 {
		r.Expiry = jwtExpiry(d.AccessToken)
	}
	return &r, nil
}

// classify maps a token endpoint error response to a failure kind.
func classify(status int, code string, g Grant) Kind {
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return Transient
	case code == "server_error", code == "temporarily_unavailable":
		return Transient
	case code == "invalid_grant":
		return InvalidGrant
	case code == "invalid_token" && g.GrantType() == "refresh_token":
		// UAA reports expired and revoked refresh tokens this way.
		return InvalidGrant
	}
	switch code {
	case "invalid_client", "unauthorized_client", "unsupported_grant_type", "invalid_scope", "invalid_request":
		return Fatal
	}
	if status == http.StatusUnauthorized {
		switch g.(type) {
		case PasswordGrant, PasscodeGrant:
			// Bad user credentials.
			return InvalidGrant
		case RefreshGrant:
			// The client was accepted above, so the refresh token is what
			// was refused.
			return InvalidGrant
		}
	}
	return Fatal
}

// scopes decodes a scope value that is either a space-separated string, as
// RFC 6749 specifies, or an array of strings, as some services send.
func scopes(v jsontext.Value) []string {
	switch v.Kind() {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil
		}
		return strings.Fields(s)
	case '[':
		var s []string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil
		}
		return s
	default:
		return nil
	}
}

// jwtExpiry reads the expiry claim of an access token which is a JWT.
// The signature is not verified; the value only informs when to refresh.
// The result is the zero time if the token has no readable expiry.
func jwtExpiry(access string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

var _ Endpoint = (*HTTPEndpoint)(nil)

// String describes the endpoint without secrets.
func (e *HTTPEndpoint) String() string {
	return fmt.Sprintf("%s (client %s)", e.TokenURL, e.ClientID)
}

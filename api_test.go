package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"

	"github.com/zephyrtronium/cfauth/auth"
)

// countingEndpoint issues numbered tokens and fails when told to.
type countingEndpoint struct {
	n    atomic.Int32
	fail atomic.Pointer[auth.Failure]
}

func (e *countingEndpoint) Exchange(ctx context.Context, g auth.Grant) (*auth.Result, error) {
	if f := e.fail.Load(); f != nil {
		return nil, f
	}
	n := e.n.Add(1)
	return &auth.Result{
		AccessToken:  "access-" + string(rune('0'+n)),
		RefreshToken: "refresh-" + string(rune('0'+n)),
		TokenType:    "bearer",
		ExpiresIn:    time.Hour,
		Scope:        []string{"openid"},
	}, nil
}

func testBroker(t *testing.T) (*broker, *countingEndpoint, *http.ServeMux) {
	t.Helper()
	ep := new(countingEndpoint)
	c, err := auth.New(context.Background(), auth.Config{
		Name:     "bocchi",
		Endpoint: ep,
		Primary:  auth.ClientCredentialsGrant{},
		Retry:    auth.RetryPolicy{Attempts: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	creds, err := auth.NewProvider(c)
	if err != nil {
		t.Fatal(err)
	}
	b := newBroker(creds)
	mux := http.NewServeMux()
	b.routes(mux)
	return b, ep, mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAPIToken(t *testing.T) {
	_, ep, mux := testBroker(t)
	for range 3 {
		w := do(mux, "GET", "/token/bocchi", "")
		if w.Code != http.StatusOK {
			t.Fatalf("wrong status %d: %s", w.Code, w.Body)
		}
		var u apiToken
		if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
			t.Fatalf("couldn't decode response: %v", err)
		}
		if u.AccessToken != "access-1" || u.TokenType != "bearer" {
			t.Errorf("wrong token %#v", u)
		}
		if diff := cmp.Diff([]string{"openid"}, u.Scope); diff != "" {
			t.Errorf("wrong scope (+got/-want):\n%s", diff)
		}
	}
	if got := ep.n.Load(); got != 1 {
		t.Errorf("wrong number of exchanges: want 1, got %d", got)
	}
	if w := do(mux, "GET", "/token/kita", ""); w.Code != http.StatusNotFound {
		t.Errorf("wrong status for unknown credential: %d", w.Code)
	}
}

func TestAPIInvalidate(t *testing.T) {
	_, ep, mux := testBroker(t)
	do(mux, "GET", "/token/bocchi", "")
	if w := do(mux, "POST", "/token/bocchi/invalidate", ""); w.Code != http.StatusNoContent {
		t.Errorf("wrong status for invalidate: %d", w.Code)
	}
	w := do(mux, "GET", "/token/bocchi", "")
	if !strings.Contains(w.Body.String(), "access-2") {
		t.Errorf("invalidate didn't cause a new token: %s", w.Body)
	}
	if got := ep.n.Load(); got != 2 {
		t.Errorf("wrong number of exchanges: want 2, got %d", got)
	}
	if w := do(mux, "POST", "/token/kita/invalidate", ""); w.Code != http.StatusNotFound {
		t.Errorf("wrong status for unknown credential: %d", w.Code)
	}
}

func TestAPIRefresh(t *testing.T) {
	b, ep, mux := testBroker(t)
	do(mux, "GET", "/token/bocchi", "")
	// A stale token doesn't cause an exchange.
	w := do(mux, "POST", "/token/bocchi/refresh", `{"access_token":"access-0"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "access-1") {
		t.Errorf("wrong response to stale refresh: %d %s", w.Code, w.Body)
	}
	w = do(mux, "POST", "/token/bocchi/refresh", `{"access_token":"access-1"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "access-2") {
		t.Errorf("wrong response to refresh: %d %s", w.Code, w.Body)
	}
	if got := ep.n.Load(); got != 2 {
		t.Errorf("wrong number of exchanges: want 2, got %d", got)
	}
	var u apiToken
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatalf("couldn't decode refresh response: %v", err)
	}
	c, err := b.creds.Credential("bocchi")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := c.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := apiToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry, Scope: tok.Scope}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("refresh response doesn't describe the refreshed token (+got/-want):\n%s", diff)
	}
	if w := do(mux, "POST", "/token/bocchi/refresh", `bocchi`); w.Code != http.StatusBadRequest {
		t.Errorf("wrong status for bad body: %d", w.Code)
	}
}

func TestAPIErrors(t *testing.T) {
	cases := []struct {
		name string
		fail *auth.Failure
		want int
	}{
		{"transient", &auth.Failure{Kind: auth.Transient, Status: 503}, http.StatusServiceUnavailable},
		{"invalid-grant", &auth.Failure{Kind: auth.InvalidGrant, Code: "invalid_grant"}, http.StatusForbidden},
		{"fatal", &auth.Failure{Kind: auth.Fatal, Code: "invalid_client"}, http.StatusBadGateway},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, ep, mux := testBroker(t)
			ep.fail.Store(c.fail)
			w := do(mux, "GET", "/token/bocchi", "")
			if w.Code != c.want {
				t.Errorf("wrong status: want %d, got %d (%s)", c.want, w.Code, w.Body)
			}
			var u struct {
				Error  string `json:"error"`
				Status int    `json:"status"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
				t.Errorf("error body isn't JSON: %v", err)
			}
			if u.Status != c.want {
				t.Errorf("wrong status in body: %d", u.Status)
			}
		})
	}
}

func TestAPIList(t *testing.T) {
	_, _, mux := testBroker(t)
	w := do(mux, "GET", "/token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("wrong status %d", w.Code)
	}
	var u []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if len(u) != 1 || u[0].Name != "bocchi" || u[0].State != "unauthenticated" {
		t.Errorf("wrong list %+v", u)
	}
}

func TestStress(t *testing.T) {
	_, ep, _ := testBroker(t)
	c, err := auth.New(context.Background(), auth.Config{Name: "ryo", Endpoint: ep, Primary: auth.ClientCredentialsGrant{}})
	if err != nil {
		t.Fatal(err)
	}
	seen, err := stress(context.Background(), c, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Errorf("callers saw %d distinct tokens", len(seen))
	}
	if got := ep.n.Load(); got != 1 {
		t.Errorf("wrong number of exchanges: want 1, got %d", got)
	}
	ep.fail.Store(&auth.Failure{Kind: auth.Fatal})
	c.Invalidate()
	if _, err := stress(context.Background(), c, 10); !errors.Is(err, auth.ErrFatal) {
		t.Errorf("wrong error: %v", err)
	}
}

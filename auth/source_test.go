package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenSource(t *testing.T) {
	t.Parallel()
	c := testCredential(t, newIDP(), password, nil)
	tok, err := c.TokenSource(context.Background()).Token()
	if err != nil {
		t.Fatalf("couldn't get token: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("wrong token %#v", tok)
	}
	if tok.Type() != "Bearer" {
		t.Errorf("wrong token type %q", tok.Type())
	}
	if !tok.Valid() {
		t.Errorf("token isn't valid")
	}
}

func TestClient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("Authorization"))
	}))
	t.Cleanup(srv.Close)
	c := testCredential(t, newIDP(), password, nil)
	hc := c.Client(context.Background(), srv.Client())
	for range 3 {
		resp, err := hc.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(b), "Bearer access-1"; got != want {
			t.Errorf("wrong authorization: want %q, got %q", want, got)
		}
	}
}

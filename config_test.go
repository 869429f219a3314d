package main

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/zephyrtronium/cfauth/auth"
	"github.com/zephyrtronium/cfauth/cf"
)

//go:embed example.toml
var exampleToml string

func eqcase[T comparable](t *testing.T, name string, val T, eq T) {
	t.Helper()
	if val != eq {
		t.Errorf("wrong %s: want %#v, got %#v", name, eq, val)
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv("CFAUTH_HOME", "/var/cfauth")
	t.Setenv("CF_PASSWORD", "nijika")
	cfg, _, err := Load(context.Background(), strings.NewReader(exampleToml))
	if err != nil {
		t.Fatalf("failed to load example.toml: %v", err)
	}

	eqcase(t, "SecretFile", cfg.SecretFile, "/var/cfauth/key")
	eqcase(t, "Storage.Kind", cfg.Storage.Kind, "sqlite")
	eqcase(t, "Storage.Path", cfg.Storage.Path, "file:/var/cfauth/tokens.db")
	eqcase(t, "HTTP.Listen", cfg.HTTP.Listen, "127.0.0.1:4959")
	prod := cfg.Contexts["prod"]
	if prod == nil {
		t.Fatal("no prod context")
	}
	eqcase(t, "prod.API", prod.API, "https://api.sys.example.com")
	eqcase(t, "prod.TokenURL", prod.TokenURL, "")
	eqcase(t, "prod.CID", prod.CID, "cf")
	eqcase(t, "prod.Grant", prod.Grant, "password")
	eqcase(t, "prod.Username", prod.Username, "bocchi")
	eqcase(t, "prod.Password", prod.Password, "nijika")
	eqcase(t, "prod.Margin", prod.Margin, 30*time.Second)
	eqcase(t, "prod.Retry.Attempts", prod.Retry.Attempts, 3)
	eqcase(t, "prod.Retry.Initial", prod.Retry.Initial, 250*time.Millisecond)
	eqcase(t, "prod.Retry.Max", prod.Retry.Max, 5*time.Second)
	eqcase(t, "prod.Retry.Timeout", prod.Retry.Timeout, 30*time.Second)
	eqcase(t, "prod.Rate.Every", prod.Rate.Every, time.Second)
	eqcase(t, "prod.Rate.Num", prod.Rate.Num, 5)
	if diff := cmp.Diff([]string{"cloud_controller.read", "openid"}, prod.Scopes); diff != "" {
		t.Errorf("wrong prod.Scopes (+got/-want):\n%s", diff)
	}
	ci := cfg.Contexts["ci"]
	if ci == nil {
		t.Fatal("no ci context")
	}
	eqcase(t, "ci.TokenURL", ci.TokenURL, "https://uaa.sys.example.com/oauth/token")
	eqcase(t, "ci.CID", ci.CID, "ci-robot")
	eqcase(t, "ci.SecretFile", ci.SecretFile, "/var/cfauth/ci_client_secret")
	eqcase(t, "ci.AuthStyle", ci.AuthStyle, "params")
	eqcase(t, "ci.Grant", ci.Grant, "client_credentials")
}

func TestExpandConfig(t *testing.T) {
	cfg := Config{
		Contexts: map[string]*ContextCfg{
			"kita": {
				AuthStyle: "${STYLE}",
				Grant:     "authorization_code",
				Code:      "${CODE}",
				Redirect:  "${REDIRECT}/callback",
			},
		},
	}
	env := map[string]string{
		"STYLE":    "params",
		"CODE":     "ryo",
		"REDIRECT": "http://localhost:8080",
	}
	expandcfg(&cfg, func(s string) string { return env[s] })
	c := cfg.Contexts["kita"]
	eqcase(t, "AuthStyle", c.AuthStyle, "params")
	eqcase(t, "Code", c.Code, "ryo")
	eqcase(t, "Redirect", c.Redirect, "http://localhost:8080/callback")
	g, err := c.primary()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(auth.AuthorizationCodeGrant{Code: "ryo", RedirectURI: "http://localhost:8080/callback"}, g); diff != "" {
		t.Errorf("wrong grant (+got/-want):\n%s", diff)
	}
}

func TestPrimary(t *testing.T) {
	cases := []struct {
		name string
		cfg  ContextCfg
		want auth.Grant
		err  bool
	}{
		{"none", ContextCfg{}, nil, false},
		{"password", ContextCfg{Grant: "password", Username: "bocchi", Password: "x"}, auth.PasswordGrant{Username: "bocchi", Password: "x"}, false},
		{"password-no-user", ContextCfg{Grant: "password"}, nil, true},
		{"passcode", ContextCfg{Grant: "Passcode", Passcode: "123"}, auth.PasscodeGrant{Passcode: "123"}, false},
		{"passcode-empty", ContextCfg{Grant: "passcode"}, nil, true},
		{"client", ContextCfg{Grant: "client_credentials"}, auth.ClientCredentialsGrant{}, false},
		{"code", ContextCfg{Grant: "authorization_code", Code: "c", Redirect: "http://localhost"}, auth.AuthorizationCodeGrant{Code: "c", RedirectURI: "http://localhost"}, false},
		{"code-empty", ContextCfg{Grant: "authorization_code"}, nil, true},
		{"unknown", ContextCfg{Grant: "implicit"}, nil, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.cfg.primary()
			if (err != nil) != c.err {
				t.Errorf("wrong error: %v", err)
			}
			if got != c.want {
				t.Errorf("wrong grant: want %#v, got %#v", c.want, got)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	ctx := context.Background()
	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("ryo\n"), 0600); err != nil {
		t.Fatal(err)
	}
	c := ContextCfg{
		TokenURL:   "https://uaa.bocchi.rocks/oauth/token",
		SecretFile: secret,
		AuthStyle:  "params",
		Scopes:     []string{"openid"},
		Rate:       Rate{Every: time.Second, Num: 2},
	}
	ep, err := c.endpoint(ctx, new(cf.Discovery), nil)
	if err != nil {
		t.Fatal(err)
	}
	eqcase(t, "TokenURL", ep.TokenURL, "https://uaa.bocchi.rocks/oauth/token")
	eqcase(t, "ClientID", ep.ClientID, "cf")
	eqcase(t, "ClientSecret", ep.ClientSecret, "ryo")
	eqcase(t, "AuthStyle", ep.AuthStyle, oauth2.AuthStyleInParams)
	if ep.Limiter == nil || ep.Limiter.Burst() != 2 {
		t.Errorf("wrong limiter %v", ep.Limiter)
	}
	if _, err := (&ContextCfg{}).endpoint(ctx, new(cf.Discovery), nil); err == nil {
		t.Errorf("made an endpoint from nothing")
	}
	if _, err := (&ContextCfg{TokenURL: "x", AuthStyle: "carrier pigeon"}).endpoint(ctx, new(cf.Discovery), nil); err == nil {
		t.Errorf("accepted unknown auth style")
	}
}

func TestStoresFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := filepath.Join(dir, "key")
	if err := os.WriteFile(key, []byte("kessoku band"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{SecretFile: key, Storage: StorageCfg{Kind: "file", Path: filepath.Join(dir, "tokens")}}
	st, err := openStores(ctx, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, err := st.For(ctx, "bocchi")
	if err != nil {
		t.Fatal(err)
	}
	tok := &auth.Token{AccessToken: "nijika", RefreshToken: "kita", Scope: []string{"openid"}}
	if err := s.Store(ctx, tok); err != nil {
		t.Fatal(err)
	}
	// A fresh handle on the same file reads the token back.
	s, err = st.For(ctx, "bocchi")
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !auth.Equal(tok, r) {
		t.Errorf("wrong token: want %#v, got %#v", tok, r)
	}
	if _, err := os.Stat(filepath.Join(dir, "tokens", "bocchi.token")); err != nil {
		t.Errorf("token file not where expected: %v", err)
	}
}

func TestStoresNone(t *testing.T) {
	st, err := openStores(context.Background(), &Config{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := st.For(context.Background(), "bocchi")
	if err != nil || s != nil {
		t.Errorf("wrong storage without persistence: %v, %v", s, err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("couldn't close: %v", err)
	}
	if _, err := openStores(context.Background(), &Config{Storage: StorageCfg{Kind: "floppy"}}); err == nil {
		t.Errorf("accepted unknown storage kind")
	}
	if _, err := openStores(context.Background(), &Config{Storage: StorageCfg{Kind: "file"}}); err == nil {
		t.Errorf("accepted token files without a secret")
	}
}

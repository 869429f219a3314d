package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bocchi := testCredential(t, newIDP(), password, nil)
	f := newIDP()
	ryo, err := New(ctx, Config{Name: "ryo", Endpoint: f, Primary: password})
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewProvider(bocchi, ryo)
	if err != nil {
		t.Fatalf("couldn't create provider: %v", err)
	}
	if got, want := p.Names(), []string{"bocchi", "ryo"}; !slices.Equal(got, want) {
		t.Errorf("wrong names: want %q, got %q", want, got)
	}
	if err := p.Add(testCredential(t, newIDP(), password, nil)); err == nil {
		t.Errorf("added a duplicate credential")
	}
	access, err := p.Token(ctx, "ryo")
	if err != nil {
		t.Fatalf("couldn't get token: %v", err)
	}
	if access != "access-1" {
		t.Errorf("wrong token: want %q, got %q", "access-1", access)
	}
	if err := p.Invalidate("ryo"); err != nil {
		t.Errorf("couldn't invalidate: %v", err)
	}
	if got := ryo.Status(); got != Unauthenticated {
		t.Errorf("invalidate didn't reach the credential: state %v", got)
	}
	if _, err := p.Token(ctx, "kita"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("wrong error for unknown credential: %v", err)
	}
	if err := p.Invalidate("kita"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("wrong error invalidating unknown credential: %v", err)
	}
	p.Remove("ryo")
	if _, err := p.Credential("ryo"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("removed credential still present: %v", err)
	}
	if got, want := p.Names(), []string{"bocchi"}; !slices.Equal(got, want) {
		t.Errorf("wrong names after remove: want %q, got %q", want, got)
	}
}

func TestProviderZero(t *testing.T) {
	t.Parallel()
	var p Provider
	if err := p.Add(testCredential(t, newIDP(), password, nil)); err != nil {
		t.Errorf("zero provider couldn't add: %v", err)
	}
	if got := p.Names(); len(got) != 1 {
		t.Errorf("wrong names: %q", got)
	}
}

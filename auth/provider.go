package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownCredential is returned for names that are not registered with a
// Provider.
var ErrUnknownCredential = errors.New("unknown credential")

// Provider holds the credentials of every configured connection.
type Provider struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

// NewProvider creates a provider with the given credentials.
func NewProvider(creds ...*Credential) (*Provider, error) {
	p := Provider{creds: make(map[string]*Credential, len(creds))}
	for _, c := range creds {
		if err := p.Add(c); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// Add registers a credential. It is an error to add two credentials with the
// same name.
func (p *Provider) Add(c *Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds == nil {
		p.creds = make(map[string]*Credential)
	}
	if _, ok := p.creds[c.name]; ok {
		return fmt.Errorf("credential %q already exists", c.name)
	}
	p.creds[c.name] = c
	return nil
}

// Remove tears down the credential with the given name. An in-flight exchange
// still completes for its waiters.
func (p *Provider) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.creds, name)
}

// Credential returns the credential with the given name.
func (p *Provider) Credential(name string) (*Credential, error) {
	p.mu.Lock()
	c, ok := p.creds[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCredential, name)
	}
	return c, nil
}

// Names returns the sorted names of all registered credentials.
func (p *Provider) Names() []string {
	p.mu.Lock()
	r := make([]string, 0, len(p.creds))
	for k := range p.creds {
		r = append(r, k)
	}
	p.mu.Unlock()
	slices.Sort(r)
	return r
}

// Token returns a usable access token for the named credential.
func (p *Provider) Token(ctx context.Context, name string) (string, error) {
	c, err := p.Credential(name)
	if err != nil {
		return "", err
	}
	return c.Token(ctx)
}

// Invalidate clears the cached token of the named credential.
func (p *Provider) Invalidate(name string) error {
	c, err := p.Credential(name)
	if err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

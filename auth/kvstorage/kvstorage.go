// Package kvstorage stores OAuth2 credentials in a Badger database.
package kvstorage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-json-experiment/json"

	"github.com/zephyrtronium/cfauth/auth"
)

// Storage is the storage of one credential's token in a Badger database.
// Any number of credentials can share a database.
type Storage struct {
	db  *badger.DB
	key []byte
}

var _ auth.Storage = (*Storage)(nil)

// New returns the storage for the named credential.
func New(db *badger.DB, name string) *Storage {
	return &Storage{db: db, key: Key(name)}
}

// Key returns the database key holding the token of the named credential.
func Key(name string) []byte {
	return append([]byte("cfauth/token/"), name...)
}

// Load returns the stored token, or nil if there is none.
func (s *Storage) Load(ctx context.Context) (*auth.Token, error) {
	var tok *auth.Token
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			tok = new(auth.Token)
			return json.Unmarshal(val, tok)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't load token %q: %w", s.key, err)
	}
	return tok, nil
}

// Store sets the stored token. If tok is nil, the stored token is deleted.
func (s *Storage) Store(ctx context.Context, tok *auth.Token) error {
	if tok == nil {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(s.key)
		})
		if err != nil {
			return fmt.Errorf("couldn't clear token %q: %w", s.key, err)
		}
		return nil
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("couldn't encode token: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
	if err != nil {
		return fmt.Errorf("couldn't store token %q: %w", s.key, err)
	}
	return nil
}

// Package sqlstorage stores OAuth2 credentials in an SQLite database.
package sqlstorage

import (
	"context"
	"fmt"

	"github.com/go-json-experiment/json"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/cfauth/auth"
)

// Storage is the storage of one credential's token in an SQLite database.
type Storage struct {
	db   *sqlitex.Pool
	name string
}

var _ auth.Storage = (*Storage)(nil)

// Init creates the token table in a database if it does not exist.
// For convenience, it accepts either a single connection or a pool.
func Init[DB *sqlite.Conn | *sqlitex.Pool](ctx context.Context, db DB) error {
	var conn *sqlite.Conn
	switch db := any(db).(type) {
	case *sqlite.Conn:
		conn = db
	case *sqlitex.Pool:
		var err error
		conn, err = db.Take(ctx)
		defer db.Put(conn)
		if err != nil {
			return fmt.Errorf("couldn't get connection from pool: %w", err)
		}
	}
	err := sqlitex.ExecuteTransient(conn, `CREATE TABLE IF NOT EXISTS cfauth_token (name TEXT PRIMARY KEY, token TEXT NOT NULL) STRICT`, nil)
	return err
}

// New returns the storage for the named credential in a database initialized
// with Init.
func New(db *sqlitex.Pool, name string) *Storage {
	return &Storage{db: db, name: name}
}

// Load returns the stored token, or nil if there is none.
func (s *Storage) Load(ctx context.Context) (*auth.Token, error) {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("couldn't get connection to load token: %w", err)
	}
	var tok *auth.Token
	opts := sqlitex.ExecOptions{
		Args: []any{s.name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tok = new(auth.Token)
			return json.Unmarshal([]byte(stmt.ColumnText(0)), tok)
		},
	}
	if err := sqlitex.Execute(conn, `SELECT token FROM cfauth_token WHERE name=?`, &opts); err != nil {
		return nil, fmt.Errorf("couldn't load token for %s: %w", s.name, err)
	}
	return tok, nil
}

// Store sets the stored token. If tok is nil, the stored token is deleted.
func (s *Storage) Store(ctx context.Context, tok *auth.Token) error {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to store token: %w", err)
	}
	if tok == nil {
		opts := sqlitex.ExecOptions{Args: []any{s.name}}
		if err := sqlitex.Execute(conn, `DELETE FROM cfauth_token WHERE name=?`, &opts); err != nil {
			return fmt.Errorf("couldn't clear token for %s: %w", s.name, err)
		}
		return nil
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("couldn't encode token: %w", err)
	}
	opts := sqlitex.ExecOptions{Args: []any{s.name, string(b)}}
	err = sqlitex.Execute(conn, `INSERT INTO cfauth_token (name, token) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET token=excluded.token`, &opts)
	if err != nil {
		return fmt.Errorf("couldn't store token for %s: %w", s.name, err)
	}
	return nil
}

package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-json-experiment/json"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Storage is a secure means to store OAuth2 credentials.
type Storage interface {
	// Load returns the stored token. If the result is nil, there is no stored
	// token, and the primary grant is used.
	Load(ctx context.Context) (*Token, error)
	// Store sets a new token. If tok is nil, the storage should be cleared.
	Store(ctx context.Context, tok *Token) error
}

// file is the interface used by a FileStorage.
type file interface {
	io.ReaderAt
	io.WriterAt
	Truncate(int64) error
}

// FileStorage is an encrypted file storage for OAuth2 credentials.
type FileStorage struct {
	mu   sync.Mutex
	f    file
	enc  cipher.AEAD
	rand io.Reader
}

// KeySize is the size of the key used to encrypt the token file.
const KeySize = chacha20poly1305.KeySize

const (
	nonceSize = chacha20poly1305.NonceSize
	totalOH   = chacha20poly1305.NonceSize + chacha20poly1305.Overhead
	// maxText bounds the size of a stored token. UAA access tokens are JWTs
	// of a few kilobytes.
	maxText = 64 << 10
)

// DeriveKey derives the key for a token file from a long-term secret.
// Distinct domains give independent keys from the same secret.
func DeriveKey(secret []byte, domain string) [KeySize]byte {
	var k [KeySize]byte
	kr := hkdf.Expand(sha3.New224, secret, []byte("cfauth token "+domain))
	if _, err := io.ReadFull(kr, k[:]); err != nil {
		panic(err)
	}
	return k
}

// NewFileAt creates a FileStorage at path p.
func NewFileAt(p string, key [KeySize]byte) (*FileStorage, error) {
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	enc, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	return &FileStorage{f: f, enc: enc, rand: rand.Reader}, nil
}

// Load decrypts the token value. If there is no token, the result is nil with
// a nil error.
func (f *FileStorage) Load(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, p, err := f.parts()
	if err != nil || len(p) == 0 {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(p, &tok); err != nil {
		return nil, fmt.Errorf("couldn't decode stored token: %w", err)
	}
	return &tok, nil
}

// Store sets a new token value. If the token file contains data that is not a
// valid token encrypted with the key passed to NewFileAt, Store returns an
// error.
func (f *FileStorage) Store(ctx context.Context, tok *Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tok == nil {
		// Clear the existing token.
		err := f.f.Truncate(0)
		if err != nil {
			return fmt.Errorf("couldn't clear token: %w", err)
		}
		return nil
	}
	text, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("couldn't encode token: %w", err)
	}
	if len(text) > maxText {
		return fmt.Errorf("token is too large to store (%d bytes)", len(text))
	}
	b, _, err := f.parts()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		// File is empty. We'll be initializing it.
		b = initialNonce(text, f.rand)
	}
	// The first 8 bytes of the nonce count writes, so a nonce is never reused
	// with the same key. The remainder is random per file.
	b = append(make([]byte, 0, totalOH+len(text)), b...)
	v := binary.LittleEndian.Uint64(b)
	v++
	binary.LittleEndian.PutUint64(b, v)
	r := f.enc.Seal(b, b, text, nil)
	if _, err := f.f.WriteAt(r, 0); err != nil {
		return fmt.Errorf("couldn't save token: %w", err)
	}
	// A shorter token leaves the tail of the old one behind.
	if err := f.f.Truncate(int64(len(r))); err != nil {
		return fmt.Errorf("couldn't trim token file: %w", err)
	}
	return nil
}

func (f *FileStorage) parts() (nonce, ptxt []byte, err error) {
	b := make([]byte, totalOH+maxText)
	n, err := f.f.ReadAt(b, 0)
	switch {
	case err == nil:
		// The file fills the whole buffer, so it has been appended to or is
		// not ours. Let AEAD fail.
	case errors.Is(err, io.EOF):
		// Expected case. Do nothing.
	default:
		return nil, nil, fmt.Errorf("couldn't read token file contents: %w", err)
	}
	b = b[:n]
	if len(b) == 0 {
		// File is empty. Load won't care; Store will set it up.
		return nil, nil, nil
	}
	if len(b) < totalOH {
		return nil, nil, errors.New("stored data is too short")
	}
	nonce = b[:nonceSize]
	text := b[nonceSize:]
	ptxt, err = f.enc.Open(text[:0], nonce, text, nil)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ptxt, nil
}

func initialNonce(text []byte, rand io.Reader) []byte {
	b := make([]byte, nonceSize, totalOH+len(text))
	pad := b[8:nonceSize]
	_, err := io.ReadFull(rand, pad)
	if err != nil {
		panic(fmt.Errorf("couldn't read nonce padding: %w", err))
	}
	return b
}

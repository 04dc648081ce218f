// Package cellcrypt derives per-cell keys from a secret and seals cell values
// with authenticated encryption.
//
// Every call to Encrypt draws a fresh random salt, runs PBKDF2-HMAC-SHA-256
// over (secret, salt) and seals the JSON-encoded value with
// XChaCha20-Poly1305. Decrypt reports failure as a plain "not ok": a wrong
// secret, a tampered ciphertext and a corrupted record all look the same to
// the caller.
package cellcrypt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when none is configured.
	DefaultIterations = 100_000

	// MinProductionIterations is the lowest iteration count config validation accepts.
	MinProductionIterations = 100_000

	// SaltSize is the size of the random per-cell salt in bytes.
	SaltSize = 32

	// KeySize is the derived key length.
	KeySize = chacha20poly1305.KeySize
)

var encoding = base64.URLEncoding

// Sealed is an encrypted cell value as stored at rest.
type Sealed struct {
	Ciphertext string // base64url(nonce || ciphertext || tag)
	Salt       string // base64url(salt)
}

// Options configures a Cipher.
type Options struct {
	// Iterations is the PBKDF2 iteration count. Zero means DefaultIterations.
	Iterations int

	// Workers bounds the parallelism of EncryptAll/DecryptAll.
	// Zero means GOMAXPROCS.
	Workers int

	// ObserveKDF, if set, receives the duration of every key derivation.
	ObserveKDF func(time.Duration)
}

// Cipher seals and opens cell values. It is safe for concurrent use.
type Cipher struct {
	iterations int
	workers    int
	observeKDF func(time.Duration)
}

// New creates a Cipher.
func New(opts Options) (*Cipher, error) {
	if opts.Iterations < 0 {
		return nil, fmt.Errorf("iterations cannot be negative")
	}
	if opts.Iterations == 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Cipher{
		iterations: opts.Iterations,
		workers:    opts.Workers,
		observeKDF: opts.ObserveKDF,
	}, nil
}

// Iterations returns the configured PBKDF2 iteration count.
func (c *Cipher) Iterations() int {
	return c.iterations
}

// DeriveKey derives a KeySize-byte key from secret and salt.
func (c *Cipher) DeriveKey(secret, salt []byte) []byte {
	start := time.Now()
	key := pbkdf2.Key(secret, salt, c.iterations, KeySize, sha256.New)
	if c.observeKDF != nil {
		c.observeKDF(time.Since(start))
	}
	return key
}

// CellAAD binds a ciphertext to the coordinate it was written to.
func CellAAD(namespace string, row, col int64) []byte {
	b := make([]byte, 0, len(namespace)+42)
	b = append(b, namespace...)
	b = append(b, '|')
	b = strconv.AppendInt(b, row, 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, col, 10)
	return b
}

// Encrypt seals value under a key derived from secret and a fresh salt.
func (c *Cipher) Encrypt(value string, secret, aad []byte) (Sealed, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to encode value: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := c.DeriveKey(secret, salt)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, aad)

	return Sealed{
		Ciphertext: encoding.EncodeToString(sealed),
		Salt:       encoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens s with a key re-derived from secret. ok is false on any
// failure.
func (c *Cipher) Decrypt(s Sealed, secret, aad []byte) (value string, ok bool) {
	salt, err := encoding.DecodeString(s.Salt)
	if err != nil || len(salt) == 0 {
		return "", false
	}
	raw, err := encoding.DecodeString(s.Ciphertext)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return "", false
	}

	key := c.DeriveKey(secret, salt)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", false
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return "", false
	}
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return "", false
	}
	return value, true
}

// Plain is one value to seal in a batch.
type Plain struct {
	Value string
	AAD   []byte
}

// EncryptAll seals a batch of values on the worker pool. Results keep the
// order of items.
func (c *Cipher) EncryptAll(ctx context.Context, items []Plain, secret []byte) ([]Sealed, error) {
	out := make([]Sealed, len(items))
	err := c.fanOut(ctx, len(items), func(i int) error {
		s, err := c.Encrypt(items[i].Value, secret, items[i].AAD)
		if err != nil {
			return err
		}
		out[i] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Opened is the result of decrypting one item of a batch.
type Opened struct {
	Value string
	OK    bool
}

// DecryptAll opens a batch of sealed values on the worker pool. The only
// error it returns is ctx's.
func (c *Cipher) DecryptAll(ctx context.Context, items []Sealed, aads [][]byte, secret []byte) ([]Opened, error) {
	if len(aads) != len(items) {
		return nil, fmt.Errorf("got %d associated data entries for %d items", len(aads), len(items))
	}
	out := make([]Opened, len(items))
	err := c.fanOut(ctx, len(items), func(i int) error {
		v, ok := c.Decrypt(items[i], secret, aads[i])
		out[i] = Opened{Value: v, OK: ok}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cipher) fanOut(ctx context.Context, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

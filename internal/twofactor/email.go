// Package twofactor provides the second and third unlock factors: a one-time
// code delivered by email and a TOTP authenticator code.
package twofactor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	EmailCodeDigits = 6
	EmailCodeTTL    = 120 * time.Second

	// MaxCodeAttempts is how many wrong guesses burn an issued code.
	MaxCodeAttempts = 5
)

// EmailVerifier issues and checks emailed one-time codes.
type EmailVerifier interface {
	Issue(ctx context.Context, actor string) (expiresAt time.Time, err error)
	Verify(actor, code string) bool
}

// AppVerifier checks authenticator-app codes.
type AppVerifier interface {
	Enrolled(actor string) bool
	Verify(actor, code string) bool
}

// Mailer delivers a code to an actor.
type Mailer interface {
	Send(ctx context.Context, actor, code string, expiresAt time.Time) error
}

// LogMailer delivers codes to a dedicated logger. It is meant for development
// deployments without an outgoing mail relay.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (m LogMailer) Send(ctx context.Context, actor, code string, expiresAt time.Time) error {
	m.Logger.InfoContext(ctx, "verification code",
		slog.String("to", actor),
		slog.String("code", code),
		slog.Time("expires_at", expiresAt))
	return nil
}

type issuedCode struct {
	hash     []byte
	expires  time.Time
	attempts int
}

// EmailCodes keeps at most one outstanding code per actor, hashed with
// bcrypt. Codes belong to the actor, not to a session or client: issuing a
// new code invalidates the previous one, so of two concurrent challenges
// only the latest can be completed. It is safe for concurrent use.
type EmailCodes struct {
	mu     sync.Mutex
	codes  map[string]*issuedCode
	mailer Mailer
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// EmailOptions configures EmailCodes.
type EmailOptions struct {
	TTL        time.Duration
	BcryptCost int
	Clock      func() time.Time
}

// NewEmailCodes returns an EmailCodes delivering through mailer.
func NewEmailCodes(mailer Mailer, opts EmailOptions) *EmailCodes {
	if opts.TTL <= 0 {
		opts.TTL = EmailCodeTTL
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &EmailCodes{
		codes:  make(map[string]*issuedCode),
		mailer: mailer,
		ttl:    opts.TTL,
		cost:   opts.BcryptCost,
		now:    opts.Clock,
	}
}

// GenerateCode returns a uniformly random numeric code of the given length.
func GenerateCode(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// Issue creates a fresh code for actor, replacing any outstanding one, and
// sends it.
func (e *EmailCodes) Issue(ctx context.Context, actor string) (time.Time, error) {
	code, err := GenerateCode(EmailCodeDigits)
	if err != nil {
		return time.Time{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), e.cost)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to hash code: %w", err)
	}
	expires := e.now().Add(e.ttl)

	e.mu.Lock()
	e.codes[actor] = &issuedCode{hash: hash, expires: expires}
	e.mu.Unlock()

	if err := e.mailer.Send(ctx, actor, code, expires); err != nil {
		e.mu.Lock()
		delete(e.codes, actor)
		e.mu.Unlock()
		return time.Time{}, fmt.Errorf("failed to send code: %w", err)
	}
	return expires, nil
}

// Verify checks code against the outstanding code of actor. A code is
// consumed by a successful check, by expiry, or after MaxCodeAttempts wrong
// guesses.
func (e *EmailCodes) Verify(actor, code string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	issued, ok := e.codes[actor]
	if !ok {
		return false
	}
	if !e.now().Before(issued.expires) {
		delete(e.codes, actor)
		return false
	}
	if bcrypt.CompareHashAndPassword(issued.hash, []byte(code)) != nil {
		issued.attempts++
		if issued.attempts >= MaxCodeAttempts {
			delete(e.codes, actor)
		}
		return false
	}
	delete(e.codes, actor)
	return true
}

package twofactor

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	TOTPStep   = 30 * time.Second
	TOTPDigits = 6
	TOTPSkew   = 1
)

var pow10 = [...]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000}

// TOTPCode computes the RFC 6238 code of key for time t.
func TOTPCode(key []byte, t time.Time, step time.Duration, digits int) string {
	return hotp(key, uint64(t.Unix())/uint64(step/time.Second), digits)
}

// hotp is RFC 4226 with HMAC-SHA-1.
func hotp(key []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", digits, bin%pow10[digits])
}

// TOTPOptions configures TOTP.
type TOTPOptions struct {
	Skew  int
	Clock func() time.Time
}

type device struct {
	key         []byte
	lastCounter uint64
	used        bool
}

// TOTP verifies authenticator-app codes of enrolled actors. A code is
// accepted at most once.
type TOTP struct {
	mu      sync.Mutex
	devices map[string]*device
	skew    int
	now     func() time.Time
}

// NewTOTP returns an empty TOTP verifier.
func NewTOTP(opts TOTPOptions) *TOTP {
	if opts.Skew < 0 {
		opts.Skew = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &TOTP{devices: make(map[string]*device), skew: opts.Skew, now: opts.Clock}
}

// DecodeSecret parses a base32 secret as shown by authenticator apps.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base32 secret: %w", err)
	}
	if len(key) < 10 {
		return nil, fmt.Errorf("secret is too short")
	}
	return key, nil
}

// Enroll registers a base32 secret for actor, replacing any previous device.
func (t *TOTP) Enroll(actor, base32Secret string) error {
	key, err := DecodeSecret(base32Secret)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.devices[actor] = &device{key: key}
	t.mu.Unlock()
	return nil
}

// Enrolled reports whether actor has a device.
func (t *TOTP) Enrolled(actor string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[actor]
	return ok
}

// Verify checks code within the configured skew and rejects replays of an
// already accepted time step.
func (t *TOTP) Verify(actor, code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[actor]
	if !ok || len(code) != TOTPDigits {
		return false
	}
	current := uint64(t.now().Unix()) / uint64(TOTPStep/time.Second)
	for delta := -t.skew; delta <= t.skew; delta++ {
		if delta < 0 && current < uint64(-delta) {
			continue
		}
		counter := uint64(int64(current) + int64(delta))
		if d.used && counter <= d.lastCounter {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(d.key, counter, TOTPDigits)), []byte(code)) == 1 {
			d.lastCounter = counter
			d.used = true
			return true
		}
	}
	return false
}

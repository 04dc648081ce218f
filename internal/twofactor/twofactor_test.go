package twofactor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	codes map[string]string
	err   error
}

func (m *captureMailer) Send(_ context.Context, actor, code string, _ time.Time) error {
	if m.err != nil {
		return m.err
	}
	if m.codes == nil {
		m.codes = make(map[string]string)
	}
	m.codes[actor] = code
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newEmailCodes(t *testing.T) (*EmailCodes, *captureMailer, *fakeClock) {
	t.Helper()
	mailer := &captureMailer{}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewEmailCodes(mailer, EmailOptions{BcryptCost: bcrypt.MinCost, Clock: clock.Now}), mailer, clock
}

func TestGenerateCode(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 100; i++ {
		code, err := GenerateCode(6)
		require.NoError(t, err)
		require.Regexp(t, re, code)
	}
}

func TestEmailCodeSingleUse(t *testing.T) {
	codes, mailer, _ := newEmailCodes(t)

	expires, err := codes.Issue(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1_700_000_120, 0), expires)

	code := mailer.codes["alice"]
	assert.False(t, codes.Verify("bob", code), "codes are bound to the actor")
	assert.True(t, codes.Verify("alice", code))
	assert.False(t, codes.Verify("alice", code), "a code works once")
}

func TestEmailCodeExpires(t *testing.T) {
	codes, mailer, clock := newEmailCodes(t)

	_, err := codes.Issue(context.Background(), "alice")
	require.NoError(t, err)
	clock.t = clock.t.Add(EmailCodeTTL)

	assert.False(t, codes.Verify("alice", mailer.codes["alice"]))
}

func TestEmailCodeBurnsAfterWrongGuesses(t *testing.T) {
	codes, mailer, _ := newEmailCodes(t)

	_, err := codes.Issue(context.Background(), "alice")
	require.NoError(t, err)
	code := mailer.codes["alice"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < MaxCodeAttempts; i++ {
		assert.False(t, codes.Verify("alice", wrong))
	}
	assert.False(t, codes.Verify("alice", code))
}

func TestEmailCodeReissueReplaces(t *testing.T) {
	codes, mailer, _ := newEmailCodes(t)

	_, err := codes.Issue(context.Background(), "alice")
	require.NoError(t, err)
	first := mailer.codes["alice"]
	_, err = codes.Issue(context.Background(), "alice")
	require.NoError(t, err)
	second := mailer.codes["alice"]

	if first != second {
		assert.False(t, codes.Verify("alice", first))
	}
	assert.True(t, codes.Verify("alice", second))
}

func TestEmailCodeSendFailure(t *testing.T) {
	codes, mailer, _ := newEmailCodes(t)
	mailer.err = errors.New("relay down")

	_, err := codes.Issue(context.Background(), "alice")
	assert.ErrorContains(t, err, "relay down")
	assert.False(t, codes.Verify("alice", "123456"))
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := LogMailer{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, m.Send(context.Background(), "alice", "424242", time.Now()))
	assert.Contains(t, buf.String(), "code=424242")
	assert.Contains(t, buf.String(), "to=alice")
}

// RFC 6238 appendix B, SHA-1.
var rfcKey = []byte("12345678901234567890")

func TestTOTPCodeRFCVectors(t *testing.T) {
	tests := []struct {
		unix int64
		want string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}
	for _, tt := range tests {
		got := TOTPCode(rfcKey, time.Unix(tt.unix, 0), TOTPStep, 8)
		assert.Equal(t, tt.want, got, "T=%d", tt.unix)
	}
}

func TestTOTPVerify(t *testing.T) {
	clock := &fakeClock{t: time.Unix(59, 0)}
	totp := NewTOTP(TOTPOptions{Skew: TOTPSkew, Clock: clock.Now})

	assert.False(t, totp.Enrolled("alice"))
	require.NoError(t, totp.Enroll("alice", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"))
	assert.True(t, totp.Enrolled("alice"))

	assert.False(t, totp.Verify("alice", "000000"))
	assert.False(t, totp.Verify("alice", "2870820"), "wrong length")
	assert.True(t, totp.Verify("alice", "287082"))
	assert.False(t, totp.Verify("alice", "287082"), "replay of an accepted step")

	// One step later the previous step is within skew but already used.
	clock.t = clock.t.Add(TOTPStep)
	assert.False(t, totp.Verify("alice", "287082"))
	assert.True(t, totp.Verify("alice", TOTPCode(rfcKey, clock.t, TOTPStep, 6)))

	assert.False(t, totp.Verify("bob", "287082"), "unenrolled actor")
}

func TestTOTPSkew(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	totp := NewTOTP(TOTPOptions{Skew: 1, Clock: clock.Now})
	require.NoError(t, totp.Enroll("alice", "gezd gnbv gy3t qojq gezd gnbv gy3t qojq"))

	previous := TOTPCode(rfcKey, clock.t.Add(-TOTPStep), TOTPStep, 6)
	assert.True(t, totp.Verify("alice", previous))

	tooOld := TOTPCode(rfcKey, clock.t.Add(-3*TOTPStep), TOTPStep, 6)
	assert.False(t, totp.Verify("alice", tooOld))
}

func TestDecodeSecret(t *testing.T) {
	_, err := DecodeSecret("not base32!")
	assert.Error(t, err)

	_, err = DecodeSecret("GEZDG")
	assert.Error(t, err)

	key, err := DecodeSecret("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	require.NoError(t, err)
	assert.Equal(t, rfcKey, key)
}

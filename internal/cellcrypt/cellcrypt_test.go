package cellcrypt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestCipher(t testing.TB) *Cipher {
	t.Helper()
	c, err := New(Options{Iterations: 64, Workers: 4})
	require.NoError(t, err)
	return c
}

func TestRoundTripProperty(t *testing.T) {
	c := newTestCipher(t)
	rapid.Check(t, func(rt *rapid.T) {
		value := rapid.String().Draw(rt, "value")
		secret := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "secret")
		aad := CellAAD("ns", rapid.Int64().Draw(rt, "row"), rapid.Int64().Draw(rt, "col"))

		sealed, err := c.Encrypt(value, secret, aad)
		if err != nil {
			rt.Fatalf("encrypt: %v", err)
		}
		got, ok := c.Decrypt(sealed, secret, aad)
		if !ok {
			rt.Fatalf("decrypt failed for value %q", value)
		}
		if got != value {
			rt.Fatalf("round trip mismatch: got %q, want %q", got, value)
		}
	})
}

func TestNamespaceIsolationProperty(t *testing.T) {
	c := newTestCipher(t)
	rapid.Check(t, func(rt *rapid.T) {
		value := rapid.String().Draw(rt, "value")
		s1 := rapid.StringMatching(`[A-Za-z0-9!#*+@]{4,24}`).Draw(rt, "s1")
		s2 := rapid.StringMatching(`[A-Za-z0-9!#*+@]{4,24}`).Filter(func(s string) bool { return s != s1 }).Draw(rt, "s2")
		aad := CellAAD("ns", 0, 0)

		sealed, err := c.Encrypt(value, []byte(s1), aad)
		if err != nil {
			rt.Fatalf("encrypt: %v", err)
		}
		if got, ok := c.Decrypt(sealed, []byte(s2), aad); ok {
			rt.Fatalf("decrypt with foreign secret returned %q", got)
		}
	})
}

func TestScenarioValues(t *testing.T) {
	c := newTestCipher(t)
	realSecret := []byte("Qwerty01*+")
	decoy := []byte("DataView2024!")
	aad := CellAAD("ns", 0, 0)

	sealedReal, err := c.Encrypt("OPERACIÓN ALPHA", realSecret, aad)
	require.NoError(t, err)
	sealedDecoy, err := c.Encrypt("Proyecto A", decoy, aad)
	require.NoError(t, err)

	v, ok := c.Decrypt(sealedReal, realSecret, aad)
	require.True(t, ok)
	assert.Equal(t, "OPERACIÓN ALPHA", v)

	v, ok = c.Decrypt(sealedDecoy, decoy, aad)
	require.True(t, ok)
	assert.Equal(t, "Proyecto A", v)

	_, ok = c.Decrypt(sealedReal, decoy, aad)
	assert.False(t, ok)
	_, ok = c.Decrypt(sealedDecoy, realSecret, aad)
	assert.False(t, ok)
}

func TestCiphertextBoundToCoordinate(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("secret")

	sealed, err := c.Encrypt("value", secret, CellAAD("ns", 1, 2))
	require.NoError(t, err)

	_, ok := c.Decrypt(sealed, secret, CellAAD("ns", 2, 1))
	assert.False(t, ok, "ciphertext moved to another cell must not open")

	_, ok = c.Decrypt(sealed, secret, CellAAD("other", 1, 2))
	assert.False(t, ok, "ciphertext moved to another namespace must not open")
}

func TestTamperedCiphertextFails(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("secret")
	aad := CellAAD("ns", 0, 0)

	sealed, err := c.Encrypt("value", secret, aad)
	require.NoError(t, err)

	raw, err := encoding.DecodeString(sealed.Ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := Sealed{Ciphertext: encoding.EncodeToString(raw), Salt: sealed.Salt}

	_, ok := c.Decrypt(tampered, secret, aad)
	assert.False(t, ok)
}

func TestCorruptRecordsFail(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("secret")
	aad := CellAAD("ns", 0, 0)

	sealed, err := c.Encrypt("value", secret, aad)
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealed Sealed
	}{
		{"empty", Sealed{}},
		{"bad base64 ciphertext", Sealed{Ciphertext: "!!!", Salt: sealed.Salt}},
		{"bad base64 salt", Sealed{Ciphertext: sealed.Ciphertext, Salt: "!!!"}},
		{"short ciphertext", Sealed{Ciphertext: encoding.EncodeToString([]byte("short")), Salt: sealed.Salt}},
		{"wrong salt", Sealed{Ciphertext: sealed.Ciphertext, Salt: encoding.EncodeToString(make([]byte, SaltSize))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := c.Decrypt(tt.sealed, secret, aad)
			assert.False(t, ok)
			assert.Empty(t, v)
		})
	}
}

func TestSaltIsFreshPerCall(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("secret")
	aad := CellAAD("ns", 0, 0)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		sealed, err := c.Encrypt("same value", secret, aad)
		require.NoError(t, err)
		require.False(t, seen[sealed.Salt], "salt reused")
		seen[sealed.Salt] = true
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	c := newTestCipher(t)
	salt := []byte("0123456789abcdef0123456789abcdef")

	k1 := c.DeriveKey([]byte("secret"), salt)
	k2 := c.DeriveKey([]byte("secret"), salt)
	k3 := c.DeriveKey([]byte("secret2"), salt)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestObserveKDF(t *testing.T) {
	calls := 0
	c, err := New(Options{Iterations: 8, ObserveKDF: func(_ time.Duration) { calls++ }})
	require.NoError(t, err)

	sealed, err := c.Encrypt("v", []byte("s"), nil)
	require.NoError(t, err)
	_, ok := c.Decrypt(sealed, []byte("s"), nil)
	require.True(t, ok)

	assert.Equal(t, 2, calls)
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultIterations, c.Iterations())

	_, err = New(Options{Iterations: -1})
	assert.Error(t, err)
}

func TestBatchRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	secret := []byte("batch-secret")

	items := make([]Plain, 20)
	aads := make([][]byte, len(items))
	for i := range items {
		aads[i] = CellAAD("ns", int64(i), 0)
		items[i] = Plain{Value: string(rune('a' + i)), AAD: aads[i]}
	}

	sealed, err := c.EncryptAll(context.Background(), items, secret)
	require.NoError(t, err)
	require.Len(t, sealed, len(items))

	opened, err := c.DecryptAll(context.Background(), sealed, aads, secret)
	require.NoError(t, err)
	for i, o := range opened {
		require.True(t, o.OK)
		assert.Equal(t, items[i].Value, o.Value)
	}

	opened, err = c.DecryptAll(context.Background(), sealed, aads, []byte("wrong"))
	require.NoError(t, err)
	for _, o := range opened {
		assert.False(t, o.OK)
	}
}

func TestBatchHonorsCancellation(t *testing.T) {
	c := newTestCipher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.EncryptAll(ctx, []Plain{{Value: "a"}, {Value: "b"}}, []byte("s"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecryptAllLengthMismatch(t *testing.T) {
	c := newTestCipher(t)
	_, err := c.DecryptAll(context.Background(), []Sealed{{}}, nil, []byte("s"))
	assert.Error(t, err)
}

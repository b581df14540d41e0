package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B SHA-1 seed, base32 encoded.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPVerifier_KnownVector(t *testing.T) {
	v := NewTOTPVerifier(0)

	// RFC 6238 lists 94287082 for T=59; the six-digit code is its tail.
	at := time.Unix(59, 0)
	code, err := v.Code(rfcSecret, at)
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	ok, err := v.Verify(rfcSecret, "287082", at)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTOTPVerifier_Skew(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)

	v := NewTOTPVerifier(1)
	code, err := v.Code(secret, testEpoch)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{name: "same step", offset: 0, want: true},
		{name: "one step later", offset: 30 * time.Second, want: true},
		{name: "one step earlier", offset: -30 * time.Second, want: true},
		{name: "two steps later", offset: 60 * time.Second, want: false},
		{name: "two steps earlier", offset: -60 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.Verify(secret, code, testEpoch.Add(tt.offset))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestTOTPVerifier_MalformedCodes(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	v := NewTOTPVerifier(1)

	for _, code := range []string{"", "12345", "1234567", "12a456", " 123456", "ABCDEF12"} {
		ok, err := v.Verify(secret, code, testEpoch)
		assert.NoError(t, err, "code %q", code)
		assert.False(t, ok, "code %q", code)
	}
}

func TestBackupCodeFormat(t *testing.T) {
	tests := []struct {
		in         string
		normalized string
		ok         bool
	}{
		{in: "A1B2C3D4", normalized: "A1B2C3D4", ok: true},
		{in: "a1b2c3d4", normalized: "A1B2C3D4", ok: true},
		{in: "  a1b2c3d4 ", normalized: "A1B2C3D4", ok: true},
		{in: "A1B2C3D", ok: false},
		{in: "A1B2C3D4E", ok: false},
		{in: "G1B2C3D4", ok: false},
		{in: "123456", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeBackupCode(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.normalized, got)
		})
	}

	assert.True(t, IsTOTPCode("000000"))
	assert.False(t, IsBackupCode("000000"))
}

func TestMatchBackupCode(t *testing.T) {
	hashes := hashBackupCodes([]string{"A1B2C3D4", "0000FFFF"})

	h, ok := MatchBackupCode(hashes, "0000ffff")
	assert.True(t, ok)
	assert.Equal(t, hashes[1], h)

	_, ok = MatchBackupCode(hashes, "DEADBEEF")
	assert.False(t, ok)

	_, ok = MatchBackupCode(hashes, "not-a-code")
	assert.False(t, ok)

	_, ok = MatchBackupCode(nil, "A1B2C3D4")
	assert.False(t, ok)
}

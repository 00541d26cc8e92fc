package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/autherr"
)

var testArgon2 = Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func newTestPasswords(opts ...PasswordOption) *PasswordManager {
	opts = append([]PasswordOption{WithArgon2Params(testArgon2)}, opts...)
	return NewPasswordManager(DefaultPasswordPolicy(), zerolog.Nop(), opts...)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestHashAndVerify(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	digest, err := m.Hash("Str0ng!Zebra#42")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$v=19$m=8192,t=1,p=1$"))

	assert.True(t, m.Verify("Str0ng!Zebra#42", digest))
	assert.False(t, m.Verify("Str0ng!Zebra#43", digest))
	assert.False(t, m.Verify("", digest))

	again, err := m.Hash("Str0ng!Zebra#42")
	require.NoError(t, err)
	assert.NotEqual(t, digest, again, "salt must differ per hash")
}

func TestVerifyAcceptsBcryptDigests(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	legacy, err := bcrypt.GenerateFromPassword([]byte("Legacy!Passw0rd"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, m.Verify("Legacy!Passw0rd", string(legacy)))
	assert.False(t, m.Verify("legacy!passw0rd", string(legacy)))
}

func TestVerifyRejectsGarbledDigests(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	for _, digest := range []string{
		"",
		"plaintext",
		"$argon2id$",
		"$argon2id$v=19$m=8192,t=1,p=1$",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$t=1,p=1$c2FsdA$a2V5",
		"$2b$garbage",
		"$scrypt$ln=15,r=8,p=1$c2FsdA$a2V5",
	} {
		assert.False(t, m.Verify("Str0ng!Zebra#42", digest), digest)
	}
}

func TestHashFallsBackToBcryptWhenSaltFails(t *testing.T) {
	t.Parallel()
	m := newTestPasswords(WithRandom(failingReader{}))

	digest, err := m.hash("Str0ng!Zebra#42")
	require.NoError(t, err)
	assert.True(t, isBcryptDigest(digest))
	assert.True(t, m.Verify("Str0ng!Zebra#42", digest))
}

func TestHashRejectsWeakPassword(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	_, err := m.Hash("short")
	require.ErrorIs(t, err, autherr.ErrPasswordTooWeak)
	assert.NotEmpty(t, autherr.From(err).Violations)
}

func TestViolations(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	tests := []struct {
		name     string
		password string
		want     []string
	}{
		{name: "valid", password: "Str0ng!Zebra#42"},
		{
			name:     "short lowercase",
			password: "short",
			want: []string{
				"must be at least 12 characters long",
				"must contain an uppercase letter",
				"must contain a digit",
				"must contain a special character",
			},
		},
		{
			name:     "deny-list is case-insensitive",
			password: "MyPASSWORD!x9Z",
			want:     []string{`must not contain "password"`},
		},
		{
			name:     "all patterns reported",
			password: "Qwerty!123Zoom",
			want:     []string{`must not contain "123"`, `must not contain "qwerty"`},
		},
		{
			name:     "repeats",
			password: "Zxxxx9!Qwmnrt",
			want:     []string{"must not repeat a character more than 3 times in a row"},
		},
		{
			name:     "three repeats allowed",
			password: "Zxxx9!Qwmnrtp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.Violations(tt.password))
		})
	}
}

func TestPolicyTogglesAreIndependent(t *testing.T) {
	t.Parallel()
	policy := DefaultPasswordPolicy()
	policy.RequireSpecial = false
	policy.RequireUppercase = false
	m := NewPasswordManager(policy, zerolog.Nop(), WithArgon2Params(testArgon2))

	assert.Empty(t, m.Violations("lowercase9zebras"))
	assert.NoError(t, m.ValidateStrength("lowercase9zebras"))
}

func TestPasswordsEqual(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	digest, err := m.Hash("Str0ng!Zebra#42")
	require.NoError(t, err)

	assert.True(t, m.PasswordsEqual("Str0ng!Zebra#42", digest))
	assert.False(t, m.PasswordsEqual("Other!Zebra#42", digest))
	assert.False(t, m.PasswordsEqual("Str0ng!Zebra#42", "not-a-digest"))
}

func TestGenerateTemporary(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		pw, err := m.GenerateTemporary()
		require.NoError(t, err)
		assert.Len(t, pw, 16)
		assert.NoError(t, m.ValidateStrength(pw), pw)
		assert.False(t, seen[pw])
		seen[pw] = true
	}
}

func TestGenerateTemporaryRandomFailure(t *testing.T) {
	t.Parallel()
	m := newTestPasswords(WithRandom(failingReader{}))

	_, err := m.GenerateTemporary()
	assert.ErrorIs(t, err, autherr.ErrInternal)
}

func TestRateStrength(t *testing.T) {
	t.Parallel()
	m := newTestPasswords()

	tests := []struct {
		password string
		want     PasswordStrength
	}{
		{"abc", StrengthVeryWeak},
		{"password123", StrengthVeryWeak},
		{"sunshinemeadow", StrengthWeak},
		{"correcthorsebatt", StrengthModerate},
		{"Tr0ub4dor&3x", StrengthStrong},
		{"Str0ng!Zebra#42Kp9xW", StrengthVeryStrong},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.RateStrength(tt.password), tt.password)
	}
}

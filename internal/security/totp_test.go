package security

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	t.Parallel()
	m := NewSecondFactorManager("Authgate", nil)

	secret, err := m.GenerateSecret()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, 20)

	other, err := m.GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestVerifyTolerance(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	m := NewSecondFactorManager("Authgate", clock.Now)

	secret, err := m.GenerateSecret()
	require.NoError(t, err)

	generatedAt := clock.t
	code, err := m.CodeAt(secret, generatedAt)
	require.NoError(t, err)
	require.Len(t, code, 6)

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{30 * time.Second, true},
		{-30 * time.Second, true},
		{90 * time.Second, false},
		{-90 * time.Second, false},
	}
	for _, tt := range tests {
		clock.t = generatedAt.Add(tt.offset)
		assert.Equal(t, tt.want, m.Verify(secret, code), "offset %s", tt.offset)
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	m := NewSecondFactorManager("Authgate", nil)

	secret, err := m.GenerateSecret()
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "1234567", "abcdef", "12 456"} {
		assert.False(t, m.Verify(secret, code), code)
	}
	assert.False(t, m.Verify("!!not base64!!", "123456"))
	assert.False(t, m.Verify("", "123456"))
}

func TestClassifyCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeTOTP, ClassifyCode("123456"))
	assert.Equal(t, CodeTOTP, ClassifyCode(" 123456 "))
	assert.Equal(t, CodeBackup, ClassifyCode("AB12CD34"))
	assert.Equal(t, CodeBackup, ClassifyCode("ab12cd34"))
	assert.Equal(t, CodeMalformed, ClassifyCode("AB12-CD34"))
	assert.Equal(t, CodeMalformed, ClassifyCode("1234567"))
	assert.Equal(t, CodeMalformed, ClassifyCode(""))
}

func TestProvisioningURIAndQRCode(t *testing.T) {
	t.Parallel()
	m := NewSecondFactorManager("Authgate", nil)

	secret, err := m.GenerateSecret()
	require.NoError(t, err)

	uri, err := m.ProvisioningURI("alice", secret)
	require.NoError(t, err)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	assert.Equal(t, "/Authgate:alice", u.Path)
	assert.Equal(t, "Authgate", u.Query().Get("issuer"))
	assert.Equal(t, "6", u.Query().Get("digits"))

	key, err := toBase32(secret)
	require.NoError(t, err)
	assert.Equal(t, key, u.Query().Get("secret"))
	assert.Equal(t, "30", u.Query().Get("period"))

	enrolled, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fromApp, err := totp.GenerateCode(enrolled.Secret(), at)
	require.NoError(t, err)
	want, err := m.CodeAt(secret, at)
	require.NoError(t, err)
	assert.Equal(t, want, fromApp, "an enrolled authenticator produces the codes we accept")

	_, err = m.ProvisioningURI("alice", "not base64!")
	assert.Error(t, err)

	qr, err := m.QRCode("alice", secret)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(qr, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))
}

func TestBackupCodes(t *testing.T) {
	t.Parallel()
	m := NewSecondFactorManager("Authgate", nil)

	codes, err := m.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	for _, c := range codes {
		assert.Equal(t, CodeBackup, ClassifyCode(c), c)
		assert.Equal(t, strings.ToUpper(c), c)
	}

	stored := HashBackupCodes(codes)
	assert.NotContains(t, stored, codes[0])

	ok, remaining := m.VerifyBackupCode(stored, strings.ToLower(codes[3]))
	require.True(t, ok)
	assert.Len(t, remaining, 9)
	assert.NotContains(t, remaining, HashBackupCode(codes[3]))
	assert.Len(t, stored, 10, "input must not be modified")

	ok, again := m.VerifyBackupCode(remaining, codes[3])
	assert.False(t, ok, "a backup code works once")
	assert.Equal(t, remaining, again)

	ok, _ = m.VerifyBackupCode(remaining, "ZZZZZZZZ")
	assert.False(t, ok)

	ok, _ = m.VerifyBackupCode(nil, codes[0])
	assert.False(t, ok)
}

package security

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"authgate/internal/autherr"
)

const (
	totpPeriod     = 30
	secretBytes    = 20
	backupCodeLen  = 8
	backupAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	qrImageSize    = 256
)

var (
	totpCodePattern   = regexp.MustCompile(`^[0-9]{6}$`)
	backupCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

	b32 = base32.StdEncoding.WithPadding(base32.NoPadding)
)

type CodeKind int

const (
	CodeMalformed CodeKind = iota
	CodeTOTP
	CodeBackup
)

// ClassifyCode decides how a submitted second-factor code is checked.
func ClassifyCode(code string) CodeKind {
	code = strings.TrimSpace(code)
	switch {
	case totpCodePattern.MatchString(code):
		return CodeTOTP
	case backupCodePattern.MatchString(code):
		return CodeBackup
	default:
		return CodeMalformed
	}
}

// SecondFactorManager implements RFC 6238 TOTP with SHA-1, six digits and a
// thirty second step, plus one-time backup codes.
//
// Secrets are handed around base64 encoded; the base32 form authenticator
// apps expect is derived from the same bytes.
type SecondFactorManager struct {
	issuer string
	now    func() time.Time
	rand   io.Reader
}

func NewSecondFactorManager(issuer string, now func() time.Time) *SecondFactorManager {
	if now == nil {
		now = time.Now
	}
	return &SecondFactorManager{issuer: issuer, now: now, rand: rand.Reader}
}

func (m *SecondFactorManager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (m *SecondFactorManager) GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", autherr.Internal("generate totp secret", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func decodeSecret(secret string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	return raw, nil
}

func toBase32(secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// Verify accepts a code from the current step or one step either side.
func (m *SecondFactorManager) Verify(secret, code string) bool {
	if ClassifyCode(code) != CodeTOTP {
		return false
	}
	key, err := toBase32(secret)
	if err != nil {
		return false
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), key, m.now().UTC(), m.validateOpts())
	return err == nil && ok
}

// CodeAt returns the code for secret at t. Used by tests and tooling.
func (m *SecondFactorManager) CodeAt(secret string, t time.Time) (string, error) {
	key, err := toBase32(secret)
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(key, t, m.validateOpts())
}

// provisioningKey wraps secret in the key authenticator apps enrol from.
func (m *SecondFactorManager) provisioningKey(username, secret string) (*otp.Key, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, autherr.Internal("provisioning key", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: username,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, autherr.Internal("provisioning key", err)
	}
	return key, nil
}

func (m *SecondFactorManager) ProvisioningURI(username, secret string) (string, error) {
	key, err := m.provisioningKey(username, secret)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCode renders the provisioning URI as a PNG data URI.
func (m *SecondFactorManager) QRCode(username, secret string) (string, error) {
	key, err := m.provisioningKey(username, secret)
	if err != nil {
		return "", err
	}
	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return "", autherr.Internal("render qr code", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", autherr.Internal("encode qr code", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GenerateBackupCodes returns n plaintext codes. Only their digests should
// be persisted.
func (m *SecondFactorManager) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	limit := big.NewInt(int64(len(backupAlphabet)))
	for len(codes) < n {
		var sb strings.Builder
		for i := 0; i < backupCodeLen; i++ {
			idx, err := rand.Int(m.rand, limit)
			if err != nil {
				return nil, autherr.Internal("generate backup code", err)
			}
			sb.WriteByte(backupAlphabet[idx.Int64()])
		}
		codes = append(codes, sb.String())
	}
	return codes, nil
}

func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}

// VerifyBackupCode checks candidate against the stored digests. On a match it
// returns a new slice without the consumed digest; stored is not modified.
func (m *SecondFactorManager) VerifyBackupCode(stored []string, candidate string) (bool, []string) {
	if ClassifyCode(candidate) != CodeBackup {
		return false, stored
	}
	want := []byte(HashBackupCode(candidate))

	matched := -1
	for i, digest := range stored {
		if subtle.ConstantTimeCompare([]byte(digest), want) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return false, stored
	}

	remaining := make([]string, 0, len(stored)-1)
	remaining = append(remaining, stored[:matched]...)
	remaining = append(remaining, stored[matched+1:]...)
	return true, remaining
}

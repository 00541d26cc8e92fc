package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/autherr"
)

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var DefaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

const (
	specialChars     = "!@#$%^&*()_+-=[]{}|;:,.<>?"
	tempSpecialChars = "!@#$%^&*"
	upperChars       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars       = "abcdefghijklmnopqrstuvwxyz"
	digitChars       = "0123456789"

	argon2Prefix = "$argon2id$"
)

type PasswordPolicy struct {
	MinLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireDigits     bool
	RequireSpecial    bool
	MaxRepeating      int
	ForbiddenPatterns []string
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        12,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigits:    true,
		RequireSpecial:   true,
		MaxRepeating:     3,
		ForbiddenPatterns: []string{
			"123", "abc", "password", "qwerty", "admin", "letmein", "welcome",
		},
	}
}

type PasswordStrength int

const (
	StrengthVeryWeak PasswordStrength = iota
	StrengthWeak
	StrengthModerate
	StrengthStrong
	StrengthVeryStrong
)

func (s PasswordStrength) String() string {
	switch s {
	case StrengthVeryWeak:
		return "very_weak"
	case StrengthWeak:
		return "weak"
	case StrengthModerate:
		return "moderate"
	case StrengthStrong:
		return "strong"
	default:
		return "very_strong"
	}
}

var commonPasswordFragments = []string{
	"password", "123456", "password123", "admin", "qwerty",
	"letmein", "welcome", "monkey", "dragon", "master",
}

// PasswordManager hashes and checks passwords. Digests are self-describing:
// argon2id PHC strings are produced, and bcrypt digests are still accepted by
// Verify so older rows keep working until their owner changes password.
type PasswordManager struct {
	policy PasswordPolicy
	params Argon2Params
	rand   io.Reader
	log    zerolog.Logger
}

type PasswordOption func(*PasswordManager)

func WithArgon2Params(p Argon2Params) PasswordOption {
	return func(m *PasswordManager) { m.params = p }
}

func WithRandom(r io.Reader) PasswordOption {
	return func(m *PasswordManager) { m.rand = r }
}

func NewPasswordManager(policy PasswordPolicy, log zerolog.Logger, opts ...PasswordOption) *PasswordManager {
	m := &PasswordManager{
		policy: policy,
		params: DefaultArgon2Params,
		rand:   rand.Reader,
		log:    log.With().Str("component", "password").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *PasswordManager) Policy() PasswordPolicy {
	return m.policy
}

// Hash validates strength and returns a digest for password.
func (m *PasswordManager) Hash(password string) (string, error) {
	if err := m.ValidateStrength(password); err != nil {
		return "", err
	}
	return m.hash(password)
}

func (m *PasswordManager) hash(password string) (string, error) {
	salt := make([]byte, m.params.SaltLen)
	if _, err := io.ReadFull(m.rand, salt); err != nil {
		m.log.Error().Err(err).Msg("argon2 salt generation failed, falling back to bcrypt")
		digest, bErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if bErr != nil {
			return "", autherr.Internal("hash password", errors.Join(err, bErr))
		}
		return string(digest), nil
	}

	key := argon2.IDKey([]byte(password), salt, m.params.Time, m.params.Memory, m.params.Threads, m.params.KeyLen)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		m.params.Memory, m.params.Time, m.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches digest. Unknown or malformed
// digests never match.
func (m *PasswordManager) Verify(password, digest string) bool {
	switch {
	case strings.HasPrefix(digest, argon2Prefix):
		ok, err := verifyArgon2(password, digest)
		if err != nil {
			m.log.Debug().Err(err).Msg("malformed argon2 digest")
			return false
		}
		return ok
	case isBcryptDigest(digest):
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
	default:
		m.log.Debug().Msg("unrecognised password digest format")
		return false
	}
}

// PasswordsEqual is used to refuse a password change to the same value.
func (m *PasswordManager) PasswordsEqual(candidate, digest string) bool {
	return m.Verify(candidate, digest)
}

func isBcryptDigest(digest string) bool {
	for _, p := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(digest, p) {
			return true
		}
	}
	return false
}

func verifyArgon2(password, digest string) (bool, error) {
	// $argon2id$v=19$m=65536,t=3,p=2$salt$key
	parts := strings.Split(digest, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("expected 6 segments, got %d", len(parts))
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var (
		memory, iterations uint32
		threads            uint8
	)
	for _, kv := range strings.Split(parts[3], ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return false, fmt.Errorf("parse parameter %q", kv)
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return false, fmt.Errorf("parse parameter %q: %w", kv, err)
		}
		switch key {
		case "m":
			memory = uint32(n)
		case "t":
			iterations = uint32(n)
		case "p":
			if n > math.MaxUint8 {
				return false, fmt.Errorf("parallelism %d out of range", n)
			}
			threads = uint8(n)
		}
	}
	if memory == 0 || iterations == 0 || threads == 0 {
		return false, errors.New("missing argon2 parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode key: %w", err)
	}
	if len(key) == 0 {
		return false, errors.New("empty key")
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

// Violations lists every policy rule password breaks.
func (m *PasswordManager) Violations(password string) []string {
	p := m.policy
	var violations []string

	if utf8.RuneCountInString(password) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters long", p.MinLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(specialChars, r) {
			hasSpecial = true
		}
	}
	if p.RequireUppercase && !hasUpper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if p.RequireDigits && !hasDigit {
		violations = append(violations, "must contain a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		violations = append(violations, "must contain a special character")
	}

	if p.MaxRepeating > 0 && longestRun(password) > p.MaxRepeating {
		violations = append(violations, fmt.Sprintf("must not repeat a character more than %d times in a row", p.MaxRepeating))
	}

	lower := strings.ToLower(password)
	for _, pattern := range p.ForbiddenPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			violations = append(violations, fmt.Sprintf("must not contain %q", pattern))
		}
	}

	return violations
}

func (m *PasswordManager) ValidateStrength(password string) error {
	if v := m.Violations(password); len(v) > 0 {
		return autherr.TooWeak(v)
	}
	return nil
}

func longestRun(s string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// GenerateTemporary returns a random password that satisfies the policy.
func (m *PasswordManager) GenerateTemporary() (string, error) {
	length := max(m.policy.MinLength, 16)

	var required []string
	if m.policy.RequireUppercase {
		required = append(required, upperChars)
	}
	if m.policy.RequireLowercase {
		required = append(required, lowerChars)
	}
	if m.policy.RequireDigits {
		required = append(required, digitChars)
	}
	if m.policy.RequireSpecial {
		required = append(required, tempSpecialChars)
	}
	alphabet := upperChars + lowerChars + digitChars + tempSpecialChars

	// Random fill can still trip the deny-list or the repeat cap, so draw
	// again until the candidate passes.
	for attempt := 0; attempt < 64; attempt++ {
		buf := make([]byte, 0, length)
		for _, set := range required {
			c, err := m.pick(set)
			if err != nil {
				return "", err
			}
			buf = append(buf, c)
		}
		for len(buf) < length {
			c, err := m.pick(alphabet)
			if err != nil {
				return "", err
			}
			buf = append(buf, c)
		}
		if err := m.shuffle(buf); err != nil {
			return "", err
		}
		if len(m.Violations(string(buf))) == 0 {
			return string(buf), nil
		}
	}
	return "", autherr.Internal("generate temporary password", errors.New("policy could not be satisfied"))
}

func (m *PasswordManager) randIndex(n int) (int, error) {
	v, err := rand.Int(m.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, autherr.Internal("random index", err)
	}
	return int(v.Int64()), nil
}

func (m *PasswordManager) pick(set string) (byte, error) {
	i, err := m.randIndex(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func (m *PasswordManager) shuffle(buf []byte) error {
	for i := len(buf) - 1; i > 0; i-- {
		j, err := m.randIndex(i + 1)
		if err != nil {
			return err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return nil
}

// RateStrength scores a password for display. It never blocks a write.
func (m *PasswordManager) RateStrength(password string) PasswordStrength {
	score := 0
	length := utf8.RuneCountInString(password)

	switch {
	case length >= 20:
		score += 40
	case length >= 16:
		score += 30
	case length >= 12:
		score += 20
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(specialChars, r) {
			hasSpecial = true
		}
	}

	charset := 0
	if hasLower {
		score += 5
		charset += 26
	}
	if hasUpper {
		score += 5
		charset += 26
	}
	if hasDigit {
		score += 5
		charset += 10
	}
	if hasSpecial {
		score += 10
		charset += 32
	}
	if hasLower && hasUpper && hasDigit && hasSpecial {
		score += 10
	}

	if charset > 0 {
		entropy := float64(length) * math.Log2(float64(charset))
		switch {
		case entropy >= 60:
			score += 20
		case entropy >= 40:
			score += 15
		case entropy >= 25:
			score += 10
		}
	}

	lower := strings.ToLower(password)
	for _, common := range slices.Concat(commonPasswordFragments, m.policy.ForbiddenPatterns) {
		if common != "" && strings.Contains(lower, strings.ToLower(common)) {
			score -= 30
			break
		}
	}

	if m.policy.MaxRepeating > 0 && longestRun(password) > m.policy.MaxRepeating {
		score -= 20
	}

	switch {
	case score <= 30:
		return StrengthVeryWeak
	case score <= 50:
		return StrengthWeak
	case score <= 70:
		return StrengthModerate
	case score <= 85:
		return StrengthStrong
	default:
		return StrengthVeryStrong
	}
}

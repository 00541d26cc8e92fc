package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgate/internal/autherr"
	"authgate/internal/models"
)

type SessionClaims struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	SessionID    string `json:"session_id"`
	TempPassword bool   `json:"is_temp_password"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// TokenIssuer signs and verifies session tokens. It never looks at storage;
// callers cross-check the session id against the live user record.
type TokenIssuer struct {
	cfg    TokenConfig
	now    func() time.Time
	parser *jwt.Parser
}

func NewTokenIssuer(cfg TokenConfig, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		cfg: cfg,
		now: now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(now),
		),
	}
}

func (t *TokenIssuer) TTL() time.Duration {
	return t.cfg.TTL
}

func (t *TokenIssuer) Issue(user models.User, sessionID string) (string, error) {
	now := t.now()
	claims := SessionClaims{
		Username:     user.Username,
		Role:         user.Role.String(),
		SessionID:    sessionID,
		TempPassword: user.IsTemporaryPassword,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    t.cfg.Issuer,
			Audience:  jwt.ClaimStrings{t.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.cfg.Secret))
	if err != nil {
		return "", autherr.Internal("sign token", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(tokenStr string) (models.SessionClaim, error) {
	var claims SessionClaims
	_, err := t.parser.ParseWithClaims(tokenStr, &claims, t.key)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.SessionClaim{}, autherr.Wrap(autherr.KindTokenExpired, "", err)
		}
		return models.SessionClaim{}, autherr.Wrap(autherr.KindInvalidToken, "", err)
	}

	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return models.SessionClaim{}, autherr.New(autherr.KindInvalidToken, "missing required claims")
	}

	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.SessionClaim{}, autherr.Wrap(autherr.KindUnauthorized, "role not recognised", err)
	}

	return models.SessionClaim{
		UserID:       claims.Subject,
		Username:     claims.Username,
		Role:         role,
		IssuedAt:     claims.IssuedAt.Time,
		ExpiresAt:    claims.ExpiresAt.Time,
		Issuer:       claims.Issuer,
		Audience:     claims.Audience,
		TokenID:      claims.ID,
		SessionID:    claims.SessionID,
		TempPassword: claims.TempPassword,
	}, nil
}

// ExtractTokenID returns the jti of a correctly signed token even when it has
// expired or targets another audience. Only for log correlation.
func (t *TokenIssuer) ExtractTokenID(tokenStr string) (string, bool) {
	var claims SessionClaims
	lenient := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := lenient.ParseWithClaims(tokenStr, &claims, t.key); err != nil {
		return "", false
	}
	return claims.ID, claims.ID != ""
}

func (t *TokenIssuer) key(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(t.cfg.Secret), nil
}

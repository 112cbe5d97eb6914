package token

import (
	"errors"
	"fmt"
	"time"

	"role-sync/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds bearer token verification configuration.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Claims are the claims carried by login tokens. Subject is the Discord user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens issued by the login flow.
type JWTVerifier struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWTVerifier creates a new verifier. Issuer and audience are checked only when set.
func NewJWTVerifier(cfg JWTConfig) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Verify parses tokenStr and returns the Discord id in its subject.
func (v *JWTVerifier) Verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", domain.ErrUnauthenticated
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", domain.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Sign issues a token for discordID. Used by tooling and tests; the login
// flow owns issuance in production.
func (v *JWTVerifier) Sign(discordID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   discordID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.Secret))
}

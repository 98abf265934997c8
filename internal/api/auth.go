package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// TokenClaims are the claims carried by API bearer tokens.
type TokenClaims struct {
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
}

// NewTokenService returns nil when no secret is configured, which leaves
// the API unauthenticated.
func NewTokenService(cfg domain.AuthConfig) *TokenService {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &TokenService{
		signingKey: []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
	}
}

// Issue signs a token for subject valid for ttl.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// Verify parses and validates a signed token.
func (s *TokenService) Verify(tokenString string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Join(ErrUnauthorized, errors.New("token has expired"))
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// AuthMiddleware requires a valid bearer token and stores its subject in
// the request context. A nil service lets every request through.
func AuthMiddleware(s *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", ctx.Value(RequestIDKey),
				)
				writeJSON(w, http.StatusUnauthorized, errorBody("missing or invalid Authorization header"))
				return
			}

			claims, err := s.Verify(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", ctx.Value(RequestIDKey),
				)
				writeJSON(w, http.StatusUnauthorized, errorBody("invalid or expired token"))
				return
			}

			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Package auth guards the forced-action admin endpoints with HS256
// bearer tokens signed by a shared secret.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
)

// ScopeAdmin must appear in the token audience for forced actions.
const ScopeAdmin = "relayer:admin"

// Admin validates admin tokens. With no secret configured every
// guarded endpoint answers 403.
type Admin struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewAdmin creates the admin token validator.
func NewAdmin(cfg config.AuthConfig, logger *zap.Logger) *Admin {
	var secret []byte
	if cfg.AdminSecret != "" {
		secret = []byte(cfg.AdminSecret)
	}
	return &Admin{
		secret: secret,
		issuer: cfg.Issuer,
		logger: logger,
	}
}

// Enabled reports whether an admin secret is configured.
func (a *Admin) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken mints a short-lived admin token for the given subject.
func (a *Admin) IssueToken(subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("admin secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{ScopeAdmin},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates an admin token.
func (a *Admin) ValidateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid admin bearer token.
// Missing or malformed credentials answer 401; a valid token lacking
// the admin scope answers 403.
func (a *Admin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeAuthError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			writeAuthError(w, http.StatusUnauthorized, "authorization header must be a bearer token")
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			a.logger.Warn("Rejected admin token", zap.Error(err))
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !hasAdminScope(claims) {
			a.logger.Warn("Admin token lacks scope",
				zap.String("subject", claims.Subject))
			writeAuthError(w, http.StatusForbidden, "token lacks admin scope")
			return
		}

		ctx := WithAdminSubject(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func hasAdminScope(claims *jwt.RegisteredClaims) bool {
	for _, aud := range claims.Audience {
		if aud == ScopeAdmin {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

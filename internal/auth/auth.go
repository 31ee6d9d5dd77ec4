// Package auth issues and validates the zone-key JWTs carried by every
// RPC between clients, resource servers and their peers.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// DefaultTokenTTL is the lifetime of a signed request token.
const DefaultTokenTTL = 5 * time.Minute

// Claims holds JWT token claims.
type Claims struct {
	Zone string `json:"zone"`
	User string `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues short-lived tokens for outgoing requests.
type Signer struct {
	key      []byte
	zone     string
	user     string
	identity string
	ttl      time.Duration
}

// NewSigner creates a Signer. identity names the calling host or client
// and becomes the token subject.
func NewSigner(zoneKey, zone, user, identity string) *Signer {
	return &Signer{
		key:      []byte(zoneKey),
		zone:     zone,
		user:     user,
		identity: identity,
		ttl:      DefaultTokenTTL,
	}
}

// Token signs a token for the given audience (the destination host).
func (s *Signer) Token(audience string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Zone: s.zone,
		User: s.user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.identity,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier validates incoming tokens for one zone.
type Verifier struct {
	key  []byte
	zone string
}

// NewVerifier creates a Verifier.
func NewVerifier(zoneKey, zone string) *Verifier {
	return &Verifier{key: []byte(zoneKey), zone: zone}
}

// Validate parses and checks a token.
func (v *Verifier) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Zone != v.zone {
		return nil, fmt.Errorf("token zone %q does not match %q", claims.Zone, v.zone)
	}
	return claims, nil
}

// Middleware returns HTTP middleware that validates bearer tokens, using
// reject to write the failure response.
func (v *Verifier) Middleware(reject func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := extractToken(r)
			if tokenStr == "" {
				metrics.RecordAuthAttempt(false)
				reject(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			claims, err := v.Validate(tokenStr)
			if err != nil {
				metrics.RecordAuthAttempt(false)
				logging.WithContext(r.Context()).Warn("rejected token", zap.Error(err))
				reject(w, http.StatusUnauthorized, "invalid token: "+err.Error())
				return
			}

			metrics.RecordAuthAttempt(true)
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

/*
auth.go - Bearer token authentication

PURPOSE:
  Every /api request carries an HS256 JWT naming the actor. The middleware
  validates it and attaches an affiliate.Actor to the request context;
  handlers never build actors from request bodies.

CLAIMS:
  actor_id    partner ID for PARTNER tokens, staff ID for ADMIN tokens
  actor_kind  PARTNER or ADMIN (SYSTEM is reserved for the scheduler)

SEE ALSO:
  - affiliate/actor.go: Actor, ContextWithActor
  - cmd/server/main.go: -issue-token for operators
*/
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/affiliate-engine/affiliate"
)

// Claims are the JWT claims understood by the API.
type Claims struct {
	ActorID   string              `json:"actor_id"`
	ActorKind affiliate.ActorKind `json:"actor_kind"`
	jwt.RegisteredClaims
}

// Actor converts the claims into an engine actor.
func (c *Claims) Actor() affiliate.Actor {
	return affiliate.Actor{ID: c.ActorID, Kind: c.ActorKind}
}

// GenerateToken signs a token for actor that expires after ttl.
func GenerateToken(actor affiliate.Actor, secret string, ttl time.Duration) (string, error) {
	if actor.Kind == affiliate.ActorSystem {
		return "", errors.New("system actor tokens are not issued")
	}
	now := time.Now()
	claims := &Claims{
		ActorID:   actor.ID,
		ActorKind: actor.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies a token.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	switch claims.ActorKind {
	case affiliate.ActorPartner, affiliate.ActorAdmin:
	default:
		return nil, fmt.Errorf("invalid actor kind %q", claims.ActorKind)
	}
	if claims.ActorID == "" {
		return nil, errors.New("token has no actor")
	}
	return claims, nil
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			claims, err := ValidateToken(raw, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			ctx := affiliate.ContextWithActor(r.Context(), claims.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// actorFrom returns the authenticated actor. Authenticate guarantees one is
// present on every /api route.
func actorFrom(r *http.Request) affiliate.Actor {
	a, _ := affiliate.ActorFromContext(r.Context())
	return a
}

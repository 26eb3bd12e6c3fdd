/*
auth.go - Bearer token authentication

PURPOSE:
  Every /api/v1 route except /healthz acts on behalf of a user. The bearer
  token names the user (sub) and the organization (org_id); the middleware
  loads that user and rejects deactivated or unknown accounts.

TOKENS:
  HS256 JWTs signed with auth.jwt_secret. Issuing tokens for real logins is
  outside this service; IssueToken backs the CLI `token` command and tests.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/recognition-engine/domain"
)

// Claims identifies the acting user. Subject carries the user id.
type Claims struct {
	OrgID string `json:"org_id"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	Secret []byte
	TTL    time.Duration
	Users  domain.UserStore
}

func NewAuthenticator(secret string, ttl time.Duration, users domain.UserStore) *Authenticator {
	return &Authenticator{Secret: []byte(secret), TTL: ttl, Users: users}
}

// IssueToken signs a token for userID in orgID.
func (a *Authenticator) IssueToken(orgID, userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// ParseToken verifies signature and expiry and returns the claims.
func (a *Authenticator) ParseToken(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" || claims.OrgID == "" {
		return nil, errors.New("token is missing sub or org_id")
	}
	return claims, nil
}

// Middleware authenticates the request and stores the acting user in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			unauthorized(w, "Not authenticated")
			return
		}
		claims, err := a.ParseToken(raw)
		if err != nil {
			unauthorized(w, "Could not validate credentials")
			return
		}
		user, err := domain.LoadActiveUser(r.Context(), a.Users, claims.OrgID, claims.Subject)
		if err != nil {
			if domain.IsNotFound(err) {
				unauthorized(w, "Could not validate credentials")
				return
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), *user)))
	})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Detail: detail})
}

type actorKey struct{}

func withActor(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, actorKey{}, u)
}

// Actor returns the authenticated user. Only valid behind Middleware.
func Actor(ctx context.Context) domain.User {
	u, _ := ctx.Value(actorKey{}).(domain.User)
	return u
}

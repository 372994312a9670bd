// Package auth turns bearer tokens into request principals. Token
// minting belongs to the identity provider; this side only verifies.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID string
	Admin  bool
}

type ctxKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext retrieves the principal set by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// claims is the identity payload the provider signs. The subject is the
// opaque user id; profile fields ride along so the user row stays fresh.
type claims struct {
	jwt.RegisteredClaims
	DisplayName           string `json:"name,omitempty"`
	Email                 string `json:"email,omitempty"`
	Admin                 bool   `json:"admin,omitempty"`
	SubscriptionAccountID string `json:"subAccountId,omitempty"`
}

// Verifier validates HS256 bearer tokens and syncs the user row on each
// successful authentication.
type Verifier struct {
	secret []byte
	store  *catalog.Store
	log    *slog.Logger
}

func NewVerifier(secret string, store *catalog.Store, log *slog.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), store: store, log: log.With("component", "auth")}
}

// Authenticate verifies a raw token and returns the principal.
func (v *Verifier) Authenticate(ctx context.Context, token string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, apperr.AuthRequired("invalid token: %v", err)
	}
	if c.Subject == "" {
		return Principal{}, apperr.AuthRequired("token has no subject")
	}

	u := catalog.User{
		ID:          c.Subject,
		DisplayName: c.DisplayName,
		Email:       c.Email,
		Admin:       c.Admin,
	}
	if c.SubscriptionAccountID != "" {
		u.LinkedSubscriptionAccountID = &c.SubscriptionAccountID
	}
	if err := v.store.UpsertUser(ctx, u); err != nil {
		return Principal{}, err
	}
	return Principal{UserID: c.Subject, Admin: c.Admin}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", apperr.AuthRequired("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", apperr.AuthRequired("Authorization header is not a bearer token")
	}
	return token, nil
}

// Middleware authenticates every request. writeErr renders the failure
// in the caller's error shape.
func Middleware(v *Verifier, writeErr func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			p, err := v.Authenticate(r.Context(), token)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

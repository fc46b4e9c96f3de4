package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/golang-jwt/jwt/v5"
)

var (
	errUnauthorized = apperr.New(apperr.KindUnauthorized, "unauthorized")
	errForbidden    = apperr.New(apperr.KindForbidden, "forbidden: admin access required")
)

type ctxKey int

const accountKey ctxKey = iota

// IssueToken signs a bearer token whose subject is the account id.
func (c *Controller) IssueToken(accountID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.TokenTTL)),
	})
	return token.SignedString(c.JWTSecret)
}

// ParseToken returns the account id of a valid token.
func (c *Controller) ParseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// accountID returns the authenticated account id placed by RequireAuth.
func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountKey).(string)
	return id
}

// RequireAuth middleware
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := c.ParseToken(bearer(r))
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, id)))
	})
}

// RequireAdmin middleware: 401 without a valid token, 403 for non-admins.
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return c.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, err := c.App.Store.GetAccount(r.Context(), accountID(r))
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.writeError(w, r, errUnauthorized)
				return
			}
			c.writeError(w, r, err)
			return
		}
		if !acct.IsAdmin {
			c.writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// currentAccount loads the caller. A token for a deleted account is treated as unauthenticated.
func (c *Controller) currentAccount(r *http.Request) (*models.Account, error) {
	acct, err := c.App.Store.GetAccount(r.Context(), accountID(r))
	if errors.Is(err, db.ErrNotFound) {
		return nil, errUnauthorized
	}
	return acct, err
}

package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type authCtxKey int

const adminKey authCtxKey = 7

type adminClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// AdminAuth gates researcher-facing endpoints on HTTP Basic credentials or a
// bearer token previously issued via SignToken. The configured password may
// be a bcrypt hash; plaintext passwords are compared in constant time.
type AdminAuth struct {
	Username string
	Password string
	Secret   []byte
	TokenTTL time.Duration
}

func NewAdminAuth(username, password, secret string) *AdminAuth {
	return &AdminAuth{
		Username: username,
		Password: password,
		Secret:   []byte(secret),
		TokenTTL: 12 * time.Hour,
	}
}

// CheckCredentials verifies a username/password pair without leaking timing
// information about either field.
func (a *AdminAuth) CheckCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	var passOK bool
	if strings.HasPrefix(a.Password, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) == 1
	}
	return userOK && passOK
}

// SignToken issues a short-lived bearer token for the admin dashboard.
func (a *AdminAuth) SignToken() (string, error) {
	now := time.Now()
	claims := adminClaims{
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.Secret)
}

func (a *AdminAuth) parseToken(tok string) (*adminClaims, error) {
	t, err := jwt.ParseWithClaims(tok, &adminClaims{}, func(token *jwt.Token) (interface{}, error) { return a.Secret, nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*adminClaims); ok && t.Valid && c.Admin {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// Require rejects requests that carry neither valid Basic credentials nor a
// valid bearer token. Failures answer 401 with a WWW-Authenticate challenge.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok && a.CheckCredentials(user, pass) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, user)))
			return
		}
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := a.parseToken(tok); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, c.Subject)))
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="audiorating admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// AdminFromContext returns the authenticated admin username, if any.
func AdminFromContext(ctx context.Context) (string, bool) {
	if u, ok := ctx.Value(adminKey).(string); ok && u != "" {
		return u, true
	}
	return "", false
}

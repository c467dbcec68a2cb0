// Package auth issues and checks the operator console session token.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// CookieName carries the session token in the browser.
	CookieName = "relay_token"
	// Subject is the only principal the console knows about.
	Subject = "operator"
)

// ErrInvalidToken is returned for missing, expired, or forged tokens.
var ErrInvalidToken = errors.New("invalid token")

// Issuer signs HS256 operator tokens.
type Issuer struct {
	password []byte
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer builds an issuer. An empty secret falls back to the password.
func NewIssuer(password, secret string, lifetime time.Duration) *Issuer {
	if secret == "" {
		secret = password
	}
	if lifetime <= 0 {
		lifetime = 8 * time.Hour
	}
	return &Issuer{
		password: []byte(password),
		secret:   []byte(secret),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Lifetime returns how long issued tokens stay valid.
func (i *Issuer) Lifetime() time.Duration { return i.lifetime }

// CheckPassword compares pw against the configured password in constant time.
// An unconfigured password never matches.
func (i *Issuer) CheckPassword(pw string) bool {
	if len(i.password) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pw), i.password) == 1
}

// Issue returns a signed token and its expiry.
func (i *Issuer) Issue() (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.lifetime)
	claims := jwt.RegisteredClaims{
		Subject:   Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and subject.
func (i *Issuer) Verify(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(Subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// Required rejects requests without a valid token in the cookie or the
// Authorization header.
func (i *Issuer) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(CookieName)
		if token == "" {
			token = bearerToken(c.GetHeader("Authorization"))
		}
		if err := i.Verify(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

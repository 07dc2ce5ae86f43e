package wsqueue

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

var ErrUnauthorized = errors.New("worker not authorized")

// NewWorkerToken issues the bearer token a remote worker presents when
// connecting. It is signed with HS256 using the shared queue secret.
func NewWorkerToken(secret, workerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.StandardClaims{
		Subject:  workerID,
		IssuedAt: now.Unix(),
	}
	if ttl != 0 {
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyWorkerToken checks the token of the request and returns the worker id
// it was issued to.
func verifyWorkerToken(secret string, r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || raw == auth {
		return "", errors.Wrap(ErrUnauthorized, "missing bearer token")
	}
	claims := new(jwt.StandardClaims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", errors.Wrap(ErrUnauthorized, err.Error())
	}
	if !token.Valid {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

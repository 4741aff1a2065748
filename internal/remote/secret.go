// Package remote pushes classpath changes to a restarter running elsewhere.
// The client side uploads override tables; the server side applies them and
// restarts. Both ends share a secret sent in the X-AUTH-TOKEN header.
package remote

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

// SecretHeader carries the shared secret on every upload.
const SecretHeader = "X-AUTH-TOKEN"

var ErrEmptySecret = errors.New("remote secret must not be empty")

// LoadSecret reads a shared secret from a file, ignoring surrounding
// whitespace.
func LoadSecret(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty secret path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", ErrEmptySecret
	}
	return s, nil
}

// AccessChecker admits requests that present the expected secret.
type AccessChecker struct {
	secret []byte
}

func NewAccessChecker(secret string) (*AccessChecker, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &AccessChecker{secret: []byte(secret)}, nil
}

func (c *AccessChecker) IsAllowed(r *http.Request) bool {
	got := r.Header.Get(SecretHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), c.secret) == 1
}

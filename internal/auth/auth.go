// Package auth produces the authentication verdict consumed by admission
// control. Two credentials are accepted at the ingress: an HS256 bearer token
// or a static API key checked against a bcrypt hash file. The pipeline itself
// only ever sees the boolean verdict.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoCredentials = errors.New("no credentials presented")
	ErrInvalidToken  = errors.New("invalid token")
	ErrUnknownAPIKey = errors.New("unknown API key")
	ErrNotConfigured = errors.New("no authentication method configured")
)

// Authenticator verifies ingress credentials.
type Authenticator struct {
	jwtSecret []byte

	mu      sync.RWMutex
	apiKeys map[string]string // key name -> bcrypt hash
}

// New creates an authenticator. jwtSecret may be empty when only API keys are
// in use; apiKeyFile may be empty when only JWT is in use.
func New(jwtSecret string, apiKeyFile string) (*Authenticator, error) {
	a := &Authenticator{
		jwtSecret: []byte(jwtSecret),
		apiKeys:   make(map[string]string),
	}

	if apiKeyFile != "" {
		if err := a.loadAPIKeys(apiKeyFile); err != nil {
			return nil, fmt.Errorf("load API key file: %w", err)
		}
	}

	if len(a.jwtSecret) == 0 && len(a.apiKeys) == 0 {
		return nil, ErrNotConfigured
	}

	return a, nil
}

// loadAPIKeys reads "name:bcrypt-hash" lines; blank lines and '#' comments
// are skipped.
func (a *Authenticator) loadAPIKeys(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	a.mu.Lock()
	defer a.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, hash, found := strings.Cut(line, ":")
		if !found || name == "" || hash == "" {
			return fmt.Errorf("malformed API key entry: %q", line)
		}
		a.apiKeys[name] = hash
	}

	return scanner.Err()
}

// VerifyToken validates an HS256 JWT.
func (a *Authenticator) VerifyToken(tokenString string) error {
	if len(a.jwtSecret) == 0 {
		return ErrInvalidToken
	}

	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return nil
}

// VerifyAPIKey validates a "name:secret" API key against the loaded hashes.
func (a *Authenticator) VerifyAPIKey(key string) error {
	name, secret, found := strings.Cut(key, ":")
	if !found {
		return ErrUnknownAPIKey
	}

	a.mu.RLock()
	hash, ok := a.apiKeys[name]
	a.mu.RUnlock()
	if !ok {
		return ErrUnknownAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrUnknownAPIKey
	}

	return nil
}

// VerifyRequest inspects a request's credentials and returns the admission
// verdict: nil means authenticated.
func (a *Authenticator) VerifyRequest(r *http.Request) error {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return ErrInvalidToken
		}
		return a.VerifyToken(token)
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.VerifyAPIKey(key)
	}

	return ErrNoCredentials
}

// HashAPIKey produces a bcrypt hash suitable for the API key file. Used by
// the CLI's key generation command.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

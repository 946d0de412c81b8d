// internal/gateway/auth.go
package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"verifier-dispatch/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer credential issued by the identity service.
type Claims struct {
	WorkerID       string `json:"worker_id,omitempty"`
	Role           string `json:"role"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	jwt.RegisteredClaims
}

// Identity is an authenticated worker.
type Identity struct {
	WorkerID       string
	Role           string
	MaxConcurrency int
}

// Authenticator validates HMAC-signed verifier credentials.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator for tokens signed with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Authenticate parses and checks a token. It returns domain.ErrMissingCredential,
// domain.ErrInvalidCredential or domain.ErrWrongRole on refusal.
func (a *Authenticator) Authenticate(token string) (*Identity, error) {
	if token == "" {
		return nil, domain.ErrMissingCredential
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}

	workerID := claims.WorkerID
	if workerID == "" {
		workerID = claims.Subject
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: no worker id", domain.ErrInvalidCredential)
	}
	if claims.Role != domain.RoleVerifier {
		return nil, domain.ErrWrongRole
	}

	return &Identity{
		WorkerID:       workerID,
		Role:           claims.Role,
		MaxConcurrency: claims.MaxConcurrency,
	}, nil
}

// Issue signs a credential. Production tokens come from the identity service;
// this is used by tooling and tests.
func (a *Authenticator) Issue(workerID, role string, maxConcurrency int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		WorkerID:       workerID,
		Role:           role,
		MaxConcurrency: maxConcurrency,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// credential extracts the bearer token from the token query parameter or the
// Authorization header.
func credential(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

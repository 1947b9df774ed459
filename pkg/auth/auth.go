// Package auth provides optional bearer-token authentication for the
// gateway's HTTP surface.
//
// The model is deliberately small: one shared token, supplied either as
// plaintext or as a bcrypt hash. Plaintext tokens are compared in
// constant time; hashed tokens let deployments keep the secret out of
// config files. Disabled auth passes every request through.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Config holds authentication settings.
type Config struct {
	// Enabled turns the middleware on. When false every request passes.
	Enabled bool
	// Token is the expected bearer token. A value starting with "$2"
	// is treated as a bcrypt hash of the token; anything else is the
	// token itself.
	Token string
}

// Verifier checks bearer tokens.
type Verifier struct {
	enabled bool
	hashed  bool
	token   []byte
	log     *zap.Logger
}

// New builds a verifier. Enabled auth with an empty token is rejected,
// since it would lock every caller out.
func New(cfg Config, log *zap.Logger) (*Verifier, error) {
	if cfg.Enabled && cfg.Token == "" {
		return nil, errors.New("auth: enabled without a token")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		enabled: cfg.Enabled,
		hashed:  strings.HasPrefix(cfg.Token, "$2"),
		token:   []byte(cfg.Token),
		log:     log,
	}, nil
}

// Enabled reports whether authentication is enforced.
func (v *Verifier) Enabled() bool { return v.enabled }

// Verify checks one presented token.
func (v *Verifier) Verify(token string) bool {
	if !v.enabled {
		return true
	}
	if v.hashed {
		return bcrypt.CompareHashAndPassword(v.token, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare(v.token, []byte(token)) == 1
}

// VerifyRequest extracts and checks the bearer token of an HTTP request.
func (v *Verifier) VerifyRequest(r *http.Request) bool {
	if !v.enabled {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return v.Verify(strings.TrimPrefix(header, "Bearer "))
}

// Middleware enforces bearer auth on an HTTP handler chain.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	if !v.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.VerifyRequest(r) {
			v.log.Warn("rejected request with missing or invalid token",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashToken returns the bcrypt hash of a token, for generating config
// values that avoid storing the plaintext secret.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

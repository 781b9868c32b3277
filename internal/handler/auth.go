package handler

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/zinspection/riskengine/internal/apperr"
)

var errUnauthorized = errors.New("missing or invalid bearer token")

// requireToken checks the Authorization bearer token against the configured bcrypt hash.
// Accepted tokens are remembered by digest so bcrypt runs once per token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.APITokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, errUnauthorized))
			return
		}
		digest := sha256.Sum256([]byte(token))
		if _, ok := h.verified.Load(digest); !ok {
			if err := bcrypt.CompareHashAndPassword([]byte(h.config.APITokenHash), []byte(token)); err != nil {
				slog.Warn("rejected API token", "remote", r.RemoteAddr)
				writeError(w, r, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, errUnauthorized))
				return
			}
			h.verified.Store(digest, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", errors.New("token must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

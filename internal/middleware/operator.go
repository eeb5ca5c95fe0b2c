package middleware

import (
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const headerAPIKey = "X-API-Key"

// OperatorKey guards operator endpoints with a bcrypt-hashed API key taken
// from X-API-Key or a Bearer token. An empty hash disables the check.
type OperatorKey struct {
	mu   sync.Mutex
	hash []byte

	// Accepted keys are remembered by digest so bcrypt runs once per key.
	accepted map[[sha256.Size]byte]struct{}
}

// NewOperatorKey returns a guard for hash.
func NewOperatorKey(hash string) *OperatorKey {
	if hash == "" {
		slog.Warn("operator key not configured, operator endpoints are open")
	}
	return &OperatorKey{hash: []byte(hash), accepted: make(map[[sha256.Size]byte]struct{})}
}

// Enabled reports whether a key is required.
func (o *OperatorKey) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.hash) > 0
}

// Rotate replaces the hash and forgets previously accepted keys.
func (o *OperatorKey) Rotate(hash string) {
	o.mu.Lock()
	o.hash = []byte(hash)
	o.accepted = make(map[[sha256.Size]byte]struct{})
	o.mu.Unlock()
	slog.Info("operator key rotated", "enabled", hash != "")
}

// Handler rejects requests without a valid key with 401.
func (o *OperatorKey) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := presentedKey(r)
		if key == "" || !o.verify(key) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="swarmforge-operator"`)
			writeJSONError(w, http.StatusUnauthorized, "operator key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o *OperatorKey) verify(key string) bool {
	digest := sha256.Sum256([]byte(key))
	o.mu.Lock()
	_, ok := o.accepted[digest]
	hash, accepted := o.hash, o.accepted
	o.mu.Unlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
		return false
	}
	o.mu.Lock()
	accepted[digest] = struct{}{} // a map replaced by Rotate is simply dropped
	o.mu.Unlock()
	return true
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get(headerAPIKey); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// HashOperatorKey returns the bcrypt hash to put in auth.operator_key_hash.
func HashOperatorKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/SwarmForge/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20
	maxIdempotencyKey    = 255
)

// storedResponse is what a replay writes back.
type storedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// IdempotencyKey is the cache key for a client key on method and path. The
// client value is hashed so any header value fits a NATS KV key.
func IdempotencyKey(method, path, clientKey string) string {
	sum := sha256.Sum256([]byte(method + " " + path + " " + clientKey))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Idempotency replays the stored response when a mutating request repeats an
// Idempotency-Key. A duplicate arriving while the first is still running gets
// 409. 5xx responses are not stored, so the client may retry them.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var inflight sync.Map

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(headerIdempotencyKey)
			if clientKey == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdempotencyKey {
				writeJSONError(w, http.StatusBadRequest, "idempotency key too long")
				return
			}
			key := IdempotencyKey(r.Method, r.URL.Path, clientKey)

			if prev, ok := lookup(r, store, key); ok {
				prev.writeTo(w)
				return
			}
			if _, busy := inflight.LoadOrStore(key, struct{}{}); busy {
				writeJSONError(w, http.StatusConflict, "request with this idempotency key is in progress")
				return
			}
			defer inflight.Delete(key)

			var body bytes.Buffer
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= 500 || body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(storedResponse{Status: status, Header: w.Header().Clone(), Body: body.Bytes()})
			if err != nil {
				return
			}
			if err := store.Set(r.Context(), key, data, ttl); err != nil {
				slog.Warn("idempotency store failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func lookup(r *http.Request, store cache.Cache, key string) (storedResponse, bool) {
	var resp storedResponse
	data, ok, err := store.Get(r.Context(), key)
	if err != nil {
		slog.Warn("idempotency lookup failed", "path", r.URL.Path, "error", err)
		return resp, false
	}
	if !ok {
		return resp, false
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("idempotency entry unreadable", "path", r.URL.Path, "error", err)
		return resp, false
	}
	return resp, true
}

func (s storedResponse) writeTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vals := range s.Header {
		h[k] = append(h[k], vals...)
	}
	h.Set(headerReplayed, "true")
	w.WriteHeader(s.Status)
	_, _ = w.Write(s.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

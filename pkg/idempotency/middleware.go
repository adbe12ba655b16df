package idempotency

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/agenr/agenr/pkg/identity"
)

// responseCapture records what the handler wrote so a hit can be replayed
// byte for byte.
type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware replays cached responses for mutating requests that repeat an
// Idempotency-Key. Keys are namespaced by principal so one caller can never
// replay another's response. Runs after auth; requests without a principal
// or without the header pass straight through.
func Middleware(store Store) func(http.Handler) http.Handler {
	log := slog.Default().With("component", "idempotency")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			rawKey := r.Header.Get("Idempotency-Key")
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := identity.PrincipalFrom(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			key := principal.PrincipalID() + ":" + rawKey

			cached, err := store.Check(r.Context(), key)
			if err != nil {
				log.Warn("idempotency check failed", "error", err)
			}
			if cached != nil {
				for name, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Add(name, v)
					}
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status < 200 || capture.status >= 300 {
				return
			}
			err = store.Put(r.Context(), Entry{
				Key:         key,
				PrincipalID: principal.PrincipalID(),
				Status:      capture.status,
				Headers:     w.Header().Clone(),
				Body:        capture.body.Bytes(),
			})
			if err != nil {
				log.Warn("idempotency store failed", "key", rawKey, "error", err)
			}
		})
	}
}

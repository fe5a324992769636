package idempotency

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const Header = "X-Idempotency-Key"

// reservationLease bounds how long a crashed request can hold its key.
const reservationLease = time.Minute

var inFlightBody = []byte(`{"error":"request_in_progress","message":"a request with this idempotency key is still being processed"}`)

// Scope namespaces keys, typically by the authenticated user. Returning ""
// disables caching for the request.
type Scope func(r *http.Request) string

// Middleware replays the stored response when a request repeats a key and
// answers 409 while the first request is still running. Requests without the
// header pass through untouched. 5xx responses are not stored so the client
// can retry them.
func Middleware(store Store, window time.Duration, scope Scope, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(Header))
			owner := scope(r)
			if key == "" || owner == "" {
				next.ServeHTTP(w, r)
				return
			}
			fullKey := owner + ":" + r.Method + ":" + r.URL.Path + ":" + key
			ctx := r.Context()

			existing, reserved, err := store.Reserve(ctx, fullKey, reservationLease)
			if err != nil {
				logger.Warn("idempotency reserve failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				w.Header().Set("Content-Type", "application/json")
				if existing == nil || existing.InFlight() {
					w.Header().Set("Retry-After", "1")
					w.WriteHeader(http.StatusConflict)
					_, _ = w.Write(inFlightBody)
					return
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Response)
				return
			}

			saved := false
			defer func() {
				if saved {
					return
				}
				if err := store.Release(context.WithoutCancel(ctx), fullKey); err != nil {
					logger.Warn("idempotency release failed", "error", err)
				}
			}()

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				return
			}
			now := time.Now()
			if err := store.Save(ctx, fullKey, Record{
				StatusCode: rec.status,
				Response:   rec.body.Bytes(),
				CreatedAt:  now,
				ExpiresAt:  now.Add(window),
			}); err != nil {
				logger.Warn("idempotency save failed", "error", err)
				return
			}
			saved = true
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

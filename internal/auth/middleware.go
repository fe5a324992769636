package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Wallet string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer session token.
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw := strings.TrimPrefix(header, "Bearer ")
			if header == "" || raw == header {
				unauthorized(w, "authorization header required")
				return
			}
			claims, err := tokens.Parse(raw)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			ctx := WithIdentity(r.Context(), Identity{UserID: claims.Subject, Wallet: claims.Wallet})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}

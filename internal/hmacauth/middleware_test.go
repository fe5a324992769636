package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
	}
}

func signedRequest(body, secret string, ts time.Time) *http.Request {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/admin/distribute", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign(secret, stamp, []byte(body)))
	return req
}

func TestMiddlewareAllowsValidSignatureAndKeepsBody(t *testing.T) {
	body := `{"amount":"10"}`
	now := time.Unix(1_700_000_000, 0)

	var seen string
	h := newVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(body, "secret", now))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q", seen)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		v      *Verifier
		req    func() *http.Request
		status int
	}{
		{
			name:   "wrong secret",
			v:      newVerifier(now),
			req:    func() *http.Request { return signedRequest(`{}`, "other", now) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "stale timestamp",
			v:      newVerifier(now),
			req:    func() *http.Request { return signedRequest(`{}`, "secret", now.Add(-2*time.Minute)) },
			status: http.StatusUnauthorized,
		},
		{
			name: "missing headers",
			v:    newVerifier(now),
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/admin/distribute", strings.NewReader(`{}`))
			},
			status: http.StatusUnauthorized,
		},
		{
			name:   "no secret configured",
			v:      &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }},
			req:    func() *http.Request { return signedRequest(`{}`, "", now) },
			status: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, tt.req())
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

// Package hmacauth guards operator endpoints with a shared-secret HMAC over
// the request timestamp and body.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	maxBodyBytes = 1 << 20
)

var (
	ErrDisabled         = errors.New("admin endpoints are disabled")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

// Middleware rejects requests whose signature does not verify. With no
// secret configured every request is refused.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrDisabled) {
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return ErrDisabled
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if tsHeader == "" || err != nil {
		return ErrMissingTimestamp
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}
	expected := Sign(v.Secret, tsHeader, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of timestamp followed by body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

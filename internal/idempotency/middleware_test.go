package idempotency

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMiddlewareReplaysResponse(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":` + strconv.Itoa(calls) + `}`))
	})
	scope := func(r *http.Request) string { return r.Header.Get("X-User") }
	h := Middleware(NewMemoryStore(), time.Minute, scope, discardLogger())(handler)

	do := func(user, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/claim-success", nil)
		req.Header.Set("X-User", user)
		if key != "" {
			req.Header.Set(Header, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do("u1", "k1")
	second := do("u1", "k1")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() || calls != 1 {
		t.Fatalf("expected replay, calls=%d bodies %s / %s", calls, first.Body, second.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}

	do("u2", "k1")
	do("u1", "")
	if calls != 3 {
		t.Fatalf("keys must be scoped per user and optional, calls=%d", calls)
	}
}

func TestMiddlewareSkipsServerErrors(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	h := Middleware(NewMemoryStore(), time.Minute, func(*http.Request) string { return "u" }, discardLogger())(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(Header, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("5xx responses must not be cached, calls=%d", calls)
	}
}

func TestMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"balance":"7"}`))
	})
	h := Middleware(NewMemoryStore(), time.Minute, func(*http.Request) string { return "u" }, discardLogger())(handler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/add-tokens", nil)
		req.Header.Set(Header, "k")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() { firstDone <- do() }()
	<-entered

	dup := do()
	if dup.Code != http.StatusConflict || !strings.Contains(dup.Body.String(), "request_in_progress") {
		t.Fatalf("expected 409 request_in_progress, got %d %s", dup.Code, dup.Body)
	}
	if dup.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After missing on in-flight conflict")
	}

	close(release)
	first := <-firstDone
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: %d", first.Code)
	}

	replay := do()
	if replay.Code != http.StatusCreated || replay.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of first response, got %d %s", replay.Code, replay.Body)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestMiddlewareReleasesKeyAfterPanic(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(NewMemoryStore(), time.Minute, func(*http.Request) string { return "u" }, discardLogger())(handler)

	serve := func() (code int) {
		defer func() {
			if recover() != nil {
				code = http.StatusInternalServerError
			}
		}()
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(Header, "k")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve(); code != http.StatusInternalServerError {
		t.Fatalf("expected panic, got %d", code)
	}
	if code := serve(); code != http.StatusOK || calls != 2 {
		t.Fatalf("key stayed reserved after panic: code=%d calls=%d", code, calls)
	}
}

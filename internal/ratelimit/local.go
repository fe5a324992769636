package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local keeps a token bucket per key in memory. Buckets are not shared
// between instances.
type Local struct {
	rule Rule
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocal(rule Rule) *Local {
	return &Local{
		rule:    rule,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, scope, subject string) (Decision, error) {
	if l.rule.disabled() {
		return Decision{Allowed: true}, nil
	}

	key := scope + ":" + subject
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.rule.Window / time.Duration(l.rule.Limit))
		b = rate.NewLimiter(every, l.rule.Limit)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	now := l.now()
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: l.rule.Window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

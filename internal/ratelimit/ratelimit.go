// Package ratelimit caps how often a user may hit expensive endpoints such
// as voucher signing.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrLimited = errors.New("rate limit exceeded")

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits at most Limit events per Window for each (scope, subject).
type Limiter interface {
	Allow(ctx context.Context, scope, subject string) (Decision, error)
}

type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) disabled() bool {
	return r.Limit <= 0 || r.Window <= 0
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Package events publishes domain events for downstream consumers such as
// the leaderboard and notification workers.
package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	ParticipationCompleted = "participation.completed"
	ParticipationFailed    = "participation.failed"
	VoucherIssued          = "voucher.issued"
	VoucherClaimed         = "voucher.claimed"
	VoucherClaimFailed     = "voucher.claim_failed"
	TokensDistributed      = "tokens.distributed"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

func (n NopPublisher) Publish(_ context.Context, eventType string, _ any) error {
	if n.Logger != nil {
		n.Logger.Debug("event dropped, no broker configured", "event", eventType)
	}
	return nil
}

// Emit publishes and logs failures without returning them. Events are
// best effort; the database is the source of truth.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, eventType string, data any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, eventType, data); err != nil {
		logger.Warn("publish event failed", "event", eventType, "error", err)
	}
}

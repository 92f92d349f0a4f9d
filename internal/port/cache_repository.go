package port

import (
	"context"
	"time"

	"github.com/rl1809/farmigo/internal/core/domain"
)

type IdempotencyState int

const (
	IdempotencyClaimed IdempotencyState = iota
	IdempotencyInFlight
	IdempotencyCompleted
)

type IdempotencyStore interface {
	// ClaimIdempotency sets key if absent. When the key already exists it reports
	// whether the first request is still running or has stored its result.
	ClaimIdempotency(ctx context.Context, key string) (IdempotencyState, *domain.PlacedOrder, error)

	// CompleteIdempotency stores the result of the request owning key.
	CompleteIdempotency(ctx context.Context, key string, result domain.PlacedOrder) error

	// ReleaseIdempotency drops a claim so the caller may retry.
	ReleaseIdempotency(ctx context.Context, key string) error
}

type StatsCache interface {
	// GetStats returns nil without error on a cache miss.
	GetStats(ctx context.Context) (*domain.Stats, error)
	SetStats(ctx context.Context, stats domain.Stats, ttl time.Duration) error

	// LockStats serializes stats recomputation across instances. The returned
	// func releases the lock.
	LockStats(ctx context.Context, ttl time.Duration) (func(), error)
}

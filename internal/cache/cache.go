package cache

import (
	"context"
	"time"

	"tokotempo/backend/internal/domain"
)

// DiscountCache caches the active discount pool between checkouts. Discounts
// change rarely relative to checkout volume; mutations invalidate the key.
type DiscountCache interface {
	Get(ctx context.Context, key string) ([]domain.Discount, bool, error)
	Set(ctx context.Context, key string, pool []domain.Discount, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopDiscountCache struct{}

func (NoopDiscountCache) Get(_ context.Context, _ string) ([]domain.Discount, bool, error) {
	return nil, false, nil
}

func (NoopDiscountCache) Set(_ context.Context, _ string, _ []domain.Discount, _ time.Duration) error {
	return nil
}

func (NoopDiscountCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"kasirinaja/settlement/internal/domain"
)

// SettlementCache remembers settle responses by company and idempotency key so
// client retries can be answered without touching the store.
type SettlementCache interface {
	Get(ctx context.Context, key string) (*domain.SettleResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.SettleResponse, ttl time.Duration) error
}

func IdempotencyKey(companyID string, key string) string {
	return fmt.Sprintf("settlement:idem:%s:%s", companyID, key)
}

type NoopSettlementCache struct{}

func (NoopSettlementCache) Get(_ context.Context, _ string) (*domain.SettleResponse, bool, error) {
	return nil, false, nil
}

func (NoopSettlementCache) Set(_ context.Context, _ string, _ *domain.SettleResponse, _ time.Duration) error {
	return nil
}

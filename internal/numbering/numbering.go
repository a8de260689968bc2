// Package numbering produces human-facing transaction numbers.
// Uniqueness is only probable here; the store's unique index has the final word.
package numbering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "TRX"

type Generator interface {
	Next(ctx context.Context) (string, error)
}

// NewID returns an opaque row id such as "pay-3f2b...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// RandomGenerator yields PREFIX-YYYYMMDD-XXXXXXXX.
type RandomGenerator struct {
	prefix string
	now    func() time.Time
}

func NewRandomGenerator(prefix string) *RandomGenerator {
	return &RandomGenerator{prefix: normalizePrefix(prefix), now: time.Now}
}

func (g *RandomGenerator) Next(_ context.Context) (string, error) {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", g.prefix, g.now().UTC().Format("20060102"), suffix), nil
}

// RedisSequenceGenerator yields PREFIX-YYYYMMDD-000042 from a per-day INCR counter.
type RedisSequenceGenerator struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisSequenceGenerator(client redis.Cmdable, prefix string) *RedisSequenceGenerator {
	return &RedisSequenceGenerator{client: client, prefix: normalizePrefix(prefix), now: time.Now}
}

func (g *RedisSequenceGenerator) Next(ctx context.Context) (string, error) {
	day := g.now().UTC().Format("20060102")
	key := fmt.Sprintf("settlement:txn-seq:%s:%s", g.prefix, day)

	seq, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("increment sequence %s: %w", key, err)
	}
	if seq == 1 {
		// keep yesterday's counter around long enough for late retries
		if err := g.client.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
			return "", fmt.Errorf("expire sequence %s: %w", key, err)
		}
	}
	return fmt.Sprintf("%s-%s-%06d", g.prefix, day, seq), nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var dedupeTracer = otel.Tracer("waleads.internal.ingest.dedupe")

// Deduper claims provider message ids so redelivered webhooks are handled
// once. Release gives a claim back after a failed attempt.
type Deduper interface {
	Claim(ctx context.Context, source, providerID string) (bool, error)
	Release(ctx context.Context, source, providerID string) error
}

// RedisDeduper claims ids with SET NX and lets them expire after ttl.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl, prefix: "waleads:inbound:"}
}

func (d *RedisDeduper) key(source, providerID string) string {
	return d.prefix + source + ":" + providerID
}

func (d *RedisDeduper) Claim(ctx context.Context, source, providerID string) (bool, error) {
	ctx, span := dedupeTracer.Start(ctx, "ingest.dedupe.claim")
	defer span.End()
	span.SetAttributes(attribute.String("waleads.source", source))

	ok, err := d.client.SetNX(ctx, d.key(source, providerID), time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("ingest: redis claim: %w", err)
	}
	span.SetAttributes(attribute.Bool("waleads.dedupe.claimed", ok))
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, source, providerID string) error {
	if err := d.client.Del(ctx, d.key(source, providerID)).Err(); err != nil {
		return fmt.Errorf("ingest: redis release: %w", err)
	}
	return nil
}

// processedStore is the Postgres table of handled event ids.
type processedStore interface {
	MarkProcessed(ctx context.Context, source, eventID string) (bool, error)
	Forget(ctx context.Context, source, eventID string) error
}

// TableDeduper claims ids in the processed_events table. Used when Redis
// is not configured.
type TableDeduper struct {
	store processedStore
}

func NewTableDeduper(store processedStore) *TableDeduper {
	return &TableDeduper{store: store}
}

func (d *TableDeduper) Claim(ctx context.Context, source, providerID string) (bool, error) {
	return d.store.MarkProcessed(ctx, source, providerID)
}

func (d *TableDeduper) Release(ctx context.Context, source, providerID string) error {
	return d.store.Forget(ctx, source, providerID)
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inspection/api/internal/logger"
)

// Anchorer is implemented by Client and CachedAnchor.
type Anchorer interface {
	Anchor(ctx context.Context, payload Payload) (Receipt, error)
}

// CachedAnchor remembers receipts by content hash so a retried approval of
// identical bytes does not mint a second asset.
type CachedAnchor struct {
	next   Anchorer
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewCachedAnchor(next Anchorer, client *redis.Client, ttl time.Duration, log *logger.Logger) *CachedAnchor {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedAnchor{
		next:   next,
		client: client,
		prefix: "anchor:",
		ttl:    ttl,
		log:    log.With("component", "AnchorCache"),
	}
}

func (c *CachedAnchor) key(contentHash string) string {
	return c.prefix + contentHash
}

// Anchor returns the cached receipt for payload.ContentHash when present and
// otherwise delegates, caching the result. Cache failures degrade to a
// direct call.
func (c *CachedAnchor) Anchor(ctx context.Context, payload Payload) (Receipt, error) {
	key := c.key(payload.ContentHash)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var receipt Receipt
		if jsonErr := json.Unmarshal(raw, &receipt); jsonErr == nil && receipt.TxRef != "" {
			return receipt, nil
		}
		c.log.Warn("Discarding unreadable anchor cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("Anchor cache lookup failed", "key", key, "error", err.Error())
	}

	receipt, err := c.next.Anchor(ctx, payload)
	if err != nil {
		return Receipt{}, err
	}

	encoded, err := json.Marshal(receipt)
	if err == nil {
		err = c.client.Set(ctx, key, encoded, c.ttl).Err()
	}
	if err != nil {
		c.log.Warn("Anchor cache write failed", "key", key, "error", err.Error())
	}
	return receipt, nil
}

func (c *CachedAnchor) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CachedAnchor) Close() error {
	return c.client.Close()
}

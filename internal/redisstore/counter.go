package redisstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// seedScript raises the counter so the next INCR yields at least ARGV[1]; it never lowers it.
var seedScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local target = tonumber(ARGV[1])
if target > current then
  redis.call("SET", KEYS[1], target)
  return target
end
return current
`)

// Counter hands out derivation indices shared by every process using the same Redis.
type Counter struct {
	client *redis.Client
	prefix string
}

func NewCounter(client *redis.Client) *Counter {
	return &Counter{client: client, prefix: "checkout:derivation_index:"}
}

func (c *Counter) key(coin string) string {
	return c.prefix + strings.ToUpper(coin)
}

// NextIndex claims the next index for coin. Indices start at 0.
func (c *Counter) NextIndex(ctx context.Context, coin string) (int64, error) {
	if coin == "" {
		return 0, fmt.Errorf("coin is required")
	}
	n, err := c.client.Incr(ctx, c.key(coin)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s counter: %w", coin, err)
	}
	index := n - 1
	zap.L().Debug("Derivation index claimed", zap.String("coin", coin), zap.Int64("index", index))
	return index, nil
}

// SeedIndex makes sure the next claimed index is at least next.
func (c *Counter) SeedIndex(ctx context.Context, coin string, next int64) error {
	if err := seedScript.Run(ctx, c.client, []string{c.key(coin)}, next).Err(); err != nil {
		return fmt.Errorf("failed to seed %s counter: %w", coin, err)
	}
	return nil
}

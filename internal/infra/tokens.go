// README: Redis-backed push-token directory. Token registration is owned by
// the accounts service; this side only reads.
package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

type RedisTokenDirectory struct {
	redis *redis.Client
}

func NewRedisTokenDirectory(redis *redis.Client) *RedisTokenDirectory {
	return &RedisTokenDirectory{redis: redis}
}

func (d *RedisTokenDirectory) ActiveTokensFor(ctx context.Context, userID types.ID, role status.Role) ([]string, error) {
	key := fmt.Sprintf("push_tokens:%s:%s", role, userID)
	tokens, err := d.redis.SMembers(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return tokens, err
}

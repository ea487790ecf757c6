package recipients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one set of unsubscribed emails per trigger.
// Params: redis client and key prefix.
// Returns: Store shared by every service replica.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client; Close does not close it.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// DialRedis opens a client and pings it.
func DialRedis(ctx context.Context, options *redis.UniversalOptions) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(options)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(triggerID string) string {
	return s.prefix + "unsubscribed:" + triggerID
}

// Remove adds the email to every trigger set in one MULTI/EXEC.
func (s *RedisStore) Remove(ctx context.Context, email string, triggerIDs ...string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, triggerID := range triggerIDs {
			pipe.SAdd(ctx, s.key(triggerID), email)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record unsubscribe: %w", err)
	}
	return nil
}

// Removed reads the trigger set.
func (s *RedisStore) Removed(ctx context.Context, triggerID string) (map[string]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, s.key(triggerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read unsubscribed: %w", err)
	}
	out := make(map[string]struct{}, len(members))
	for _, email := range members {
		out[email] = struct{}{}
	}
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

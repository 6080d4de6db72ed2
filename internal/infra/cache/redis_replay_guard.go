package cache

import (
	"context"
	"time"

	"app/internal/usecase"

	"github.com/redis/go-redis/v9"
)

// webhook再送の足切り。SetNXが取れた最初の1回だけ通す。
// あくまでベストエフォートで、最終防衛はDBの終端ステータスガード。
type RedisReplayGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisReplayGuard(rdb *redis.Client, ttl time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb, ttl: ttl}
}

func (s *RedisReplayGuard) TryLock(ctx context.Context, scope, key string) (bool, error) {
	return s.rdb.SetNX(ctx, "replay:"+scope+":"+key, "1", s.ttl).Result()
}

// 処理に失敗した通知のロックを返す。再送がまた通れるようにする。
func (s *RedisReplayGuard) Unlock(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, "replay:"+scope+":"+key).Err()
}

var _ usecase.ReplayGuard = (*RedisReplayGuard)(nil)

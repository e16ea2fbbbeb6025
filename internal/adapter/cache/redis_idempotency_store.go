package cache

import (
	"context"
	"errors"
	"time"

	"github.com/aq2208/zalo-notifier/internal/usecase"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps a short in-flight claim per task and a long
// lived done marker once the task was notified.
type RedisIdempotencyStore struct {
	rdb         *redis.Client
	inflightTTL time.Duration
	doneTTL     time.Duration
}

// NewRedisIdempotencyStore: inflightTTL should cover one handler run plus its
// fallback, doneTTL the redelivery window.
func NewRedisIdempotencyStore(rdb *redis.Client, inflightTTL, doneTTL time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, inflightTTL: inflightTTL, doneTTL: doneTTL}
}

func inflightKey(taskID string) string { return "idemp:task:inflight:" + taskID }
func doneKey(taskID string) string     { return "idemp:task:done:" + taskID }

func (s *RedisIdempotencyStore) Claim(ctx context.Context, taskID string) (usecase.ClaimState, error) {
	err := s.rdb.Get(ctx, doneKey(taskID)).Err()
	switch {
	case err == nil:
		return usecase.ClaimDone, nil
	case !errors.Is(err, redis.Nil):
		return usecase.ClaimAcquired, err
	}
	ok, err := s.rdb.SetNX(ctx, inflightKey(taskID), "1", s.inflightTTL).Result()
	if err != nil {
		return usecase.ClaimAcquired, err
	}
	if !ok {
		return usecase.ClaimInProgress, nil
	}
	return usecase.ClaimAcquired, nil
}

// Complete marks the task notified and drops its in-flight claim.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, doneKey(taskID), "1", s.doneTTL)
	pipe.Del(ctx, inflightKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release drops an in-flight claim so a later redelivery is processed again.
func (s *RedisIdempotencyStore) Release(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, inflightKey(taskID)).Err()
}

var _ usecase.IdempotencyStore = (*RedisIdempotencyStore)(nil)

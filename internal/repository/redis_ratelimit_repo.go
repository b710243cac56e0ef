package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisRateLimitKeyPrefix はIPごとのソート済みセットのキー接頭辞。
const redisRateLimitKeyPrefix = "newsletter:ratelimit:"

// RedisRateLimitRepo はRedisのソート済みセットをカウンターストアとして使用する。
// キーはIPごとに1つで、スコアは試行時刻のUnixミリ秒、メンバーは試行ごとに一意な値。
// キーには保持期間のTTLを設定し、アクセスの途絶えたIPのキーは自然に消える。
type RedisRateLimitRepo struct {
	client    redis.Cmdable
	retention time.Duration
}

// NewRedisRateLimitRepo はRedisRateLimitRepoを生成する。
// retentionはキーのTTLとして使用し、0以下の場合はTTLを設定しない。
func NewRedisRateLimitRepo(client redis.Cmdable, retention time.Duration) *RedisRateLimitRepo {
	return &RedisRateLimitRepo{client: client, retention: retention}
}

func rateLimitKey(ipAddress string) string {
	return redisRateLimitKeyPrefix + ipAddress
}

// Record は指定IPの試行を記録する。
func (r *RedisRateLimitRepo) Record(ctx context.Context, ipAddress string, at time.Time) error {
	key := rateLimitKey(ipAddress)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: uuid.NewString(),
		})
		if r.retention > 0 {
			pipe.PExpire(ctx, key, r.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("レート制限記録の作成に失敗しました: %w", err)
	}
	return nil
}

// CountSince は指定IPについて since 以降の試行数を返す。
func (r *RedisRateLimitRepo) CountSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, rateLimitKey(ipAddress), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("レート制限記録の集計に失敗しました: %w", err)
	}
	return int(n), nil
}

// DeleteBefore は全IPのキーを走査し、cutoff より前の試行を削除する。
func (r *RedisRateLimitRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var (
		deleted int64
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisRateLimitKeyPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("レート制限キーの走査に失敗しました: %w", err)
		}
		for _, key := range keys {
			n, err := r.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
			if err != nil {
				return deleted, fmt.Errorf("古いレート制限記録の削除に失敗しました: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// コンパイル時にインターフェースの実装を検証する。
var _ RateLimitRepository = (*RedisRateLimitRepo)(nil)

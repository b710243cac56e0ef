// Package cleanup はレート制限記録（カウンターストア）の保持期間管理ジョブを提供する。
// 保持期間を超過した試行記録を定期的に削除する。削除は冪等で、
// 複数インスタンスで稼働する場合は分散ロックで実行を1台に限定できる。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Deleter は保持期間を超過した試行記録を削除する。
// repository.RateLimitRepository が実装する。
type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker はジョブの排他実行に使う分散ロック。
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Metrics は削除件数を記録する。
type Metrics interface {
	ObserveRecordsDeleted(count int64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRecordsDeleted(int64) {}

// CleanupJob は保持期間を超過した試行記録の削除ジョブ。
type CleanupJob struct {
	store     Deleter
	locker    Locker
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
	Retention time.Duration // 試行記録の保持期間（デフォルト: 24時間）
}

// Option はCleanupJobの任意設定。
type Option func(*CleanupJob)

// WithLocker は分散ロックを設定する。未設定の場合はロックなしで実行する。
func WithLocker(l Locker) Option {
	return func(j *CleanupJob) { j.locker = l }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(j *CleanupJob) { j.metrics = m }
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionが0以下の場合はデフォルトの24時間を使用する。
func NewCleanupJob(store Deleter, retention time.Duration, logger *slog.Logger, opts ...Option) *CleanupJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	j := &CleanupJob{
		store:     store,
		metrics:   nopMetrics{},
		logger:    logger,
		now:       time.Now,
		Retention: retention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start はintervalごとにジョブを実行する。コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("試行記録クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("retention", j.Retention),
	)

	// 起動直後に1回実行
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("試行記録クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過した試行記録を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
// 他のインスタンスがロックを保持している場合は何もせずに nil を返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	if j.locker != nil {
		acquired, err := j.locker.Acquire(ctx)
		if err != nil {
			j.logger.Error("クリーンアップジョブのロック取得に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("ロック取得に失敗: %w", err)
		}
		if !acquired {
			j.logger.Info("他のインスタンスが実行中のためクリーンアップをスキップしました")
			return nil
		}
		defer func() {
			if err := j.locker.Release(context.WithoutCancel(ctx)); err != nil {
				j.logger.Warn("クリーンアップジョブのロック解放に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	cutoff := j.now().Add(-j.Retention)

	deletedCount, err := j.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("試行記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("試行記録クリーンアップの実行に失敗: %w", err)
	}

	j.metrics.ObserveRecordsDeleted(deletedCount)

	duration := time.Since(start)
	j.logger.Info("試行記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

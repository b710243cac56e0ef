// Package notify は購読成立時などの通知メールを非同期に送出する。
// 送信はリクエスト処理から切り離されたゴルーチンで行い、
// シャットダウン時にはCloseで実行中の送信の完了を待つ。
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDispatcherClosed はClose後にタスクを投入した場合に返される。
var ErrDispatcherClosed = errors.New("notify: dispatcher is closed")

// Metrics は通知送信の計測値を記録する。
type Metrics interface {
	ObserveNotification(template, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveNotification(string, string, time.Duration) {}

// Dispatcher はバックグラウンドの送信タスクを管理する。
// 各タスクは呼び出し元のコンテキストとは独立したタイムアウト付きコンテキストで実行される。
type Dispatcher struct {
	logger  *slog.Logger
	metrics Metrics
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher はDispatcherを生成する。
// timeoutが0以下の場合はデフォルト値10秒を使用する。metricsはnilでもよい。
func NewDispatcher(logger *slog.Logger, metrics Metrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Dispatcher{
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// Go はタスクをバックグラウンドで実行する。呼び出し元はブロックしない。
// nameはログとメトリクスのラベルに使用する。失敗はログに記録し、呼び出し元へは伝えない。
func (d *Dispatcher) Go(name string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("停止済みのため通知を破棄しました", slog.String("template", name))
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("通知タスクでパニックが発生しました",
					slog.String("template", name),
					slog.Any("panic", rec),
				)
				d.metrics.ObserveNotification(name, "failed", 0)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		elapsed := time.Since(start)

		if err != nil {
			d.logger.Error("通知の送信に失敗しました",
				slog.String("template", name),
				slog.String("error", err.Error()),
				slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
			)
			d.metrics.ObserveNotification(name, "failed", elapsed)
			return
		}

		d.logger.Info("通知を送信しました",
			slog.String("template", name),
			slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
		)
		d.metrics.ObserveNotification(name, "sent", elapsed)
	}()

	return nil
}

// Close は新規タスクの受け付けを停止し、実行中のタスクの完了を待つ。
// ctxが先に終了した場合はctxのエラーを返す。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

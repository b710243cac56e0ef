package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// mockDeleter はDeleterのモック実装。
type mockDeleter struct {
	called  int
	cutoff  time.Time
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.called++
	m.cutoff = cutoff
	return m.deleted, m.err
}

// mockLocker はLockerのモック実装。
type mockLocker struct {
	acquireFn func(ctx context.Context) (bool, error)
	released  bool
}

func (m *mockLocker) Acquire(ctx context.Context) (bool, error) {
	return m.acquireFn(ctx)
}

func (m *mockLocker) Release(ctx context.Context) error {
	m.released = true
	return nil
}

// mockMetrics はMetricsのモック実装。
type mockMetrics struct {
	deleted int64
}

func (m *mockMetrics) ObserveRecordsDeleted(count int64) { m.deleted += count }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestJob(store Deleter, buf *bytes.Buffer, opts ...Option) *CleanupJob {
	job := NewCleanupJob(store, 24*time.Hour, newTestLogger(buf), opts...)
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{}, 0, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Retention != 24*time.Hour {
		t.Errorf("Retention = %v, want 24h", job.Retention)
	}
}

func TestCleanupJob_Run_DeletesBeforeCutoff(t *testing.T) {
	var buf bytes.Buffer
	store := &mockDeleter{deleted: 5}
	metrics := &mockMetrics{}
	job := newTestJob(store, &buf, WithMetrics(metrics))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if store.called != 1 {
		t.Fatalf("DeleteBefore の呼び出し回数 = %d, want 1", store.called)
	}
	if want := fixedNow.Add(-24 * time.Hour); !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoff, want)
	}
	if metrics.deleted != 5 {
		t.Errorf("メトリクスの削除件数 = %d, want 5", metrics.deleted)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockDeleter{deleted: 42}, &buf)

	_ = job.Run(context.Background())

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_count"] == float64(42) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockDeleter{err: sql.ErrConnDone}, &buf)

	err := job.Run(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("Run() = %v, want wrapped sql.ErrConnDone", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("ERRORレベルのログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	store := &mockDeleter{}
	job := newTestJob(store, &buf)

	for i := 0; i < 3; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() %d回目がエラーを返した: %v", i+1, err)
		}
	}
	if store.called != 3 {
		t.Errorf("DeleteBefore の呼び出し回数 = %d, want 3", store.called)
	}
}

func TestCleanupJob_Run_WithLocker(t *testing.T) {
	t.Run("ロック取得時は実行して解放する", func(t *testing.T) {
		var buf bytes.Buffer
		store := &mockDeleter{}
		locker := &mockLocker{acquireFn: func(ctx context.Context) (bool, error) { return true, nil }}
		job := newTestJob(store, &buf, WithLocker(locker))

		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() がエラーを返した: %v", err)
		}
		if store.called != 1 {
			t.Error("ロック取得後に削除が実行されていない")
		}
		if !locker.released {
			t.Error("ロックが解放されていない")
		}
	})

	t.Run("他インスタンスが保持中はスキップする", func(t *testing.T) {
		var buf bytes.Buffer
		store := &mockDeleter{}
		locker := &mockLocker{acquireFn: func(ctx context.Context) (bool, error) { return false, nil }}
		job := newTestJob(store, &buf, WithLocker(locker))

		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() がエラーを返した: %v", err)
		}
		if store.called != 0 {
			t.Error("ロック未取得時に削除が実行された")
		}
		if locker.released {
			t.Error("取得していないロックを解放してはならない")
		}
	})

	t.Run("ロック取得エラー", func(t *testing.T) {
		var buf bytes.Buffer
		store := &mockDeleter{}
		locker := &mockLocker{acquireFn: func(ctx context.Context) (bool, error) {
			return false, errors.New("redis down")
		}}
		job := newTestJob(store, &buf, WithLocker(locker))

		if err := job.Run(context.Background()); err == nil {
			t.Fatal("ロック取得エラー時に Run() は nil でないエラーを返すべき")
		}
		if store.called != 0 {
			t.Error("ロック取得エラー時に削除が実行された")
		}
	})
}

func TestStart_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	store := &mockDeleter{}
	job := newTestJob(store, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
	if store.called != 1 {
		t.Errorf("起動直後の実行回数 = %d, want 1", store.called)
	}
}

// --- RedisLock ---

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "ratelimit-cleanup", time.Minute)
	second := NewRedisLock(client, "ratelimit-cleanup", time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("1つ目のロック取得 = %v, %v, want true, nil", ok, err)
	}

	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("2つ目のロック取得がエラーを返した: %v", err)
	}
	if ok {
		t.Fatal("保持中のロックを別インスタンスが取得できてはならない")
	}

	// 保持者でないインスタンスの解放はロックに影響しない
	if err := second.Release(ctx); err != nil {
		t.Fatalf("Release がエラーを返した: %v", err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("非保持者の Release でロックが解放された")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release がエラーを返した: %v", err)
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Error("解放後にロックを取得できない")
	}
}

func TestRedisLock_WithCleanupJob(t *testing.T) {
	client := newTestRedis(t)

	var buf bytes.Buffer
	store := &mockDeleter{deleted: 3}
	job := newTestJob(store, &buf, WithLocker(NewRedisLock(client, "ratelimit-cleanup", time.Minute)))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() 2回目がエラーを返した: %v", err)
	}
	if store.called != 2 {
		t.Errorf("実行後にロックが解放されていない: 呼び出し回数 = %d, want 2", store.called)
	}
}

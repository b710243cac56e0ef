package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRateLimitRepo はnewsletter_rate_limitsテーブルをカウンターストアとして使用する。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// Record は指定IPの試行を記録する。
func (r *PostgresRateLimitRepo) Record(ctx context.Context, ipAddress string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO newsletter_rate_limits (ip_address, created_at) VALUES ($1, $2)`,
		ipAddress, at,
	)
	if err != nil {
		return fmt.Errorf("レート制限記録の作成に失敗しました: %w", err)
	}
	return nil
}

// CountSince は指定IPについて since 以降の試行数を返す。
func (r *PostgresRateLimitRepo) CountSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM newsletter_rate_limits
		 WHERE ip_address = $1 AND created_at >= $2`,
		ipAddress, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("レート制限記録の集計に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteBefore は cutoff より前の試行記録を削除する。
func (r *PostgresRateLimitRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM newsletter_rate_limits WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いレート制限記録の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// コンパイル時にインターフェースの実装を検証する。
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)

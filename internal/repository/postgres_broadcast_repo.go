package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/advogando/enfermagem/internal/model"
)

// PostgresBroadcastRepo はPostgreSQLを使用した配信記録リポジトリ。
type PostgresBroadcastRepo struct {
	db *sql.DB
}

// NewPostgresBroadcastRepo はPostgresBroadcastRepoを生成する。
func NewPostgresBroadcastRepo(db *sql.DB) *PostgresBroadcastRepo {
	return &PostgresBroadcastRepo{db: db}
}

// Create は配信記録を作成する。PostIDの一意制約により同じ記事の二重配信を防ぐ。
func (r *PostgresBroadcastRepo) Create(ctx context.Context, b *model.Broadcast) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO newsletter_broadcasts (id, post_id, title, sent_count, failed_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.PostID, b.Title, b.SentCount, b.FailedCount, b.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBroadcast
		}
		return fmt.Errorf("配信記録の作成に失敗しました: %w", err)
	}
	return nil
}

// Exists は指定PostIDの配信記録が存在するかを返す。
func (r *PostgresBroadcastRepo) Exists(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM newsletter_broadcasts WHERE post_id = $1)`,
		postID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("配信記録の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// UpdateStats は配信記録の送信成功数と失敗数を更新する。
func (r *PostgresBroadcastRepo) UpdateStats(ctx context.Context, postID string, sent, failed int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE newsletter_broadcasts SET sent_count = $2, failed_count = $3 WHERE post_id = $1`,
		postID, sent, failed,
	)
	if err != nil {
		return fmt.Errorf("配信記録の更新に失敗しました: %w", err)
	}
	return nil
}

// コンパイル時にインターフェースの実装を検証する。
var _ BroadcastRepository = (*PostgresBroadcastRepo)(nil)

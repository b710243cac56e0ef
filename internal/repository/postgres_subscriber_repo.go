package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/advogando/enfermagem/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// Create は購読者を作成する。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, s *model.Subscriber) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO newsletter_subscribers (id, email, is_active, created_at)
		 VALUES ($1, $2, $3, $4)`,
		s.ID, s.Email, s.IsActive, s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	return nil
}

// ListActiveEmails は有効な購読者のメールアドレスを登録順に返す。
func (r *PostgresSubscriberRepo) ListActiveEmails(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT email FROM newsletter_subscribers
		 WHERE is_active = true
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("有効な購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("購読者行のスキャンに失敗しました: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者行の反復処理に失敗しました: %w", err)
	}
	return emails, nil
}

// isUniqueViolation はエラーが一意制約違反（23505）かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// コンパイル時にインターフェースの実装を検証する。
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)

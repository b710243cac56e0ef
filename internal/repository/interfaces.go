// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/advogando/enfermagem/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスの購読者が既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("subscriber email already exists")

// ErrDuplicateBroadcast は同じ記事の配信記録が既に存在する場合に返される。
var ErrDuplicateBroadcast = errors.New("broadcast for post already exists")

// SubscriberRepository はニュースレター購読者の永続化インターフェース。
type SubscriberRepository interface {
	// Create は購読者を作成する。
	// メールアドレスが一意制約に違反した場合は ErrDuplicateEmail を返す。
	Create(ctx context.Context, subscriber *model.Subscriber) error

	// ListActiveEmails は有効な購読者のメールアドレスを登録順に返す。
	ListActiveEmails(ctx context.Context) ([]string, error)
}

// RateLimitRepository はIPアドレスごとの購読試行記録（カウンターストア）のインターフェース。
// PostgreSQL実装とRedis実装がある。
type RateLimitRepository interface {
	// Record は指定IPの試行を時刻atで記録する。
	Record(ctx context.Context, ipAddress string, at time.Time) error

	// CountSince は指定IPについて since 以降（sinceを含む）に記録された試行数を返す。
	CountSince(ctx context.Context, ipAddress string, since time.Time) (int, error)

	// DeleteBefore は cutoff より前に記録された試行を全IPについて削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BroadcastRepository は記事告知の配信記録の永続化インターフェース。
type BroadcastRepository interface {
	// Create は配信記録を作成する。
	// 同じPostIDの記録が既に存在する場合は ErrDuplicateBroadcast を返す。
	Create(ctx context.Context, broadcast *model.Broadcast) error

	// Exists は指定PostIDの配信記録が存在するかを返す。
	Exists(ctx context.Context, postID string) (bool, error)

	// UpdateStats は配信記録の送信成功数と失敗数を更新する。
	UpdateStats(ctx context.Context, postID string, sent, failed int) error
}

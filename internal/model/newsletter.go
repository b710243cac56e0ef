// Package model はドメインモデルを定義する。
package model

import "time"

// Subscriber はニュースレター購読者を表す。
// Emailは正規化（trim + 小文字化）済みで、全購読者の中で一意である。
type Subscriber struct {
	ID        string
	Email     string
	IsActive  bool
	CreatedAt time.Time
}

// RateLimitRecord はIPアドレスごとの購読試行の記録を表す。
// 作成後に更新されることはなく、保持期間を過ぎたものはクリーンアップジョブが削除する。
type RateLimitRecord struct {
	IPAddress string
	CreatedAt time.Time
}

// PostAnnouncement はブログ記事の公開をニュースレターで告知するためのペイロード。
type PostAnnouncement struct {
	PostID           string `json:"post_id"`
	Title            string `json:"title"`
	Slug             string `json:"slug"`
	Excerpt          string `json:"excerpt"`
	FeaturedImageURL string `json:"featured_image_url"`
}

// Broadcast は記事告知の送信記録を表す。
// PostIDは一意で、同じ記事が二重に配信されることを防ぐ。
type Broadcast struct {
	ID          string
	PostID      string
	Title       string
	SentCount   int
	FailedCount int
	CreatedAt   time.Time
}

// BroadcastStats は記事告知の送信結果の集計。
type BroadcastStats struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// ContactRequest はお問い合わせフォームの入力を表す。
// 全ての文字列はバリデーション時にtrimされる。
type ContactRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Message    string `json:"message"`
	Newsletter bool   `json:"newsletter"`
}

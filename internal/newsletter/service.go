// Package newsletter はニュースレター購読のドメインロジックを提供する。
//
// 購読処理は レート制限確認 → 入力検証 → 永続化 → 試行記録 → 通知 の順に進む。
// 永続化より前の段階はいずれも拒否で打ち切られる。試行記録と通知は
// ベストエフォートで、失敗しても購読結果には影響しない。
package newsletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/advogando/enfermagem/internal/logger"
	"github.com/advogando/enfermagem/internal/model"
	"github.com/advogando/enfermagem/internal/repository"
	"github.com/advogando/enfermagem/internal/validation"
)

// 購読結果のメトリクスラベル。
const (
	OutcomeSubscribed   = "subscribed"
	OutcomeRateLimited  = "rate_limited"
	OutcomeInvalidInput = "invalid_input"
	OutcomeDuplicate    = "duplicate"
	OutcomeError        = "error"
)

// Notifier は購読成立後の通知を非同期に送出する。
// 実装は呼び出し元をブロックしてはならない。
type Notifier interface {
	SubscriberJoined(email string, at time.Time)
}

// Metrics は購読処理の計測値を記録する。
type Metrics interface {
	ObserveSubscription(outcome string)
	ObserveRateLimitStoreError(op string)
}

// Config はサービスの動作パラメータ。
type Config struct {
	// RateLimitMax はウィンドウ内で許可する試行数。この数に達すると拒否する。
	RateLimitMax int
	// RateLimitWindow はIPごとに試行数を数える期間。
	RateLimitWindow time.Duration
	// CountAllAttempts がtrueの場合、レート制限を通過した全ての試行を記録する。
	// falseの場合は購読が成立した試行のみを記録する。
	CountAllAttempts bool
	// CallTimeout はストアへの呼び出しごとのタイムアウト。
	CallTimeout time.Duration
}

// SubscribeInput は購読リクエストの入力。
type SubscribeInput struct {
	ClientIP string
	Body     []byte
}

// Service はニュースレター購読のサービス層。
type Service struct {
	subscribers repository.SubscriberRepository
	rateLimits  repository.RateLimitRepository
	notifier    Notifier
	metrics     Metrics
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithNotifier は購読成立時の通知先を設定する。
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subscribers repository.SubscriberRepository,
	rateLimits repository.RateLimitRepository,
	cfg Config,
	opts ...Option,
) *Service {
	s := &Service{
		subscribers: subscribers,
		rateLimits:  rateLimits,
		notifier:    nopNotifier{},
		metrics:     nopMetrics{},
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.CallTimeout <= 0 {
		s.cfg.CallTimeout = 5 * time.Second
	}
	return s
}

// Subscribe は購読リクエストを処理する。
// 失敗時は *model.APIError を返す。
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*model.Subscriber, error) {
	now := s.now()

	if err := s.checkRateLimit(ctx, in.ClientIP, now); err != nil {
		return nil, err
	}

	if s.cfg.CountAllAttempts {
		s.recordAttempt(ctx, in.ClientIP, now)
	}

	email, ok := parseEmail(in.Body)
	if !ok {
		s.metrics.ObserveSubscription(OutcomeInvalidInput)
		return nil, model.NewInvalidEmailError()
	}

	sub, err := s.create(ctx, email, now)
	if err != nil {
		return nil, err
	}

	if !s.cfg.CountAllAttempts {
		s.recordAttempt(ctx, in.ClientIP, now)
	}

	s.notifier.SubscriberJoined(sub.Email, now)

	s.logger.Info("ニュースレターの購読を登録しました",
		slog.String("email", logger.RedactEmail(sub.Email)),
		slog.String("client_ip", in.ClientIP),
	)
	return sub, nil
}

// Enroll はレート制限を経由せずにメールアドレスを購読者として登録する。
// お問い合わせフォームのニュースレター同意など、別経路で検証済みの入力に使用する。
func (s *Service) Enroll(ctx context.Context, rawEmail string) (*model.Subscriber, error) {
	email, ok := validation.NormalizeEmail(rawEmail)
	if !ok {
		s.metrics.ObserveSubscription(OutcomeInvalidInput)
		return nil, model.NewInvalidEmailError()
	}

	now := s.now()
	sub, err := s.create(ctx, email, now)
	if err != nil {
		return nil, err
	}
	s.notifier.SubscriberJoined(sub.Email, now)
	return sub, nil
}

// checkRateLimit はIPの試行数がしきい値に達していないかを確認する。
// カウンターストアの読み取りに失敗した場合はログに記録して通過させる。
func (s *Service) checkRateLimit(ctx context.Context, clientIP string, now time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	count, err := s.rateLimits.CountSince(callCtx, clientIP, now.Add(-s.cfg.RateLimitWindow))
	if err != nil {
		s.metrics.ObserveRateLimitStoreError("count")
		s.logger.Error("レート制限の確認に失敗したため処理を続行します",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if count >= s.cfg.RateLimitMax {
		s.metrics.ObserveSubscription(OutcomeRateLimited)
		s.logger.Warn("ニュースレター購読のレート制限を超過しました",
			slog.String("client_ip", clientIP),
			slog.Int("attempts_in_window", count),
		)
		return model.NewRateLimitedError()
	}
	return nil
}

// create は購読者を永続化する。一意制約違反は重複エラーに変換する。
func (s *Service) create(ctx context.Context, email string, now time.Time) (*model.Subscriber, error) {
	sub := &model.Subscriber{
		ID:        s.newID(),
		Email:     email,
		IsActive:  true,
		CreatedAt: now,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := s.subscribers.Create(callCtx, sub); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.ObserveSubscription(OutcomeDuplicate)
			return nil, model.NewDuplicateEmailError()
		}
		s.metrics.ObserveSubscription(OutcomeError)
		s.logger.Error("購読者の登録に失敗しました",
			slog.String("email", logger.RedactEmail(email)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSubscriptionFailedError()
	}

	s.metrics.ObserveSubscription(OutcomeSubscribed)
	return sub, nil
}

// recordAttempt は試行をカウンターストアに記録する。
// リクエストのキャンセルとは切り離して実行し、失敗はログのみに残す。
func (s *Service) recordAttempt(ctx context.Context, clientIP string, now time.Time) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
	defer cancel()

	if err := s.rateLimits.Record(callCtx, clientIP, now); err != nil {
		s.metrics.ObserveRateLimitStoreError("record")
		s.logger.Error("レート制限の試行記録に失敗しました",
			slog.String("client_ip", clientIP),
			slog.String("error", err.Error()),
		)
	}
}

// parseEmail はJSONボディからemailを取り出して正規化する。
// emailが文字列でない場合や形式が不正な場合は ok=false を返す。
func parseEmail(body []byte) (string, bool) {
	var payload struct {
		Email any `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	raw, isString := payload.Email.(string)
	if !isString {
		return "", false
	}
	return validation.NormalizeEmail(raw)
}

type nopNotifier struct{}

func (nopNotifier) SubscriberJoined(string, time.Time) {}

type nopMetrics struct{}

func (nopMetrics) ObserveSubscription(string)        {}
func (nopMetrics) ObserveRateLimitStoreError(string) {}

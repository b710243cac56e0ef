// Package broadcast はブログ記事の公開をニュースレター購読者へ告知する機能を提供する。
//
// 告知は記事ごとに1回のみ配信される。配信記録の一意制約で二重配信を防ぎ、
// 購読者ごとの送信失敗はバッチ全体を中断せずに件数として集計する。
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/advogando/enfermagem/internal/logger"
	"github.com/advogando/enfermagem/internal/mailer"
	"github.com/advogando/enfermagem/internal/model"
	"github.com/advogando/enfermagem/internal/repository"
	"github.com/advogando/enfermagem/internal/security"
)

// defaultImagePath はアイキャッチ画像が未指定の場合に使う画像のパス。
const defaultImagePath = "/images/hero-nurses.webp"

// Metrics は告知配信の計測値を記録する。
type Metrics interface {
	ObserveBroadcast(successful, failed int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveBroadcast(int, int) {}

// Result は告知配信の結果。購読者がいない場合Statsはnil。
type Result struct {
	Message string
	Stats   *model.BroadcastStats
}

// Config はサービスの動作パラメータ。
type Config struct {
	SiteURL     string
	From        string
	Concurrency int
	// SendTimeout は1通ごとの送信タイムアウト。
	SendTimeout time.Duration
}

// Service は記事告知のサービス層。
type Service struct {
	subscribers repository.SubscriberRepository
	broadcasts  repository.BroadcastRepository
	sender      mailer.Sender
	renderer    *mailer.Renderer
	sanitizer   security.ExcerptSanitizer
	cfg         Config
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService はServiceを生成する。senderがnilの場合、Announceは常に失敗する。
func NewService(
	subscribers repository.SubscriberRepository,
	broadcasts repository.BroadcastRepository,
	sender mailer.Sender,
	renderer *mailer.Renderer,
	sanitizer security.ExcerptSanitizer,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")

	s := &Service{
		subscribers: subscribers,
		broadcasts:  broadcasts,
		sender:      sender,
		renderer:    renderer,
		sanitizer:   sanitizer,
		cfg:         cfg,
		metrics:     nopMetrics{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate は告知ペイロードを検証する。タイトルとスラッグは必須。
func Validate(ann model.PostAnnouncement) map[string][]string {
	details := map[string][]string{}
	if strings.TrimSpace(ann.Title) == "" {
		details["title"] = append(details["title"], "Título é obrigatório")
	}
	if strings.TrimSpace(ann.Slug) == "" {
		details["slug"] = append(details["slug"], "Slug é obrigatório")
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// Announce は記事の公開を全ての有効な購読者へ告知する。失敗時は *model.APIError を返す。
// 購読者がいない場合は配信記録を作成せずに成功を返す。
func (s *Service) Announce(ctx context.Context, ann model.PostAnnouncement) (*Result, error) {
	if details := Validate(ann); details != nil {
		return nil, model.NewInvalidAnnouncementError(details)
	}
	ann.Title = strings.TrimSpace(ann.Title)
	ann.Slug = strings.Trim(strings.TrimSpace(ann.Slug), "/")
	if strings.TrimSpace(ann.PostID) == "" {
		ann.PostID = ann.Slug
	}

	if s.sender == nil {
		s.logger.Error("メール送信が設定されていないため記事告知を配信できません",
			slog.String("post_id", ann.PostID),
		)
		return nil, model.NewBroadcastFailedError()
	}

	recipients, err := s.subscribers.ListActiveEmails(ctx)
	if err != nil {
		s.logger.Error("購読者一覧の取得に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewBroadcastFailedError()
	}
	if len(recipients) == 0 {
		s.logger.Info("有効な購読者がいないため記事告知をスキップしました",
			slog.String("post_id", ann.PostID),
		)
		return &Result{Message: "No subscribers to notify"}, nil
	}

	if err := s.broadcasts.Create(ctx, &model.Broadcast{
		ID:        uuid.NewString(),
		PostID:    ann.PostID,
		Title:     ann.Title,
		CreatedAt: s.now(),
	}); err != nil {
		if errors.Is(err, repository.ErrDuplicateBroadcast) {
			return nil, model.NewAlreadyBroadcastError(ann.PostID)
		}
		s.logger.Error("配信記録の作成に失敗しました",
			slog.String("post_id", ann.PostID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewBroadcastFailedError()
	}

	stats, err := s.deliver(ctx, ann, recipients)
	if err != nil {
		s.logger.Error("記事告知のレンダリングに失敗しました",
			slog.String("post_id", ann.PostID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewBroadcastFailedError()
	}

	if err := s.broadcasts.UpdateStats(context.WithoutCancel(ctx), ann.PostID, stats.Successful, stats.Failed); err != nil {
		s.logger.Warn("配信結果の記録に失敗しました",
			slog.String("post_id", ann.PostID),
			slog.String("error", err.Error()),
		)
	}
	s.metrics.ObserveBroadcast(stats.Successful, stats.Failed)

	s.logger.Info("記事告知を配信しました",
		slog.String("post_id", ann.PostID),
		slog.Int("successful", stats.Successful),
		slog.Int("failed", stats.Failed),
		slog.Int("total", stats.Total),
	)

	return &Result{
		Message: fmt.Sprintf("Newsletter enviada para %d inscritos", stats.Successful),
		Stats:   stats,
	}, nil
}

// AlreadyAnnounced は指定PostIDの記事が配信済みかを返す。
func (s *Service) AlreadyAnnounced(ctx context.Context, postID string) (bool, error) {
	return s.broadcasts.Exists(ctx, postID)
}

// deliver は購読者ごとに告知メールを送信する。
// semaphoreパターンで同時送信数を制御し、個別の失敗は件数として集計する。
func (s *Service) deliver(ctx context.Context, ann model.PostAnnouncement, recipients []string) (*model.BroadcastStats, error) {
	data := map[string]any{
		"title":        ann.Title,
		"post_url":     s.cfg.SiteURL + "/blog/" + ann.Slug,
		"image_url":    s.imageURL(ann.FeaturedImageURL),
		"excerpt_html": s.sanitizer.Sanitize(ann.Excerpt),
	}
	rendered, err := s.renderer.Render(mailer.TemplatePostAnnouncement, data)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		stats = &model.BroadcastStats{Total: len(recipients)}
		sem   = make(chan struct{}, s.cfg.Concurrency)
		wg    sync.WaitGroup
	)

	for _, email := range recipients {
		wg.Add(1)
		sem <- struct{}{}

		go func(to string) {
			defer wg.Done()
			defer func() { <-sem }()

			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()

			err := s.sender.Send(sendCtx, mailer.Message{
				From:    s.cfg.From,
				To:      []string{to},
				Subject: rendered.Subject,
				HTML:    rendered.HTML,
				Text:    rendered.Text,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.Warn("記事告知の送信に失敗しました",
					slog.String("email", logger.RedactEmail(to)),
					slog.String("error", err.Error()),
				)
				return
			}
			stats.Successful++
		}(email)
	}

	wg.Wait()
	return stats, nil
}

// imageURL はアイキャッチ画像のURLを絶対URLにする。
func (s *Service) imageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return s.cfg.SiteURL + defaultImagePath
	case strings.HasPrefix(raw, "http"):
		return raw
	case strings.HasPrefix(raw, "/"):
		return s.cfg.SiteURL + raw
	default:
		return s.cfg.SiteURL + "/" + raw
	}
}

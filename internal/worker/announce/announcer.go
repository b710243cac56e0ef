// Package announce はブログのRSSフィードを定期的に取得し、
// 新しい記事をニュースレター購読者へ告知するバックグラウンド処理を提供する。
package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/advogando/enfermagem/internal/broadcast"
	"github.com/advogando/enfermagem/internal/model"
)

// フィード取得結果のメトリクスラベル。
const (
	OutcomeOK          = "ok"
	OutcomeNotModified = "not_modified"
	OutcomeError       = "error"
)

// Broadcaster は記事告知の配信を行う。broadcast.Service が実装する。
type Broadcaster interface {
	AlreadyAnnounced(ctx context.Context, postID string) (bool, error)
	Announce(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error)
}

// Metrics はフィード取得の計測値を記録する。
type Metrics interface {
	ObserveFeedFetch(outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveFeedFetch(string, time.Duration) {}

// Config はAnnouncerの動作パラメータ。
type Config struct {
	FeedURL string
	// MaxAge より前に公開された記事は告知しない。
	MaxAge      time.Duration
	MaxBodySize int64
	// RetryBase はバックオフの初期待機時間。
	RetryBase time.Duration
}

// Announcer はブログフィードの新着記事を告知する。
type Announcer struct {
	client      *http.Client
	broadcaster Broadcaster
	cfg         Config
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	state fetchState
}

// NewAnnouncer はAnnouncerを生成する。clientにはSSRF防止付きのクライアントを渡す。
func NewAnnouncer(client *http.Client, broadcaster Broadcaster, cfg Config, metrics Metrics, logger *slog.Logger) *Announcer {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 72 * time.Hour
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 * 1024 * 1024
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 15 * time.Minute
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Announcer{
		client:      client,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Start はintervalごとにフィードを取得する。コンテキストがキャンセルされるまで実行を継続する。
func (a *Announcer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("記事告知ワーカーを開始しました",
		slog.String("feed_url", a.cfg.FeedURL),
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	a.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("記事告知ワーカーを停止しました")
			return
		case <-ticker.C:
			a.runAndLog(ctx)
		}
	}
}

func (a *Announcer) runAndLog(ctx context.Context) {
	if err := a.RunOnce(ctx); err != nil {
		a.logger.Error("記事告知サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はフィードを1回取得し、未告知の新着記事を古い順に告知する。
// バックオフ中の場合は何もしない。
func (a *Announcer) RunOnce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.state.due(now) {
		a.logger.Info("バックオフ中のためフィード取得をスキップしました",
			slog.Time("next_fetch_at", a.state.nextFetchAt),
		)
		return nil
	}

	start := time.Now()
	feed, err := a.fetch(ctx)
	duration := time.Since(start)
	if err != nil {
		a.metrics.ObserveFeedFetch(OutcomeError, duration)
		return err
	}
	if feed == nil {
		a.metrics.ObserveFeedFetch(OutcomeNotModified, duration)
		a.logger.Info("フィードは未変更です（304）",
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return nil
	}
	a.metrics.ObserveFeedFetch(OutcomeOK, duration)

	announced := 0
	for _, ann := range a.candidates(feed.Items, now) {
		ok, err := a.announce(ctx, ann)
		if err != nil {
			a.logger.Error("記事告知に失敗しました",
				slog.String("post_id", ann.PostID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			announced++
		}
	}

	a.logger.Info("記事告知サイクルが完了しました",
		slog.Int("item_count", len(feed.Items)),
		slog.Int("announced", announced),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// fetch はフィードを取得してパースする。未変更（304）の場合は nil, nil を返す。
func (a *Announcer) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "AdvogandoNewsletter/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if a.state.etag != "" {
		req.Header.Set("If-None-Match", a.state.etag)
	}
	if a.state.lastModified != "" {
		req.Header.Set("If-Modified-Since", a.state.lastModified)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.state.applyBackoff(a.now(), a.cfg.RetryBase)
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultNotModified:
		a.state.applySuccess()
		return nil, nil
	case FetchResultBackoff:
		a.state.applyBackoff(a.now(), a.cfg.RetryBase)
		return nil, fmt.Errorf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode)
	default:
		return nil, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBodySize))
	if err != nil {
		a.state.applyBackoff(a.now(), a.cfg.RetryBase)
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		a.state.applyBackoff(a.now(), a.cfg.RetryBase)
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	a.state.applySuccess()
	a.state.etag = resp.Header.Get("ETag")
	a.state.lastModified = resp.Header.Get("Last-Modified")
	return feed, nil
}

// candidates は告知対象となる記事を公開日時の古い順に返す。
// 公開日時が不明な記事とMaxAgeより古い記事は対象外とする。
func (a *Announcer) candidates(items []*gofeed.Item, now time.Time) []model.PostAnnouncement {
	type dated struct {
		ann model.PostAnnouncement
		at  time.Time
	}

	var list []dated
	for _, item := range items {
		published := publishedAt(item)
		if published.IsZero() || now.Sub(published) > a.cfg.MaxAge {
			continue
		}
		ann, ok := toAnnouncement(item)
		if !ok {
			continue
		}
		list = append(list, dated{ann: ann, at: published})
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })

	out := make([]model.PostAnnouncement, len(list))
	for i, d := range list {
		out[i] = d.ann
	}
	return out
}

// announce は未告知の記事を告知する。告知した場合は true を返す。
func (a *Announcer) announce(ctx context.Context, ann model.PostAnnouncement) (bool, error) {
	exists, err := a.broadcaster.AlreadyAnnounced(ctx, ann.PostID)
	if err != nil {
		return false, fmt.Errorf("配信記録の確認に失敗: %w", err)
	}
	if exists {
		return false, nil
	}

	res, err := a.broadcaster.Announce(ctx, ann)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == model.KindAlreadyBroadcast {
			return false, nil
		}
		return false, err
	}

	a.logger.Info("新着記事を告知しました",
		slog.String("post_id", ann.PostID),
		slog.String("title", ann.Title),
		slog.String("result", res.Message),
	)
	return true, nil
}

func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

// toAnnouncement はフィードの記事を告知ペイロードに変換する。
// PostIDにはGUIDを、GUIDがない場合はリンクを使用する。スラッグはリンクの最終パスセグメント。
func toAnnouncement(item *gofeed.Item) (model.PostAnnouncement, bool) {
	slug := slugFromLink(item.Link)
	if slug == "" || strings.TrimSpace(item.Title) == "" {
		return model.PostAnnouncement{}, false
	}

	postID := strings.TrimSpace(item.GUID)
	if postID == "" {
		postID = item.Link
	}

	return model.PostAnnouncement{
		PostID:           postID,
		Title:            strings.TrimSpace(item.Title),
		Slug:             slug,
		Excerpt:          item.Description,
		FeaturedImageURL: imageOf(item),
	}, true
}

func slugFromLink(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func imageOf(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}

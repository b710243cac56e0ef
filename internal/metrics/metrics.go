// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// サービス層・通知ディスパッチャー・ワーカーが各自の小さなインターフェース経由で利用する。
type Collector struct {
	subscriptions       *prometheus.CounterVec
	rateLimitStoreErrs  *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	notificationLatency prometheus.Histogram
	broadcastRecipients *prometheus.CounterVec
	contactRequests     *prometheus.CounterVec
	recordsDeleted      prometheus.Counter
	feedFetches         *prometheus.CounterVec
	feedFetchLatency    prometheus.Histogram
	httpRequests        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_newsletter_subscriptions_total",
			Help: "ニュースレター購読リクエストの結果別の合計数",
		}, []string{"outcome"}),
		rateLimitStoreErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_ratelimit_store_errors_total",
			Help: "カウンターストア操作の失敗数",
		}, []string{"op"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_notifications_total",
			Help: "通知メール送信のテンプレート・結果別の合計数",
		}, []string{"template", "outcome"}),
		notificationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "advogando_notification_latency_seconds",
			Help:    "通知メール送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		broadcastRecipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_broadcast_recipients_total",
			Help: "記事告知の宛先別送信結果の合計数",
		}, []string{"outcome"}),
		contactRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_contact_requests_total",
			Help: "お問い合わせフォーム送信の結果別の合計数",
		}, []string{"outcome"}),
		recordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "advogando_ratelimit_records_deleted_total",
			Help: "保持期間を過ぎて削除されたレート制限記録の合計数",
		}),
		feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_feed_fetches_total",
			Help: "ブログフィード取得の結果別の合計数",
		}, []string{"outcome"}),
		feedFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "advogando_feed_fetch_latency_seconds",
			Help:    "ブログフィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advogando_http_requests_total",
			Help: "HTTPステータスコード・メソッド別のレスポンス数",
		}, []string{"code", "method"}),
	}

	reg.MustRegister(
		c.subscriptions,
		c.rateLimitStoreErrs,
		c.notifications,
		c.notificationLatency,
		c.broadcastRecipients,
		c.contactRequests,
		c.recordsDeleted,
		c.feedFetches,
		c.feedFetchLatency,
		c.httpRequests,
	)

	return c
}

// ObserveSubscription は購読リクエストの結果を記録する。
func (c *Collector) ObserveSubscription(outcome string) {
	c.subscriptions.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitStoreError はカウンターストア操作の失敗を記録する。
func (c *Collector) ObserveRateLimitStoreError(op string) {
	c.rateLimitStoreErrs.WithLabelValues(op).Inc()
}

// ObserveNotification は通知メール1通の送信結果とレイテンシを記録する。
func (c *Collector) ObserveNotification(template, outcome string, duration time.Duration) {
	c.notifications.WithLabelValues(template, outcome).Inc()
	c.notificationLatency.Observe(duration.Seconds())
}

// ObserveBroadcast は記事告知の送信結果を記録する。
func (c *Collector) ObserveBroadcast(successful, failed int) {
	c.broadcastRecipients.WithLabelValues("sent").Add(float64(successful))
	c.broadcastRecipients.WithLabelValues("failed").Add(float64(failed))
}

// ObserveContact はお問い合わせフォーム送信の結果を記録する。
func (c *Collector) ObserveContact(outcome string) {
	c.contactRequests.WithLabelValues(outcome).Inc()
}

// ObserveRecordsDeleted はクリーンアップで削除された記録数を記録する。
func (c *Collector) ObserveRecordsDeleted(count int64) {
	c.recordsDeleted.Add(float64(count))
}

// ObserveFeedFetch はブログフィード取得の結果とレイテンシを記録する。
func (c *Collector) ObserveFeedFetch(outcome string, duration time.Duration) {
	c.feedFetches.WithLabelValues(outcome).Inc()
	c.feedFetchLatency.Observe(duration.Seconds())
}

// Middleware はHTTPレスポンスをステータスコード・メソッド別に数えるミドルウェアを返す。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(c.httpRequests, next)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

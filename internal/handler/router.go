package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AllowedOrigins     []string
	ContactRateLimiter *middleware.RateLimiter
	// Metrics がnilでない場合、リクエスト数を計測し /metrics を公開する。
	Metrics        func(next http.Handler) http.Handler
	MetricsHandler http.Handler

	HealthChecker HealthChecker

	NewsletterService NewsletterServiceInterface
	ContactService    ContactServiceInterface

	// BroadcastService がnilの場合、/send-newsletter は登録しない。
	BroadcastService BroadcastServiceInterface
	BroadcastAPIKey  string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → Metrics → (ルートごと) OriginGuard → RateLimit
//
// /newsletter-subscribe と /contact はメソッド判定をOriginGuardで行うため全メソッドで登録する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, model.NewMethodNotAllowedError())
	})

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 購読: サイトからのリクエストとサーバー間呼び出しを許可
	newsletterHandler := NewNewsletterHandler(deps.NewsletterService)
	r.With(middleware.NewOriginGuard(deps.AllowedOrigins, middleware.OriginGuardOptions{
		AllowServerToServer: true,
	})).HandleFunc("/newsletter-subscribe", newsletterHandler.Subscribe)

	// お問い合わせ: サイトからのリクエストのみ許可
	contactHandler := NewContactHandler(deps.ContactService)
	contactRoute := r.With(middleware.NewOriginGuard(deps.AllowedOrigins, middleware.OriginGuardOptions{}))
	if deps.ContactRateLimiter != nil {
		contactRoute = contactRoute.With(deps.ContactRateLimiter.Middleware())
	}
	contactRoute.HandleFunc("/contact", contactHandler.Submit)

	// 記事告知: Bearerトークンによるサーバー間呼び出しのみ
	if deps.BroadcastService != nil {
		broadcastHandler := NewBroadcastHandler(deps.BroadcastService, deps.BroadcastAPIKey)
		r.Post("/send-newsletter", broadcastHandler.Send)
	}

	return r
}

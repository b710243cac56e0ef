package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/advogando/enfermagem/internal/broadcast"
	"github.com/advogando/enfermagem/internal/config"
	"github.com/advogando/enfermagem/internal/contact"
	"github.com/advogando/enfermagem/internal/database"
	"github.com/advogando/enfermagem/internal/handler"
	"github.com/advogando/enfermagem/internal/logger"
	"github.com/advogando/enfermagem/internal/mailer"
	"github.com/advogando/enfermagem/internal/metrics"
	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/newsletter"
	"github.com/advogando/enfermagem/internal/notify"
	"github.com/advogando/enfermagem/internal/repository"
	"github.com/advogando/enfermagem/internal/security"
	"github.com/advogando/enfermagem/internal/worker/announce"
	"github.com/advogando/enfermagem/internal/worker/cleanup"
)

// 起動・停止に関するタイムアウト。
const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("site_url", cfg.SiteURL),
		slog.String("rate_limit_backend", cfg.RateLimitBackend),
		slog.Bool("email_enabled", cfg.EmailEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	db         *sql.DB
	redis      *redis.Client
	registry   *prometheus.Registry
	collector  *metrics.Collector
	sender     mailer.Sender
	renderer   *mailer.Renderer
	dispatcher *notify.Dispatcher

	subscribers repository.SubscriberRepository
	rateLimits  repository.RateLimitRepository
	broadcasts  repository.BroadcastRepository

	newsletter *newsletter.Service
	contact    *contact.Service
	broadcast  *broadcast.Service
}

// close は外部接続を閉じる。
func (c *components) close() {
	if c.redis != nil {
		c.redis.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// buildComponents はDB・Redis・メール送信・サービス層を初期化してワイヤリングする。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	c.db = db
	slog.Info("database connection established")

	// 2. Redis接続（任意）
	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			c.close()
			return nil, err
		}
		c.redis = client
		slog.Info("redis connection established")
	}

	// 3. メトリクス
	c.registry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.registry)

	// 4. リポジトリの初期化
	c.subscribers = repository.NewPostgresSubscriberRepo(db)
	c.broadcasts = repository.NewPostgresBroadcastRepo(db)
	if cfg.RateLimitBackend == "redis" {
		c.rateLimits = repository.NewRedisRateLimitRepo(c.redis, cfg.RateLimitRetention())
	} else {
		c.rateLimits = repository.NewPostgresRateLimitRepo(db)
	}

	// 5. メール送信
	sender, err := mailer.NewSenderFromConfig(ctx, cfg)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create email sender: %w", err)
	}
	if sender == nil {
		slog.Warn("メール送信の資格情報が未設定のため、通知メールは送信されません",
			slog.String("provider", cfg.EmailProvider),
		)
	}
	c.sender = sender

	renderer, err := mailer.NewRenderer(mailer.SiteInfo{
		SiteURL:     cfg.SiteURL,
		WhatsAppURL: cfg.WhatsAppURL,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}
	c.renderer = renderer

	c.dispatcher = notify.NewDispatcher(slog.Default(), c.collector, cfg.ExternalCallTimeout)
	notifier := notify.NewNotifier(sender, renderer, c.dispatcher, cfg.MailFrom, cfg.OperatorEmails, slog.Default())

	// 6. ドメインサービスの初期化
	c.newsletter = newsletter.NewService(c.subscribers, c.rateLimits,
		newsletter.Config{
			RateLimitMax:     cfg.RateLimitMax,
			RateLimitWindow:  cfg.RateLimitWindow,
			CountAllAttempts: cfg.RateLimitCountAllAttempts,
			CallTimeout:      cfg.ExternalCallTimeout,
		},
		newsletter.WithNotifier(notifier),
		newsletter.WithMetrics(c.collector),
	)

	c.contact = contact.NewService(sender, renderer, cfg.MailFrom, cfg.OperatorEmails,
		contact.WithEnroller(c.newsletter),
		contact.WithMetrics(c.collector),
		contact.WithTimeout(cfg.ExternalCallTimeout),
	)

	c.broadcast = broadcast.NewService(c.subscribers, c.broadcasts, sender, renderer,
		security.NewExcerptSanitizer(),
		broadcast.Config{
			SiteURL:     cfg.SiteURL,
			From:        cfg.MailFrom,
			Concurrency: cfg.BroadcastConcurrency,
			SendTimeout: cfg.ExternalCallTimeout,
		},
		broadcast.WithMetrics(c.collector),
	)

	return c, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行い、
// 送信中の通知メールの完了を待ってから終了する。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	contactLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.ContactRatePerMinute))
	defer contactLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		AllowedOrigins:     cfg.AllowedOrigins,
		ContactRateLimiter: contactLimiter,
		Metrics:            c.collector.Middleware,
		MetricsHandler:     metrics.Handler(c.registry),
		HealthChecker:      c.db,
		NewsletterService:  c.newsletter,
		ContactService:     c.contact,
		BroadcastService:   c.broadcast,
		BroadcastAPIKey:    cfg.BroadcastAPIKey,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilDone(ctx, server, "API server"); err != nil {
		return err
	}

	// HTTPサーバー停止後に、投入済みの通知の完了を待つ
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.dispatcher.Close(drainCtx); err != nil {
		slog.Warn("送信中の通知の完了を待たずに終了します", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 試行記録のクリーンアップジョブと、BLOG_FEED_URLが設定されている場合は新着記事の告知ワーカーを起動する。
// /metrics を公開し、SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	// 1. 新着記事告知ワーカーの初期化（任意）
	var announcer *announce.Announcer
	if cfg.BlogFeedURL != "" {
		guard := security.NewFeedGuard()
		if err := guard.ValidateURL(cfg.BlogFeedURL); err != nil {
			return fmt.Errorf("invalid BLOG_FEED_URL: %w", err)
		}

		announcer = announce.NewAnnouncer(
			guard.NewSafeClient(cfg.FeedTimeout),
			c.broadcast,
			announce.Config{
				FeedURL:     cfg.BlogFeedURL,
				MaxAge:      cfg.AnnounceMaxAge,
				MaxBodySize: cfg.FeedMaxSize,
			},
			c.collector,
			slog.Default(),
		)
	} else {
		slog.Info("BLOG_FEED_URL が未設定のため新着記事の告知ワーカーは起動しません")
	}

	// 2. クリーンアップジョブの初期化
	cleanupOpts := []cleanup.Option{cleanup.WithMetrics(c.collector)}
	if c.redis != nil {
		cleanupOpts = append(cleanupOpts, cleanup.WithLocker(
			cleanup.NewRedisLock(c.redis, "newsletter-rate-limit-cleanup", cfg.CleanupInterval),
		))
	}
	cleanupJob := cleanup.NewCleanupJob(c.rateLimits, cfg.RateLimitRetention(), slog.Default(), cleanupOpts...)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupJob.Start(workerCtx, cfg.CleanupInterval)
	}()

	if announcer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			announcer.Start(workerCtx, cfg.AnnounceInterval)
		}()
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("announce_interval", cfg.AnnounceInterval),
	)

	// 3. メトリクスの公開（ctxのキャンセルまでブロック）
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      metrics.SetupMetricsRoute(c.registry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	serveErr := serveUntilDone(workerCtx, server, "worker metrics server")

	cancel()
	wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := c.dispatcher.Close(drainCtx); err != nil {
		slog.Warn("送信中の通知の完了を待たずに終了します", slog.String("error", err.Error()))
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はサーバーを起動し、ctxのキャンセルまたはリッスンエラーまでブロックする。
// ctxがキャンセルされた場合はグレースフルシャットダウンを行う。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// openRedis はRedis URLから接続を開き、疎通を確認する。
func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

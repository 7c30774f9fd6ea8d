// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mundotango/media-api/internal/auth"
	"github.com/mundotango/media-api/internal/config"
	"github.com/mundotango/media-api/internal/jobs"
	"github.com/mundotango/media-api/internal/media"
	"github.com/mundotango/media-api/internal/posts"
	"github.com/mundotango/media-api/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ログイン試行回数の共有用Redis（未設定ならインメモリで動作）
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opt)
	}

	// メディアパイプラインの組み立て
	mediaStore, err := storage.NewLocal(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		log.Fatalf("Failed to init media storage: %v", err)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		log.Fatalf("Failed to init upload dir: %v", err)
	}

	postStore, closePosts, err := setupPostStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init post store: %v", err)
	}
	defer closePosts()

	processor := media.NewProcessor(mediaStore, cfg.FFmpegPath, logger)
	queue := jobs.New(processor, mediaStore, postStore, jobs.Options{
		Interval:         time.Duration(cfg.QueueIntervalMillis) * time.Millisecond,
		Retention:        time.Duration(cfg.RetentionMinutes) * time.Minute,
		JobTimeout:       time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		PassthroughBytes: cfg.PassthroughBytes,
		Logger:           logger,
	})
	queue.Start(ctx)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, rdb, queue, logger)

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// シャットダウンシグナルを待つ
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}

	// キューのループを止める（処理中のジョブは中断されて failed になる）
	cancel()
	queue.Wait()

	log.Println("Server exited properly")
}

// setupPostStore は DATABASE_URL の有無で投稿ストアを切り替えます。
func setupPostStore(ctx context.Context, cfg *config.Config) (posts.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory post store")
		return posts.NewMemoryStore(), func() {}, nil
	}

	store, err := posts.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close post store: %v", err)
		}
	}, nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "media-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, rdb *redis.Client, queue *jobs.Queue, logger *log.Logger) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	// 生成済みレンディションの静的配信
	router.Static(cfg.MediaBaseURL, cfg.MediaDir)

	authManager := auth.NewManager(cfg, rdb, logger)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			uploads := protected.Group("/posts/upload")
			uploads.POST("", media.UploadHandler(queue, media.UploadOptions{
				UploadDir:   cfg.UploadDir,
				MaxFileSize: cfg.MaxFileSize,
				MaxFiles:    cfg.MaxFilesPerUpload,
			}))
			uploads.GET("/status/:jobId", media.StatusHandler(queue))
			uploads.GET("/stats", media.StatsHandler(queue))
		}
	}
}

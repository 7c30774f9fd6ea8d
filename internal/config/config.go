// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize       int64 // 単一ファイルの最大サイズ（バイト）
	MaxFilesPerUpload int   // 1回のアップロードで受け付ける最大ファイル数
	PassthroughBytes  int64 // 圧縮済みとみなして再処理をスキップする画像サイズ閾値

	// ディレクトリ設定
	UploadDir    string // アップロード一時ファイルの保存先
	MediaDir     string // 生成したレンディションの保存先
	MediaBaseURL string // レンディション公開用のベースURL

	// ジョブキュー設定
	QueueIntervalMillis int // バックグラウンドループのポーリング間隔（ミリ秒）
	RetentionMinutes    int // 完了ジョブをレジストリに保持する時間（分）
	JobTimeoutMinutes   int // 1ジョブの処理タイムアウト（分）

	// メディア処理設定
	FFmpegPath string // ffmpeg実行ファイルのパス

	// 外部サービス設定
	DatabaseURL string // 投稿永続化用のPostgres接続URL（未設定時はインメモリ）
	RedisURL    string // ログイン試行回数の共有用Redis URL（未設定時はインメモリ）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", 524288000), // 500MB
		MaxFilesPerUpload: getEnvAsInt("MAX_FILES_PER_UPLOAD", 30),
		PassthroughBytes:  getEnvAsInt64("UPLOAD_PASSTHROUGH_BYTES", 512*1024), // 512KB

		// ディレクトリ設定
		UploadDir:    getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "media-api", "uploads")),
		MediaDir:     getEnv("MEDIA_DIR", filepath.Join(os.TempDir(), "media-api", "media")),
		MediaBaseURL: getEnv("MEDIA_BASE_URL", "/media"),

		// ジョブキュー設定
		QueueIntervalMillis: getEnvAsInt("QUEUE_INTERVAL_MS", 500),
		RetentionMinutes:    getEnvAsInt("JOB_RETENTION_MINUTES", 5),
		JobTimeoutMinutes:   getEnvAsInt("JOB_TIMEOUT_MINUTES", 10),

		// メディア処理設定
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),

		// 外部サービス設定
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.FFmpegPath == "" {
			return fmt.Errorf("FFMPEG_PATH is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	if c.QueueIntervalMillis <= 0 {
		return fmt.Errorf("QUEUE_INTERVAL_MS must be positive")
	}
	if c.RetentionMinutes <= 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

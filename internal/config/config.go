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
// cmd/api（同期APIサーバー）と cmd/syncd（同期エージェント）で共有します。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APITokenHash string // bcryptでハッシュ化されたAPIトークン（空なら認証なし）

	// シートストア設定
	SheetDBPath string // SQLiteデータベースファイルのパス

	// バックアップ設定
	BackupCron    string // 定期バックアップのcron式（空なら無効）
	QueueRedisURL string // Asynq用Redis接続URL

	// 同期エージェント設定
	LocalRedisURL  string // ローカルストア用Redis接続URL
	WebAppURL      string // 同期APIサーバーのエンドポイントURL
	StoreID        string // 店舗識別子
	SyncIntervalMS int64  // 自動同期の間隔（ミリ秒）
	RequestTimeout int    // リモート操作のタイムアウト（秒）

	// Google Drive設定
	GDriveClientID     string // OAuthクライアントID
	GDriveClientSecret string // OAuthクライアントシークレット
	GDriveFolderID     string // 保存先フォルダID（空なら名前で検索・作成）
	GDriveFolderName   string // 保存先フォルダ名
	GDriveTokenFile    string // 保存済みOAuthトークンのJSONファイルパス
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		APITokenHash: getEnv("API_TOKEN_HASH", ""),

		// シートストア設定
		SheetDBPath: getEnv("SHEET_DB_PATH", "yousei-note.db"),

		// バックアップ設定
		BackupCron:    getEnv("BACKUP_CRON", ""),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),

		// 同期エージェント設定
		LocalRedisURL:  getEnv("LOCAL_REDIS_URL", "redis://127.0.0.1:6379/1"),
		WebAppURL:      getEnv("WEB_APP_URL", ""),
		StoreID:        getEnv("STORE_ID", ""),
		SyncIntervalMS: getEnvAsInt64("SYNC_INTERVAL_MS", 5*60*1000), // 5分
		RequestTimeout: getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 10),

		// Google Drive設定
		GDriveClientID:     getEnv("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: getEnv("GDRIVE_CLIENT_SECRET", ""),
		GDriveFolderID:     getEnv("GDRIVE_FOLDER_ID", ""),
		GDriveFolderName:   getEnv("GDRIVE_FOLDER_NAME", "洋生ノート"),
		GDriveTokenFile:    getEnv("GDRIVE_TOKEN_FILE", ""),
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
		if c.APITokenHash == "" {
			return fmt.Errorf("API_TOKEN_HASH is required in release mode")
		}
		if c.SheetDBPath == "" {
			return fmt.Errorf("SHEET_DB_PATH is required in release mode")
		}
		if c.BackupCron != "" && c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when BACKUP_CRON is set")
		}
	}
	if c.SyncIntervalMS <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_MS must be positive")
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

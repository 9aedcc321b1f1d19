// Package main は同期APIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/yousei-note/internal/auth"
	"github.com/yourusername/yousei-note/internal/config"
	"github.com/yourusername/yousei-note/internal/jobs"
	"github.com/yourusername/yousei-note/internal/sheet"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// シートストアを開く
	store, err := sheet.Open(cfg.SheetDBPath, log.Default())
	if err != nil {
		log.Fatalf("Failed to open sheet store: %v", err)
	}
	defer store.Close()

	// 定期バックアップ（BACKUP_CRON 設定時のみ）
	if cfg.BackupCron != "" {
		manager, err := jobs.NewManager(cfg, store, log.Default())
		if err != nil {
			log.Fatalf("Failed to set up backup jobs: %v", err)
		}
		if err := manager.Start(); err != nil {
			log.Fatalf("Failed to start backup jobs: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = manager.Shutdown(ctx)
		}()
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定（ブラウザクライアントからの直接アクセスを許可）
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, store)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting sync API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "yousei-note-api",
		"version": sheet.Version,
	})
}

// setupRoutes はAPIの配線を行います。
// アクションディスパッチ型のため、実質のエンドポイントは /exec の1つです。
func setupRoutes(router *gin.Engine, cfg *config.Config, store *sheet.Store) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	handler := sheet.ActionHandler(store, log.Default())
	exec := router.Group("/exec", auth.TokenAuth(cfg.APITokenHash))
	{
		exec.GET("", handler)
		exec.POST("", handler)
	}
}

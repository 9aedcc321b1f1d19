// Package main はローカルストアをリモートへ押し出す同期エージェントのエントリーポイントです。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/yourusername/yousei-note/internal/backend"
	"github.com/yourusername/yousei-note/internal/config"
	"github.com/yourusername/yousei-note/internal/gdrive"
	"github.com/yourusername/yousei-note/internal/syncconf"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ローカルストア（Redis）への接続
	opt, err := redis.ParseURL(cfg.LocalRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse local redis url: %v", err)
	}
	local := backend.NewLocalBackend(redis.NewClient(opt))
	if err := local.Init(ctx); err != nil {
		log.Fatalf("Failed to connect to local store: %v", err)
	}

	// リモートHTTPバックエンドの設定ストア
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	factory := func(webAppURL, storeID string) syncconf.SyncBackend {
		return backend.NewRemoteHTTPBackend(webAppURL, storeID, local, logger, &backend.RemoteHTTPOptions{
			Timeout: timeout,
		})
	}
	gasStore := syncconf.NewGASStore(local, factory, logger)
	if err := gasStore.Load(ctx); err != nil {
		log.Fatalf("Failed to load sync config: %v", err)
	}

	if err := enableRemote(ctx, cfg, gasStore, logger); err != nil {
		log.Fatalf("Failed to enable remote backend: %v", err)
	}

	// Google Driveバックエンドの設定ストア（認証情報がある場合のみ）
	if cfg.GDriveClientID != "" {
		driveStore := syncconf.NewDriveStore(local, driveFactory(ctx, cfg, local, logger), logger)
		if err := driveStore.Load(ctx); err != nil {
			log.Fatalf("Failed to load drive config: %v", err)
		}
		if err := driveStore.Enable(ctx, cfg.GDriveClientID, cfg.GDriveClientSecret, cfg.GDriveFolderID); err != nil {
			// Drive側は補助的な保存先なので、失敗しても同期エージェント自体は動かす
			logger.Printf("Google Driveバックエンドの有効化に失敗しました: %v", err)
		}
	}

	logger.Printf("sync agent started (interval: %dms)", gasStore.Config().SyncIntervalMS)
	<-ctx.Done()
	gasStore.StopAutoSync()
	logger.Printf("sync agent stopped")
}

// enableRemote は環境変数の接続情報を優先し、なければ保存済み設定で再接続します。
func enableRemote(ctx context.Context, cfg *config.Config, gasStore *syncconf.GASStore, logger *log.Logger) error {
	if cfg.WebAppURL != "" && cfg.StoreID != "" {
		return gasStore.Enable(ctx, cfg.WebAppURL, cfg.StoreID)
	}

	saved := gasStore.Config()
	if saved.Enabled && saved.WebAppURL != "" && saved.StoreID != "" {
		return gasStore.Enable(ctx, saved.WebAppURL, saved.StoreID)
	}

	logger.Printf("リモートバックエンドが未設定のため、自動同期は開始しません")
	return nil
}

// driveFactory はGoogle Driveバックエンドを構築するファクトリーを返します。
func driveFactory(ctx context.Context, cfg *config.Config, local backend.Backend, logger *log.Logger) syncconf.DriveBackendFactory {
	return func(clientID, clientSecret, folderID string) (syncconf.Initializer, error) {
		oauthCfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/drive.file"},
		}
		token, err := loadToken(cfg.GDriveTokenFile)
		if err != nil {
			return nil, err
		}
		src := oauthCfg.TokenSource(ctx, token)

		client, err := gdrive.NewClient(ctx, src)
		if err != nil {
			return nil, err
		}
		authn := gdrive.NewTokenAuthenticator(src)
		return backend.NewCloudFileBackend(client, authn, local, cfg.GDriveFolderName, folderID, logger), nil
	}
}

// loadToken は保存済みのOAuthトークンをJSONファイルから読み込みます。
// 対話的な認可フローはこのエージェントの対象外で、トークンは事前に取得しておきます。
func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, errors.New("GDRIVE_TOKEN_FILE is not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

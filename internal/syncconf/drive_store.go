package syncconf

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/yourusername/yousei-note/internal/backend"
)

// Initializer は有効化時に疎通確認できるバックエンドです。
type Initializer interface {
	Init(ctx context.Context) error
}

// DriveBackendFactory は接続情報からクラウドファイルバックエンドを構築します。
type DriveBackendFactory func(clientID, apiKey, folderID string) (Initializer, error)

// DriveConfig はクラウドファイルバックエンドの設定ブロブです。
type DriveConfig struct {
	Enabled  bool       `json:"enabled"`
	ClientID string     `json:"clientId"`
	APIKey   string     `json:"apiKey"`
	FolderID string     `json:"folderId"`
	LastSync *time.Time `json:"lastSync"`
}

// DriveStore はクラウドファイルバックエンドの設定を管理します。
// 自動同期のスケジューリングはリモートHTTP側（GASStore）だけの責務です。
type DriveStore struct {
	local   backend.Backend
	factory DriveBackendFactory
	logger  *log.Logger

	mu     sync.Mutex
	cfg    DriveConfig
	active Initializer
}

// NewDriveStore は DriveStore を作成します。
func NewDriveStore(local backend.Backend, factory DriveBackendFactory, logger *log.Logger) *DriveStore {
	if logger == nil {
		logger = log.Default()
	}
	return &DriveStore{
		local:   local,
		factory: factory,
		logger:  logger,
	}
}

// Load は永続化済みの設定をデフォルトにマージして読み込みます。
func (s *DriveStore) Load(ctx context.Context) error {
	value, found, err := s.local.Load(ctx, driveConfigKey)
	if err != nil {
		return err
	}
	var cfg DriveConfig
	if found {
		if err := json.Unmarshal([]byte(value), &cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Config は現在の設定のコピーを返します。
func (s *DriveStore) Config() DriveConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enable はバックエンドを初期化し、成功したときだけ接続情報を永続化します。
func (s *DriveStore) Enable(ctx context.Context, clientID, apiKey, folderID string) error {
	b, err := s.factory(clientID, apiKey, folderID)
	if err != nil {
		return err
	}
	if err := b.Init(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Enabled = true
	s.cfg.ClientID = clientID
	s.cfg.APIKey = apiKey
	s.cfg.FolderID = folderID
	s.active = b
	return s.saveLocked(ctx)
}

// Disable は設定を無効化します。
func (s *DriveStore) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Enabled = false
	s.active = nil
	return s.saveLocked(ctx)
}

// saveLocked は設定ブロブ全体を上書き保存します。部分書き込みはしません。
func (s *DriveStore) saveLocked(ctx context.Context) error {
	payload, err := json.Marshal(&s.cfg)
	if err != nil {
		return err
	}
	return s.local.Save(ctx, driveConfigKey, string(payload))
}

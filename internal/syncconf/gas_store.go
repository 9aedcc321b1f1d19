// Package syncconf はバックエンド設定の永続化と自動同期スケジューラーを提供します。
// 設定は2つの独立したブロブとしてローカルストアの固定キーに保存されます。
package syncconf

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/yousei-note/internal/backend"
)

// 設定ブロブのキーは台帳の yousei: プレフィックスの外に置きます。
// ローカル→リモート同期は yousei: 配下だけを押し出すため、
// 接続情報（webAppUrl やDriveの資格情報）がリモートの台帳に流出しません。
const (
	gasConfigKey   = "config:gas"
	driveConfigKey = "config:gdrive"

	// DefaultSyncIntervalMS は自動同期間隔の既定値（5分）です。
	DefaultSyncIntervalMS = 5 * 60 * 1000
)

// ErrSyncInProgress は同期パスがすでに進行中であることを表します。
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncBackend は自動同期が必要とするリモートバックエンドの操作です。
type SyncBackend interface {
	Init(ctx context.Context) error
	SyncWithLocal(ctx context.Context) (synced, failed int, err error)
}

// BackendFactory は接続情報からリモートバックエンドを構築します。
type BackendFactory func(webAppURL, storeID string) SyncBackend

// GASConfig はリモートHTTPバックエンドの設定ブロブです。
type GASConfig struct {
	Enabled        bool       `json:"enabled"`
	WebAppURL      string     `json:"webAppUrl"`
	StoreID        string     `json:"storeId"`
	AutoSync       bool       `json:"autoSync"`
	SyncIntervalMS int64      `json:"syncInterval"`
	LastSync       *time.Time `json:"lastSync"`
}

func defaultGASConfig() GASConfig {
	return GASConfig{
		AutoSync:       true,
		SyncIntervalMS: DefaultSyncIntervalMS,
	}
}

// GASStore はリモートHTTPバックエンドの設定と自動同期タイマーを管理します。
type GASStore struct {
	local   backend.Backend
	factory BackendFactory
	logger  *log.Logger

	mu     sync.Mutex
	cfg    GASConfig
	active SyncBackend

	// schedMu はスケジューラーの起動・停止を直列化します。
	// 同期ループ自身は取らないため、停止待ちでデッドロックしません。
	schedMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup

	syncing atomic.Bool
}

// NewGASStore は GASStore を作成します。
func NewGASStore(local backend.Backend, factory BackendFactory, logger *log.Logger) *GASStore {
	if logger == nil {
		logger = log.Default()
	}
	return &GASStore{
		local:   local,
		factory: factory,
		logger:  logger,
		cfg:     defaultGASConfig(),
	}
}

// Load は永続化済みの設定をデフォルトにマージして読み込みます。
func (s *GASStore) Load(ctx context.Context) error {
	value, found, err := s.local.Load(ctx, gasConfigKey)
	if err != nil {
		return err
	}
	cfg := defaultGASConfig()
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
func (s *GASStore) Config() GASConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enable はバックエンドを初期化し、成功したときだけ接続情報を永続化します。
// AutoSync が有効なら自動同期を開始します。
func (s *GASStore) Enable(ctx context.Context, webAppURL, storeID string) error {
	b := s.factory(webAppURL, storeID)
	if err := b.Init(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg.Enabled = true
	s.cfg.WebAppURL = webAppURL
	s.cfg.StoreID = storeID
	s.active = b
	autoSync := s.cfg.AutoSync
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if autoSync {
		s.StartAutoSync()
	}
	return nil
}

// Disable は自動同期を止めて設定を無効化します。
func (s *GASStore) Disable(ctx context.Context) error {
	s.StopAutoSync()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Enabled = false
	s.active = nil
	return s.saveLocked(ctx)
}

// SetAutoSync は自動同期の有効・無効と間隔を更新し、スケジューラーを反映します。
func (s *GASStore) SetAutoSync(ctx context.Context, enabled bool, intervalMS int64) error {
	s.mu.Lock()
	s.cfg.AutoSync = enabled
	if intervalMS > 0 {
		s.cfg.SyncIntervalMS = intervalMS
	}
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if enabled {
		s.StartAutoSync()
	} else {
		s.StopAutoSync()
	}
	return nil
}

// StartAutoSync は同期タイマーを起動します。
// すでに動いているタイマーは必ず止めてから起動するため、二重起動は起きません。
func (s *GASStore) StartAutoSync() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.stopLocked()

	s.mu.Lock()
	interval := time.Duration(s.cfg.SyncIntervalMS) * time.Millisecond
	enabled := s.cfg.Enabled && s.active != nil
	s.mu.Unlock()
	if !enabled {
		s.logger.Printf("バックエンドが有効でないため自動同期を開始しません")
		return
	}
	if interval <= 0 {
		interval = DefaultSyncIntervalMS * time.Millisecond
	}

	stop := make(chan struct{})
	s.stop = stop
	s.wg.Add(1)
	go s.runLoop(stop, interval)
}

// StopAutoSync は同期タイマーを止めます。動いていなければ何もしません。
func (s *GASStore) StopAutoSync() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.stopLocked()
}

func (s *GASStore) stopLocked() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
	s.wg.Wait()
}

func (s *GASStore) runLoop(stop chan struct{}, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// タイマーコールバックからエラーを漏らさない（ループを殺さない）
			if err := s.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.logger.Printf("定期同期に失敗しました: %v", err)
			}
		}
	}
}

// SyncNow は同期パスを1回実行します。進行中のパスがあれば
// ErrSyncInProgress を返して重複実行を避けます。
func (s *GASStore) SyncNow(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.syncing.Store(false)

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return errors.New("remote backend is not enabled")
	}

	passID := uuid.NewString()[:8]
	synced, failed, err := active.SyncWithLocal(ctx)
	if err != nil {
		return err
	}
	s.logger.Printf("同期パスが完了しました pass=%s synced=%d failed=%d", passID, synced, failed)

	// カーソルは全件成功したパスの後だけ進める
	if failed == 0 {
		now := time.Now().UTC()
		s.mu.Lock()
		s.cfg.LastSync = &now
		err = s.saveLocked(ctx)
		s.mu.Unlock()
		return err
	}
	return nil
}

// saveLocked は設定ブロブ全体を上書き保存します。部分書き込みはしません。
func (s *GASStore) saveLocked(ctx context.Context) error {
	payload, err := json.Marshal(&s.cfg)
	if err != nil {
		return err
	}
	return s.local.Save(ctx, gasConfigKey, string(payload))
}

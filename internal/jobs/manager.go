// Package jobs はシートストアの定期バックアップジョブを管理します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/yousei-note/internal/config"
	"github.com/yourusername/yousei-note/internal/sheet"
)

const (
	taskTypeBackup = "sheet:backup"
	queueName      = "maintenance"
)

// Manager は定期バックアップの登録と実行を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *sheet.Store
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *sheet.Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if cfg.BackupCron == "" {
		return nil, errors.New("backup cron expression is empty")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	scheduler := asynq.NewScheduler(opt, nil)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		store:     store,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeBackup, manager.handleBackup)
	return manager, nil
}

// Start はワーカーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) Start() error {
	task := asynq.NewTask(taskTypeBackup, nil, asynq.Queue(queueName))
	if _, err := m.scheduler.Register(m.cfg.BackupCron, task, asynq.MaxRetry(1)); err != nil {
		return fmt.Errorf("failed to register backup schedule: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Shutdown はスケジューラーとワーカーを停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// RunBackupNow はバックアップタスクを即時投入します。
func (m *Manager) RunBackupNow(ctx context.Context) error {
	task := asynq.NewTask(taskTypeBackup, nil, asynq.Queue(queueName))
	_, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	return err
}

// handleBackup は既存の全ストアをバックアップします。
// 1ストアの失敗は記録して続行し、1つでも失敗があればタスクとしては失敗にします。
func (m *Manager) handleBackup(ctx context.Context, _ *asynq.Task) error {
	runID := uuid.NewString()[:8]
	storeIDs, err := m.store.StoreIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate stores: %w", err)
	}

	var failed int
	for _, storeID := range storeIDs {
		name, err := m.store.Backup(ctx, storeID)
		if err != nil {
			m.logger.Printf("バックアップに失敗しました run=%s store=%s: %v", runID, storeID, err)
			failed++
			continue
		}
		m.logger.Printf("バックアップを作成しました run=%s store=%s sheet=%s", runID, storeID, name)
	}
	if failed > 0 {
		return fmt.Errorf("backup run %s finished with %d failure(s)", runID, failed)
	}
	return nil
}

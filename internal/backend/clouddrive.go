package backend

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFolderName はフォルダIDが未指定のときに探索・作成するフォルダ名です。
const DefaultFolderName = "洋生ノート"

// StorageLocation はクラウド操作の実際の保存先を表します。
// クラウド失敗時のローカルフォールバックは戻り値の形だけでは区別できないため、
// WithStatus 系メソッドがこの値で保存先を報告します。
type StorageLocation string

const (
	// StoredCloud はクラウド側で完結したことを表します。
	StoredCloud StorageLocation = "cloud"
	// StoredLocalFallback はクラウド失敗によりローカルストアへ退避したことを表します。
	StoredLocalFallback StorageLocation = "local_fallback"
)

// DriveFile はフォルダ内の1ファイルのメタ情報です。
type DriveFile struct {
	ID   string
	Name string
}

// DriveClient は CloudFileBackend が必要とするクラウドドライブ操作です。
// 実装は internal/gdrive が提供します。
type DriveClient interface {
	EnsureFolder(ctx context.Context, name string) (string, error)
	FindFile(ctx context.Context, folderID, name string) (string, error)
	CreateFile(ctx context.Context, folderID, name string, data []byte) error
	UpdateFile(ctx context.Context, fileID string, data []byte) error
	ReadFile(ctx context.Context, fileID string) ([]byte, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context, folderID string) ([]DriveFile, error)
}

// Authenticator はアクセストークンの保持と、必要に応じた対話的認可の起動を担います。
// 認可フロー自体はこのパッケージの関心外です。
type Authenticator interface {
	// Ensure は有効なトークンを確保します。未認可なら認可フローを起動します。
	Ensure(ctx context.Context) error
	// Valid は現在有効なトークンを保持しているかを返します。
	Valid() bool
}

// fileEnvelope はキーごとのJSONファイルの中身です。
type fileEnvelope struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// CloudFileBackend は1キーを1つのJSONファイルとして指定フォルダに保存します。
// クラウド操作が失敗した場合はローカルストアへ静かに退避します。
type CloudFileBackend struct {
	drive       DriveClient
	auth        Authenticator
	fallback    Backend
	folderName  string
	logger      *log.Logger
	initialized atomic.Bool

	mu       sync.Mutex
	folderID string
}

// NewCloudFileBackend は CloudFileBackend を作成します。
// folderID が空の場合、Init 時に folderName で探索・作成します。
func NewCloudFileBackend(drive DriveClient, auth Authenticator, fallback Backend, folderName, folderID string, logger *log.Logger) *CloudFileBackend {
	if folderName == "" {
		folderName = DefaultFolderName
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CloudFileBackend{
		drive:      drive,
		auth:       auth,
		fallback:   fallback,
		folderName: folderName,
		folderID:   folderID,
		logger:     logger,
	}
}

// Init はクライアントセッションを確立し、保存先フォルダを確保します。
// フォルダ探索は最初の一致を正とします（同名フォルダが複数あっても1つに定まる）。
func (b *CloudFileBackend) Init(ctx context.Context) error {
	if b.drive == nil || b.auth == nil {
		return ErrMissingCredential
	}
	if err := b.ensureAuth(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.folderID == "" {
		id, err := b.drive.EnsureFolder(ctx, b.folderName)
		if err != nil {
			return &TransportError{Op: "ensureFolder", Err: err}
		}
		b.folderID = id
	}
	b.initialized.Store(true)
	return nil
}

// Initialized は Init が成功済みかを返します。
func (b *CloudFileBackend) Initialized() bool {
	return b.initialized.Load()
}

// Connected は現在クラウドへ書き込める状態かを返します。
// キャッシュしたフラグではなく、その時点のトークン状態から計算します。
func (b *CloudFileBackend) Connected() bool {
	return b.initialized.Load() && b.auth != nil && b.auth.Valid()
}

// Save はレコードをクラウドへ保存します。失敗時はローカルへ退避します。
func (b *CloudFileBackend) Save(ctx context.Context, key, value string) error {
	_, err := b.SaveWithStatus(ctx, key, value)
	return err
}

// SaveWithStatus は Save と同じ動作で、実際の保存先も返します。
func (b *CloudFileBackend) SaveWithStatus(ctx context.Context, key, value string) (StorageLocation, error) {
	if err := ValidateValue(value); err != nil {
		return StoredCloud, err
	}
	if err := b.saveCloud(ctx, key, value); err != nil {
		b.logger.Printf("クラウド保存に失敗したためローカルへ退避します key=%s: %v", key, err)
		return StoredLocalFallback, b.fallback.Save(ctx, key, value)
	}
	return StoredCloud, nil
}

// Load はクラウドから値を取得します。失敗時はローカルの値を返します。
func (b *CloudFileBackend) Load(ctx context.Context, key string) (string, bool, error) {
	value, found, _, err := b.LoadWithStatus(ctx, key)
	return value, found, err
}

// LoadWithStatus は Load と同じ動作で、読み出し元も返します。
func (b *CloudFileBackend) LoadWithStatus(ctx context.Context, key string) (string, bool, StorageLocation, error) {
	value, found, err := b.loadCloud(ctx, key)
	if err != nil {
		b.logger.Printf("クラウド読み出しに失敗したためローカルを参照します key=%s: %v", key, err)
		v, f, ferr := b.fallback.Load(ctx, key)
		return v, f, StoredLocalFallback, ferr
	}
	return value, found, StoredCloud, nil
}

// Delete はクラウドのレコードを削除します。失敗時はローカル側を削除します。
func (b *CloudFileBackend) Delete(ctx context.Context, key string) (bool, error) {
	removed, _, err := b.DeleteWithStatus(ctx, key)
	return removed, err
}

// DeleteWithStatus は Delete と同じ動作で、削除先も返します。
func (b *CloudFileBackend) DeleteWithStatus(ctx context.Context, key string) (bool, StorageLocation, error) {
	removed, err := b.deleteCloud(ctx, key)
	if err != nil {
		b.logger.Printf("クラウド削除に失敗したためローカル側を削除します key=%s: %v", key, err)
		r, ferr := b.fallback.Delete(ctx, key)
		return r, StoredLocalFallback, ferr
	}
	return removed, StoredCloud, nil
}

// List はフォルダ内の全ファイルを読み出してレコード化します。
// 失敗時はローカルストアの一覧を返します。
func (b *CloudFileBackend) List(ctx context.Context, prefix string) ([]Record, error) {
	records, err := b.listCloud(ctx, prefix)
	if err != nil {
		b.logger.Printf("クラウド一覧の取得に失敗したためローカルを参照します: %v", err)
		return b.fallback.List(ctx, prefix)
	}
	return records, nil
}

func (b *CloudFileBackend) saveCloud(ctx context.Context, key, value string) error {
	if err := b.ensureAuth(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(&fileEnvelope{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	name := fileNameForKey(key)
	fileID, err := b.drive.FindFile(ctx, b.currentFolderID(), name)
	if err != nil {
		return err
	}
	if fileID != "" {
		return b.drive.UpdateFile(ctx, fileID, payload)
	}
	return b.drive.CreateFile(ctx, b.currentFolderID(), name, payload)
}

func (b *CloudFileBackend) loadCloud(ctx context.Context, key string) (string, bool, error) {
	if err := b.ensureAuth(ctx); err != nil {
		return "", false, err
	}
	fileID, err := b.drive.FindFile(ctx, b.currentFolderID(), fileNameForKey(key))
	if err != nil {
		return "", false, err
	}
	if fileID == "" {
		return "", false, nil
	}
	data, err := b.drive.ReadFile(ctx, fileID)
	if err != nil {
		return "", false, err
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false, err
	}
	return env.Value, true, nil
}

func (b *CloudFileBackend) deleteCloud(ctx context.Context, key string) (bool, error) {
	if err := b.ensureAuth(ctx); err != nil {
		return false, err
	}
	fileID, err := b.drive.FindFile(ctx, b.currentFolderID(), fileNameForKey(key))
	if err != nil {
		return false, err
	}
	if fileID == "" {
		return false, nil
	}
	if err := b.drive.DeleteFile(ctx, fileID); err != nil {
		return false, err
	}
	return true, nil
}

func (b *CloudFileBackend) listCloud(ctx context.Context, prefix string) ([]Record, error) {
	if err := b.ensureAuth(ctx); err != nil {
		return nil, err
	}
	files, err := b.drive.ListFiles(ctx, b.currentFolderID())
	if err != nil {
		return nil, err
	}
	records := []Record{}
	for _, f := range files {
		data, err := b.drive.ReadFile(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		var env fileEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Printf("レコード形式でないファイルをスキップします name=%s: %v", f.Name, err)
			continue
		}
		if prefix != "" && !strings.HasPrefix(env.Key, prefix) {
			continue
		}
		records = append(records, Record{
			Key:          env.Key,
			Value:        env.Value,
			Timestamp:    env.Timestamp,
			LastModified: env.Timestamp,
		})
	}
	return records, nil
}

// ensureAuth はデータ操作のたびに呼ばれ、トークン未取得なら認可を起動します。
func (b *CloudFileBackend) ensureAuth(ctx context.Context) error {
	if err := b.auth.Ensure(ctx); err != nil {
		return &AuthError{Reason: "failed to acquire access token", Err: err}
	}
	return nil
}

func (b *CloudFileBackend) currentFolderID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.folderID
}

// fileNameForKey はキーをファイル名に安全な形へ変換します。
// パスとして解釈されうる文字を "_" に置換し、".json" を付けます。
func fileNameForKey(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, key)
	return sanitized + ".json"
}

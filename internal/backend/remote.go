package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// エンベロープの status 値。プロトコル上の失敗はすべてこの3値で表現されます。
const (
	statusSuccess  = "success"
	statusError    = "error"
	statusNotFound = "not_found"
)

type envelope struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (e *envelope) remoteError(action string) error {
	msg := e.Error
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = "unknown server error"
	}
	return &RemoteError{Action: action, Message: msg}
}

// SyncStatus はリモートストアの同期状況を表します。
type SyncStatus struct {
	LastSync  string `json:"lastSync"`
	ItemCount int    `json:"itemCount"`
	SheetName string `json:"sheetName"`
}

// RemoteHTTPOptions は RemoteHTTPBackend の調整可能な設定です。
type RemoteHTTPOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Retrier    *Retrier
}

// RemoteHTTPBackend はアクションディスパッチ型のHTTPエンドポイント越しに
// リモートの表形式ストアへアクセスします。
type RemoteHTTPBackend struct {
	webAppURL   string
	storeID     string
	httpClient  *http.Client
	timeout     time.Duration
	retrier     Retrier
	local       Backend
	logger      *log.Logger
	initialized atomic.Bool
}

// NewRemoteHTTPBackend は RemoteHTTPBackend を作成します。
// local はローカル→リモート同期で読み出すローカルストアです（同期を使わないなら nil 可）。
func NewRemoteHTTPBackend(webAppURL, storeID string, local Backend, logger *log.Logger, opts *RemoteHTTPOptions) *RemoteHTTPBackend {
	b := &RemoteHTTPBackend{
		webAppURL:  webAppURL,
		storeID:    storeID,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		retrier:    NewRetrier(),
		local:      local,
		logger:     logger,
	}
	if b.logger == nil {
		b.logger = log.Default()
	}
	if opts != nil {
		if opts.HTTPClient != nil {
			b.httpClient = opts.HTTPClient
		}
		if opts.Timeout > 0 {
			b.timeout = opts.Timeout
		}
		if opts.Retrier != nil {
			b.retrier = *opts.Retrier
		}
	}
	return b
}

// Init は ping アクションで疎通を確認します。
func (b *RemoteHTTPBackend) Init(ctx context.Context) error {
	if b.webAppURL == "" || b.storeID == "" {
		return fmt.Errorf("%w: webAppUrl and storeId", ErrMissingCredential)
	}
	env, err := b.call(ctx, http.MethodGet, "ping", nil)
	if err != nil {
		return err
	}
	if env.Status != statusSuccess {
		return env.remoteError("ping")
	}
	b.initialized.Store(true)
	return nil
}

// Initialized は Init が成功済みかを返します。
func (b *RemoteHTTPBackend) Initialized() bool {
	return b.initialized.Load()
}

// Save は setItem アクションでレコードを作成または上書きします。
func (b *RemoteHTTPBackend) Save(ctx context.Context, key, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	env, err := b.call(ctx, http.MethodPost, "setItem", map[string]any{
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if env.Status != statusSuccess {
		return env.remoteError("setItem")
	}
	return nil
}

// Load は getItem アクションで値を取得します。
// 読み取り経路はフェイルソフトです: リトライしても届かない場合は
// エラーではなく不在として返します。呼び出し側は「値なし」と
// 「バックエンド到達不能」を区別できない点に注意してください。
func (b *RemoteHTTPBackend) Load(ctx context.Context, key string) (string, bool, error) {
	env, err := b.call(ctx, http.MethodGet, "getItem", map[string]any{"key": key})
	if err != nil {
		if IsRetryable(err) {
			b.logger.Printf("getItem の通信に失敗したため未取得として扱います key=%s: %v", key, err)
			return "", false, nil
		}
		return "", false, err
	}
	switch env.Status {
	case statusNotFound:
		return "", false, nil
	case statusSuccess:
		return decodeRawValue(env.Data), true, nil
	default:
		return "", false, env.remoteError("getItem")
	}
}

// Delete は removeItem アクションでレコードを削除します。
func (b *RemoteHTTPBackend) Delete(ctx context.Context, key string) (bool, error) {
	env, err := b.call(ctx, http.MethodPost, "removeItem", map[string]any{"key": key})
	if err != nil {
		return false, err
	}
	switch env.Status {
	case statusNotFound:
		return false, nil
	case statusSuccess:
		return true, nil
	default:
		return false, env.remoteError("removeItem")
	}
}

// List は getAllItems アクションでレコード一覧を取得します。
func (b *RemoteHTTPBackend) List(ctx context.Context, prefix string) ([]Record, error) {
	params := map[string]any{}
	if prefix != "" {
		params["prefix"] = prefix
	}
	env, err := b.call(ctx, http.MethodGet, "getAllItems", params)
	if err != nil {
		return nil, err
	}
	if env.Status != statusSuccess {
		return nil, env.remoteError("getAllItems")
	}
	return decodeRecords(env.Data)
}

// GetDateRange は getDateRange アクションで日付範囲のレコードを取得します。
// 日付は YYYY-MM-DD 形式、範囲は両端を含みます。
func (b *RemoteHTTPBackend) GetDateRange(ctx context.Context, startDate, endDate string) ([]Record, error) {
	env, err := b.call(ctx, http.MethodGet, "getDateRange", map[string]any{
		"startDate": startDate,
		"endDate":   endDate,
	})
	if err != nil {
		return nil, err
	}
	if env.Status != statusSuccess {
		return nil, env.remoteError("getDateRange")
	}
	return decodeRecords(env.Data)
}

// GetPreviousYearData は getPreviousYearData アクションで前年同日付近の値を取得します。
func (b *RemoteHTTPBackend) GetPreviousYearData(ctx context.Context, targetDate string) (string, bool, error) {
	env, err := b.call(ctx, http.MethodGet, "getPreviousYearData", map[string]any{
		"targetDate": targetDate,
	})
	if err != nil {
		return "", false, err
	}
	switch env.Status {
	case statusNotFound:
		return "", false, nil
	case statusSuccess:
		return decodeRawValue(env.Data), true, nil
	default:
		return "", false, env.remoteError("getPreviousYearData")
	}
}

// CreateBackup は createBackup アクションでリモートストアのバックアップを作成し、
// 作成されたバックアップシート名を返します。
func (b *RemoteHTTPBackend) CreateBackup(ctx context.Context) (string, error) {
	env, err := b.call(ctx, http.MethodPost, "createBackup", nil)
	if err != nil {
		return "", err
	}
	if env.Status != statusSuccess {
		return "", env.remoteError("createBackup")
	}
	var payload struct {
		BackupSheet string `json:"backupSheet"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return "", fmt.Errorf("invalid createBackup response: %w", err)
	}
	return payload.BackupSheet, nil
}

// GetSyncStatus は getSyncStatus アクションで同期状況を取得します。
func (b *RemoteHTTPBackend) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	env, err := b.call(ctx, http.MethodGet, "getSyncStatus", nil)
	if err != nil {
		return nil, err
	}
	if env.Status != statusSuccess {
		return nil, env.remoteError("getSyncStatus")
	}
	var status SyncStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return nil, fmt.Errorf("invalid getSyncStatus response: %w", err)
	}
	return &status, nil
}

// SyncWithLocal はローカルストアの yousei: プレフィックスを持つ全キーを
// 1件ずつ順番にリモートへ送信します。単一ライターのリモートストアに
// 負荷をかけないため、並列化はしません。
// 1件の失敗はログに残してスキップし、バッチ全体は継続します。
func (b *RemoteHTTPBackend) SyncWithLocal(ctx context.Context) (synced, failed int, err error) {
	if b.local == nil {
		return 0, 0, fmt.Errorf("%w: local store", ErrMissingCredential)
	}
	records, err := b.local.List(ctx, KeyPrefix)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}
		if saveErr := b.Save(ctx, rec.Key, rec.Value); saveErr != nil {
			b.logger.Printf("同期に失敗したためスキップします key=%s: %v", rec.Key, saveErr)
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}

// call はアクションリクエストを1回分のタイムアウトとリトライ付きで実行します。
// タイムアウト・ネットワーク系の失敗のみ再試行し、応答の構文エラーは即座に返します。
func (b *RemoteHTTPBackend) call(ctx context.Context, method, action string, params map[string]any) (*envelope, error) {
	var env envelope
	err := b.retrier.Do(ctx, func(ctx context.Context) error {
		return WithTimeout(ctx, b.timeout, func(ctx context.Context) error {
			e, err := b.roundTrip(ctx, method, action, params)
			if err != nil {
				return err
			}
			env = *e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (b *RemoteHTTPBackend) roundTrip(ctx context.Context, method, action string, params map[string]any) (*envelope, error) {
	var req *http.Request
	var err error

	switch method {
	case http.MethodGet:
		// GETはパラメータをクエリ文字列に展開する（プリミティブ以外はJSON化）
		q := url.Values{}
		q.Set("action", action)
		q.Set("storeId", b.storeID)
		for k, v := range params {
			q.Set(k, encodeParam(v))
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, b.webAppURL+"?"+q.Encode(), nil)
	default:
		// 書き込みはJSONボディのPOST
		body := map[string]any{
			"action":  action,
			"storeId": b.storeID,
		}
		for k, v := range params {
			body[k] = v
		}
		payload, merr := json.Marshal(body)
		if merr != nil {
			return nil, &ValidationError{Reason: merr.Error()}
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.webAppURL, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: action, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: action, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// 応答の構文エラーはリトライしても解決しない
		return nil, fmt.Errorf("invalid response for %s: %w", action, err)
	}
	return &env, nil
}

func encodeParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func decodeRawValue(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func decodeRecords(data json.RawMessage) ([]Record, error) {
	if len(data) == 0 {
		return []Record{}, nil
	}
	records := []Record{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("invalid record list: %w", err)
	}
	return records, nil
}

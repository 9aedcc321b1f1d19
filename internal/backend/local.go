package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// LocalBackend はホスト常駐のキー/バリューストア（Redis）への薄いパススルーです。
// レコードはキーごとにJSONで保存します。
type LocalBackend struct {
	rdb         *redis.Client
	initialized atomic.Bool
}

// NewLocalBackend は LocalBackend を作成します。
func NewLocalBackend(rdb *redis.Client) *LocalBackend {
	return &LocalBackend{rdb: rdb}
}

// Init はRedisへの疎通を確認します。
func (b *LocalBackend) Init(ctx context.Context) error {
	if b.rdb == nil {
		return ErrMissingCredential
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	b.initialized.Store(true)
	return nil
}

// Initialized は Init が成功済みかを返します。
func (b *LocalBackend) Initialized() bool {
	return b.initialized.Load()
}

// Save はレコードを保存します。既存キーの場合は作成時刻を引き継ぎます。
func (b *LocalBackend) Save(ctx context.Context, key, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec := Record{
		Key:          key,
		Value:        value,
		Timestamp:    now,
		LastModified: now,
	}
	if prev, found, err := b.loadRecord(ctx, key); err == nil && found {
		rec.Timestamp = prev.Timestamp
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if err := b.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return &TransportError{Op: "set", Err: err}
	}
	return nil
}

// Load は値を返します。キー不在は ("", false, nil) です。
func (b *LocalBackend) Load(ctx context.Context, key string) (string, bool, error) {
	rec, found, err := b.loadRecord(ctx, key)
	if err != nil || !found {
		return "", false, err
	}
	return rec.Value, true, nil
}

// Delete はレコードを削除し、削除が起きたかを返します。
func (b *LocalBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, &TransportError{Op: "del", Err: err}
	}
	return n > 0, nil
}

// List は prefix で始まるキーの全レコードをキー昇順で返します。
// RedisのSCAN順序は不定のため、決定的な並びとしてキー順を採用しています。
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]Record, error) {
	match := prefix + "*"
	if prefix == "" {
		match = "*"
	}

	records := []Record{}
	iter := b.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		rec, found, err := b.loadRecord(ctx, iter.Val())
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, *rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &TransportError{Op: "scan", Err: err}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records, nil
}

func (b *LocalBackend) loadRecord(ctx context.Context, key string) (*Record, bool, error) {
	data, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, &TransportError{Op: "get", Err: err}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || (rec.Key == "" && rec.Value == "") {
		// レコード形式以前に保存された生文字列はそのまま値として扱う。
		// 生のJSONオブジェクトも Record として復号できてしまう（未知フィールドは
		// 無視される）ため、キーも値も空に復号されたものはレコードとみなさない。
		// 空の値は Save が受け付けないので、正規のレコードと衝突しません。
		return &Record{Key: key, Value: string(data)}, true, nil
	}
	return &rec, true, nil
}

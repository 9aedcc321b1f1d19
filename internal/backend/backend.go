// Package backend は洋生ノートのキー/バリューストレージ抽象と、
// ローカル・リモートHTTP・Google Driveの3つの実装を提供します。
package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// KeyPrefix は同期対象となるレジャーキーの共通プレフィックスです。
// 日付キーは yousei:<storeId>:<YYYY-MM-DD> の形式をとります。
const KeyPrefix = "yousei:"

// Record はストレージ上の1レコードを表します。
// Value は呼び出し側定義のJSON文字列またはプレーンテキストで、ストレージ層は解釈しません。
type Record struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	LastModified time.Time `json:"lastModified"`
}

// Backend はすべてのストレージ実装が満たす共通契約です。
//
// Load と Delete にとってキー不在はエラーではなく、found/removed の
// 戻り値で表現します。エラーはトランスポート・認証などの実際の失敗のみです。
type Backend interface {
	// Init は接続を確立し軽量な疎通確認を行います。
	// 必須の接続情報が無い場合は ErrMissingCredential を返します。
	Init(ctx context.Context) error

	// Initialized は Init が成功済みかを返します。
	Initialized() bool

	// Save はレコードを作成または上書きします。
	Save(ctx context.Context, key, value string) error

	// Load は値と存在有無を返します。キー不在は ("", false, nil) です。
	Load(ctx context.Context, key string) (string, bool, error)

	// Delete はレコードを削除し、削除が起きたかを返します。
	Delete(ctx context.Context, key string) (bool, error)

	// List は prefix で始まるキーのレコードを返します。prefix が空なら全件です。
	List(ctx context.Context, prefix string) ([]Record, error)
}

// BuildKey は prefix, id, suffix を "." で連結した正規のストレージキーを生成します。
// 空の要素はスキップします。
func BuildKey(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

// ValidateValue は保存値の妥当性を検証します。
// 空値、およびJSONを名乗りながら構文が壊れている値を ValidationError として拒否します。
func ValidateValue(value string) error {
	if value == "" {
		return &ValidationError{Reason: "value is empty"}
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if !json.Valid([]byte(trimmed)) {
			return &ValidationError{Reason: "value is not valid JSON"}
		}
	}
	return nil
}

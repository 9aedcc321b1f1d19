package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingCredential は必須の接続情報が与えられていないことを表します。
// 接続失敗と異なりリトライしても解決しないため、呼び出し側の誤りとして扱います。
var ErrMissingCredential = errors.New("required credential is missing")

// ValidationError は保存データが要件を満たしていないことを表します。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// TimeoutError は操作が設定時間内に完了しなかったことを表します。
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Duration)
}

// TransportError はネットワーク・HTTPレベルの失敗を表します。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError は認証・セッションの失敗を表します。
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RemoteError はサーバーが status:error を返したことを表します。
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Action, e.Message)
}

// IsRetryable はリトライで解決しうるエラー（タイムアウト・ネットワーク系）かを判定します。
// バリデーション・認証・サーバー応答エラーは何度実行しても結果が変わらないため対象外です。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	var tre *TransportError
	return errors.As(err, &te) || errors.As(err, &tre)
}

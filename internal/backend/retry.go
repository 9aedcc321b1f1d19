package backend

import (
	"context"
	"time"
)

const (
	// DefaultMaxRetries は失敗時に追加で試行する回数です。
	DefaultMaxRetries = 3
	// DefaultBaseDelay はリトライ間隔の初期値です。
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay はリトライ間隔の上限です。
	DefaultMaxDelay = 5 * time.Second
	// DefaultTimeout はリモート操作1回あたりの制限時間です。
	DefaultTimeout = 10 * time.Second
)

// Retrier は指数バックオフ付きのリトライを提供します。
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetrier は既定値の Retrier を返します。
func NewRetrier() Retrier {
	return Retrier{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay は attempt 回目（0始まり）の失敗後に待つ時間を返します。
// base·2^attempt を上限 MaxDelay で打ち切った値です。
func (r Retrier) Delay(attempt int) time.Duration {
	d := r.BaseDelay << uint(attempt)
	if d > r.MaxDelay || d <= 0 {
		return r.MaxDelay
	}
	return d
}

// Do は op を実行し、リトライ可能なエラーなら最大 MaxRetries 回まで再実行します。
// リトライ対象外のエラーは即座に返し、回数を使い切った場合は最後のエラーを返します。
func (r Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == r.MaxRetries {
			break
		}
		timer := time.NewTimer(r.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// WithTimeout は op を制限時間付きで実行します。
// 期限切れは TimeoutError に変換します（親コンテキスト自体の取消は除く）。
func WithTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	if d <= 0 {
		d = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := op(tctx)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &TimeoutError{Duration: d}
	}
	return err
}

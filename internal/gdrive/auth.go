package gdrive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenAuthenticator は oauth2.TokenSource を backend.Authenticator 契約に合わせます。
// トークンの更新・再認可は TokenSource 側の責務で、ここでは取得の起動と
// 現在の有効状態の報告だけを行います。
type TokenAuthenticator struct {
	src oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewTokenAuthenticator は TokenAuthenticator を作成します。
func NewTokenAuthenticator(src oauth2.TokenSource) *TokenAuthenticator {
	return &TokenAuthenticator{src: src}
}

// Ensure は有効なトークンを確保します。
func (a *TokenAuthenticator) Ensure(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok.Valid() {
		return nil
	}
	tok, err := a.src.Token()
	if err != nil {
		return fmt.Errorf("token acquisition failed: %w", err)
	}
	a.tok = tok
	return nil
}

// Valid は現在有効なトークンを保持しているかを返します。
func (a *TokenAuthenticator) Valid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tok.Valid()
}

package syncconf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/yousei-note/internal/backend"
)

func newTestGASStore(remote *fakeRemote) (*GASStore, *memoryStore) {
	local := newMemoryStore()
	factory := func(webAppURL, storeID string) SyncBackend { return remote }
	return NewGASStore(local, factory, nil), local
}

func TestGASEnablePersistsOnlyOnInitSuccess(t *testing.T) {
	remote := &fakeRemote{initErr: errInitRefused}
	store, local := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); !errors.Is(err, errInitRefused) {
		t.Fatalf("Enable returned %v, want init error", err)
	}
	if _, found, _ := local.Load(ctx, gasConfigKey); found {
		t.Fatal("failed Enable must not persist the config")
	}
	if store.Config().Enabled {
		t.Fatal("failed Enable must leave the config disabled")
	}

	remote.mu.Lock()
	remote.initErr = nil
	remote.mu.Unlock()
	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}
	t.Cleanup(store.StopAutoSync)

	cfg := store.Config()
	if !cfg.Enabled || cfg.WebAppURL != "https://example.com/exec" || cfg.StoreID != "KRB01" {
		t.Fatalf("Config after Enable = %+v", cfg)
	}
	if _, found, _ := local.Load(ctx, gasConfigKey); !found {
		t.Fatal("successful Enable must persist the config")
	}
}

func TestGASLoadMergesDefaults(t *testing.T) {
	store, local := newTestGASStore(&fakeRemote{})
	ctx := context.Background()

	// 未保存なら既定値のまま
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg := store.Config()
	if !cfg.AutoSync || cfg.SyncIntervalMS != DefaultSyncIntervalMS {
		t.Fatalf("default config = %+v", cfg)
	}

	// 一部フィールドだけ保存されたブロブも既定値に重ねて読む
	if err := local.Save(ctx, gasConfigKey, `{"enabled":true,"storeId":"KRB01"}`); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg = store.Config()
	if !cfg.Enabled || cfg.StoreID != "KRB01" {
		t.Fatalf("loaded config = %+v", cfg)
	}
	if !cfg.AutoSync || cfg.SyncIntervalMS != DefaultSyncIntervalMS {
		t.Fatalf("defaults were lost on load: %+v", cfg)
	}
}

func TestGASSyncNowAdvancesLastSyncOnCleanPass(t *testing.T) {
	remote := &fakeRemote{}
	store, _ := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.SetAutoSync(ctx, false, 0); err != nil {
		t.Fatalf("SetAutoSync returned error: %v", err)
	}
	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	if err := store.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow returned error: %v", err)
	}
	if store.Config().LastSync == nil {
		t.Fatal("LastSync must advance after a pass with zero failures")
	}
}

func TestGASSyncNowKeepsLastSyncOnPartialFailure(t *testing.T) {
	remote := &fakeRemote{failed: 1}
	store, _ := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.SetAutoSync(ctx, false, 0); err != nil {
		t.Fatalf("SetAutoSync returned error: %v", err)
	}
	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	if err := store.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow returned error: %v", err)
	}
	if store.Config().LastSync != nil {
		t.Fatal("LastSync must not advance when any record failed to sync")
	}
}

func TestGASSyncNowWithoutBackend(t *testing.T) {
	store, _ := newTestGASStore(&fakeRemote{})

	if err := store.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow should fail when no backend is enabled")
	}
}

func TestGASSyncNowSingleFlight(t *testing.T) {
	block := make(chan struct{})
	remote := &fakeRemote{block: block}
	store, _ := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.SetAutoSync(ctx, false, 0); err != nil {
		t.Fatalf("SetAutoSync returned error: %v", err)
	}
	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- store.SyncNow(ctx) }()

	// 1本目が SyncWithLocal に入るのを待つ
	deadline := time.After(2 * time.Second)
	for remote.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("first sync pass never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := store.SyncNow(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("overlapping SyncNow returned %v, want ErrSyncInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow returned error: %v", err)
	}
	// 終了後は再び実行できる
	if err := store.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow after completion returned error: %v", err)
	}
}

func TestGASAutoSyncRunsAndStops(t *testing.T) {
	remote := &fakeRemote{}
	store, _ := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.SetAutoSync(ctx, false, 10); err != nil {
		t.Fatalf("SetAutoSync returned error: %v", err)
	}
	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	store.StartAutoSync()
	// 再起動しても同期ループは1本のまま
	store.StartAutoSync()

	deadline := time.After(2 * time.Second)
	for remote.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("auto sync never fired")
		case <-time.After(time.Millisecond):
		}
	}

	store.StopAutoSync()
	after := remote.calls()
	time.Sleep(50 * time.Millisecond)
	if remote.calls() != after {
		t.Fatal("sync loop kept running after StopAutoSync")
	}

	// 止まっているときの Stop は何もしない
	store.StopAutoSync()
}

func TestGASSyncNowPushesOnlyLedgerKeys(t *testing.T) {
	var mu sync.Mutex
	pushed := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				if key, _ := body["key"].(string); key != "" {
					mu.Lock()
					pushed = append(pushed, key)
					mu.Unlock()
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "success",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	local := newMemoryStore()
	factory := func(webAppURL, storeID string) SyncBackend {
		return backend.NewRemoteHTTPBackend(webAppURL, storeID, local, nil, nil)
	}
	store := NewGASStore(local, factory, nil)
	ctx := context.Background()

	if err := store.SetAutoSync(ctx, false, 0); err != nil {
		t.Fatalf("SetAutoSync returned error: %v", err)
	}
	if err := store.Enable(ctx, srv.URL, "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}
	if err := local.Save(ctx, "yousei:KRB01:2024-05-01", `{"stock":3}`); err != nil {
		t.Fatalf("failed to seed local store: %v", err)
	}

	if err := store.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow returned error: %v", err)
	}

	// 台帳の1件だけが送信され、設定ブロブ（接続情報）はリモートに流れない
	mu.Lock()
	defer mu.Unlock()
	if len(pushed) != 1 || pushed[0] != "yousei:KRB01:2024-05-01" {
		t.Fatalf("keys pushed to remote = %v, want only the ledger key", pushed)
	}
	if store.Config().LastSync == nil {
		t.Fatal("a clean pass over ledger keys must advance LastSync")
	}
}

func TestGASDisableStopsAndPersists(t *testing.T) {
	remote := &fakeRemote{}
	store, local := newTestGASStore(remote)
	ctx := context.Background()

	if err := store.Enable(ctx, "https://example.com/exec", "KRB01"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}
	if err := store.Disable(ctx); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}

	if store.Config().Enabled {
		t.Fatal("Disable must clear the enabled flag")
	}
	value, found, _ := local.Load(ctx, gasConfigKey)
	if !found {
		t.Fatal("Disable must persist the config")
	}
	if want := `"enabled":false`; !strings.Contains(value, want) {
		t.Fatalf("persisted config %q does not contain %q", value, want)
	}
	if err := store.SyncNow(ctx); err == nil {
		t.Fatal("SyncNow should fail after Disable")
	}
}

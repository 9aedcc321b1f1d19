package syncconf

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/yourusername/yousei-note/internal/backend"
)

// memoryStore はテスト用のインメモリ backend.Backend です。
type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: map[string]string{}}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Initialized() bool          { return true }

func (m *memoryStore) Save(_ context.Context, key, value string) error {
	if err := backend.ValidateValue(value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memoryStore) Load(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, found := m.items[key]
	return value, found, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.items[key]
	delete(m.items, key)
	return found, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]backend.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := []backend.Record{}
	for key, value := range m.items {
		if strings.HasPrefix(key, prefix) {
			records = append(records, backend.Record{Key: key, Value: value})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// fakeRemote は SyncBackend のテスト実装です。
type fakeRemote struct {
	mu        sync.Mutex
	initErr   error
	syncErr   error
	failed    int
	syncCalls int
	initCalls int
	block     chan struct{} // 非nilなら SyncWithLocal がクローズまで待つ
}

func (f *fakeRemote) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeRemote) SyncWithLocal(context.Context) (int, int, error) {
	f.mu.Lock()
	f.syncCalls++
	block := f.block
	syncErr := f.syncErr
	failed := f.failed
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if syncErr != nil {
		return 0, 0, syncErr
	}
	return 1, failed, nil
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

var errInitRefused = errors.New("remote refused the handshake")

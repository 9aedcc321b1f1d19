package backend

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend はテスト用のインメモリ実装です。
type memoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
	inited  bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{records: map[string]Record{}}
}

func (m *memoryBackend) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inited = true
	return nil
}

func (m *memoryBackend) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inited
}

func (m *memoryBackend) Save(_ context.Context, key, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	rec, ok := m.records[key]
	if !ok {
		rec = Record{Key: key, Timestamp: now}
	}
	rec.Value = value
	rec.LastModified = now
	m.records[key] = rec
	return nil
}

func (m *memoryBackend) Load(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

func (m *memoryBackend) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := []Record{}
	for key, rec := range m.records {
		if prefix == "" || len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records, nil
}

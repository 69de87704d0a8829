package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore — потокобезопасная реализация Store в памяти.
// Используется в тестах и при запуске сервиса без базы данных.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

// Get возвращает запись по ключу или ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	cp := Record{
		Value:   append([]byte(nil), rec.Value...),
		Version: rec.Version,
	}
	return &cp, nil
}

// Put безусловно записывает значение, увеличивая версию записи.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.data[key]
	m.data[key] = Record{
		Value:   append([]byte(nil), value...),
		Version: rec.Version + 1,
	}
	return nil
}

// Create создаёт новую запись с версией 1 или возвращает ErrKeyExists.
func (m *MemoryStore) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; ok {
		return ErrKeyExists
	}

	m.data[key] = Record{
		Value:   append([]byte(nil), value...),
		Version: 1,
	}
	return nil
}

// CompareAndSwap записывает значение при совпадении версии.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, value []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != version {
		return ErrVersionMismatch
	}

	m.data[key] = Record{
		Value:   append([]byte(nil), value...),
		Version: version + 1,
	}
	return nil
}

// Delete удаляет запись по ключу.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// CompareAndDelete удаляет запись при совпадении версии.
func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != version {
		return ErrVersionMismatch
	}

	delete(m.data, key)
	return nil
}

// List возвращает записи с ключами, начинающимися с prefix, в порядке возрастания ключей.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []KeyRecord
	for k, rec := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		res = append(res, KeyRecord{
			Key: k,
			Record: Record{
				Value:   append([]byte(nil), rec.Value...),
				Version: rec.Version,
			},
		})
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

// Close освобождает ресурсы хранилища. Для памяти ничего не делает.
func (m *MemoryStore) Close() error {
	return nil
}

// Package kvstore определяет контракт плоского key-value хранилища с версионированием записей.
//
// Версия записи растёт на единицу при каждом изменении. Операция CompareAndSwap
// применяет изменение только при совпадении версии, что даёт оптимистичную
// блокировку поверх любого бэкенда с согласованностью read-after-write по ключу.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound возвращается, если запись по ключу отсутствует.
var (
	ErrNotFound = errors.New("key not found")
	// ErrKeyExists возвращается из Create, если запись по ключу уже существует.
	ErrKeyExists = errors.New("key already exists")
	// ErrVersionMismatch возвращается, если версия записи изменилась с момента чтения.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Record содержит значение записи и её текущую версию.
type Record struct {
	Value   []byte
	Version int64
}

// KeyRecord содержит запись вместе с её ключом. Используется в результатах List.
type KeyRecord struct {
	Key string
	Record
}

// Store описывает контракт хранилища, используемый всеми компонентами сервиса.
type Store interface {
	// Get возвращает запись по ключу или ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Put безусловно записывает значение, создавая запись при необходимости.
	Put(ctx context.Context, key string, value []byte) error
	// Create создаёт новую запись или возвращает ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) error
	// CompareAndSwap записывает значение, только если версия записи равна version,
	// иначе возвращает ErrVersionMismatch (ErrNotFound — если запись удалена).
	CompareAndSwap(ctx context.Context, key string, value []byte, version int64) error
	// Delete удаляет запись. Отсутствие записи не считается ошибкой.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete удаляет запись, только если версия равна version.
	CompareAndDelete(ctx context.Context, key string, version int64) error
	// List возвращает все записи, ключи которых начинаются с prefix.
	List(ctx context.Context, prefix string) ([]KeyRecord, error)
	Close() error
}

// GetJSON читает запись и декодирует её значение из JSON в T.
// Возвращает значение и версию записи для последующего CompareAndSwap.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, int64, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, 0, fmt.Errorf("decode %q: %w", key, err)
	}

	return &v, rec.Version, nil
}

// PutJSON кодирует значение в JSON и безусловно записывает его по ключу.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// CreateJSON кодирует значение в JSON и создаёт новую запись по ключу.
func CreateJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Create(ctx, key, raw)
}

// SwapJSON кодирует значение в JSON и записывает его через CompareAndSwap.
func SwapJSON(ctx context.Context, s Store, key string, v any, version int64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.CompareAndSwap(ctx, key, raw, version)
}

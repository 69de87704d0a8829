// Package repository содержит реализацию key-value хранилища в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/FNZ-Store/virus/internal/kvstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore реализует kvstore.Store поверх одной версионированной таблицы kv.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт хранилище и инициализирует схему БД через миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Ошибки контекста не ретраим
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Get возвращает запись по ключу или kvstore.ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) (*kvstore.Record, error) {
	var rec kvstore.Record

	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT value, version FROM kv WHERE key = $1`,
			key,
		)
		return row.Scan(&rec.Value, &rec.Version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	return &rec, nil
}

// Put безусловно записывает значение, увеличивая версию записи.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO kv (key, value, version) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = kv.version + 1`,
			key, value,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Create создаёт новую запись или возвращает kvstore.ErrKeyExists.
func (s *PostgresStore) Create(ctx context.Context, key string, value []byte) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO kv (key, value, version) VALUES ($1, $2, 1)`,
			key, value,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return kvstore.ErrKeyExists
		}
		return fmt.Errorf("create %q: %w", key, err)
	}
	return nil
}

// CompareAndSwap записывает значение, только если версия записи не изменилась.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, value []byte, version int64) error {
	var affected int64

	err := s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE kv SET value = $2, version = version + 1 WHERE key = $1 AND version = $3`,
			key, value, version,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("compare-and-swap %q: %w", key, err)
	}

	if affected == 0 {
		// Запись либо удалена, либо её версия ушла вперёд
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM kv WHERE key = $1)`,
			key,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check key %q: %w", key, err)
		}
		if !exists {
			return kvstore.ErrNotFound
		}
		return kvstore.ErrVersionMismatch
	}

	return nil
}

// Delete удаляет запись по ключу. Отсутствие записи не считается ошибкой.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// CompareAndDelete удаляет запись, только если версия не изменилась.
func (s *PostgresStore) CompareAndDelete(ctx context.Context, key string, version int64) error {
	var affected int64

	err := s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM kv WHERE key = $1 AND version = $2`,
			key, version,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("compare-and-delete %q: %w", key, err)
	}

	if affected == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM kv WHERE key = $1)`,
			key,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check key %q: %w", key, err)
		}
		if !exists {
			return kvstore.ErrNotFound
		}
		return kvstore.ErrVersionMismatch
	}

	return nil
}

// List возвращает записи с ключами, начинающимися с prefix, в порядке возрастания ключей.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]kvstore.KeyRecord, error) {
	var res []kvstore.KeyRecord

	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT key, value, version FROM kv WHERE key LIKE $1 || '%' ORDER BY key`,
			prefix,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var kr kvstore.KeyRecord
			if err := rows.Scan(&kr.Key, &kr.Value, &kr.Version); err != nil {
				return fmt.Errorf("scan record: %w", err)
			}
			res = append(res, kr)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	return res, nil
}

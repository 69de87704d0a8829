package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
)

// GetProduct возвращает товар каталога или ErrUnknownProduct.
func (s *Service) GetProduct(ctx context.Context, key string) (*model.Product, error) {
	p, _, err := kvstore.GetJSON[model.Product](ctx, s.store, productKey(key))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrUnknownProduct
		}
		return nil, err
	}
	return p, nil
}

// ListProducts возвращает каталог товаров в порядке ключей.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	recs, err := s.store.List(ctx, productPrefix)
	if err != nil {
		return nil, err
	}

	res := make([]model.Product, 0, len(recs))
	for _, rec := range recs {
		p, _, err := kvstore.GetJSON[model.Product](ctx, s.store, rec.Key)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, *p)
	}

	return res, nil
}

// reserveStock резервирует qty единиц товара под заявку.
// Доступный остаток считается за вычетом уже зарезервированного.
func (s *Service) reserveStock(ctx context.Context, key string, qty int64) error {
	_, err := updateRecord(ctx, s.store, productKey(key), nil,
		func(p *model.Product) error {
			if p.Available() < qty {
				return ErrInsufficientStock
			}
			p.Reserved += qty
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrUnknownProduct
		}
		return err
	}
	return nil
}

// releaseStock снимает резерв qty единиц товара. Отсутствие товара не считается
// ошибкой: резерв удалённого товара снимать не с чего.
func (s *Service) releaseStock(ctx context.Context, key string, qty int64) error {
	_, err := updateRecord(ctx, s.store, productKey(key), nil,
		func(p *model.Product) error {
			p.Reserved -= qty
			if p.Reserved < 0 {
				p.Reserved = 0
			}
			return nil
		},
	)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}
	return nil
}

// consumeStock списывает qty единиц товара, снимая соответствующий резерв.
// Для списочного товара возвращает выданные позиции и поддерживает инвариант
// Stock == len(Items).
func (s *Service) consumeStock(ctx context.Context, key string, qty int64) ([]string, error) {
	var delivered []string

	_, err := updateRecord(ctx, s.store, productKey(key), nil,
		func(p *model.Product) error {
			delivered = nil

			switch p.Mode {
			case model.InventoryList:
				if int64(len(p.Items)) < qty {
					return ErrInsufficientStock
				}
				delivered = append(delivered, p.Items[:qty]...)
				p.Items = append([]string(nil), p.Items[qty:]...)
				p.Stock = int64(len(p.Items))
			case model.InventoryCounter:
				if p.Stock < qty {
					return ErrInsufficientStock
				}
				p.Stock -= qty
			default:
				return fmt.Errorf("product %q has unknown inventory mode %q", key, p.Mode)
			}

			p.Reserved -= qty
			if p.Reserved < 0 {
				p.Reserved = 0
			}
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrUnknownProduct
		}
		return nil, err
	}

	return delivered, nil
}

// UpsertProduct создаёт или обновляет товар каталога. Для списочного режима
// остаток выводится из числа позиций; текущий резерв существующего товара
// сохраняется, чтобы не ломать заявки в полёте.
func (s *Service) UpsertProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	if p.Key == "" {
		return nil, ErrUnknownProduct
	}
	if p.Mode == "" {
		if len(p.Items) > 0 {
			p.Mode = model.InventoryList
		} else {
			p.Mode = model.InventoryCounter
		}
	}
	if p.Mode == model.InventoryList {
		p.Stock = int64(len(p.Items))
	}
	if p.Price < 0 || p.Stock < 0 {
		return nil, ErrInvalidAmount
	}
	if p.Title == "" {
		p.Title = strings.ToUpper(p.Key[:1]) + p.Key[1:]
	}

	stored, err := updateRecord(ctx, s.store, productKey(p.Key),
		func() *model.Product {
			fresh := p
			fresh.Reserved = 0
			return &fresh
		},
		func(existing *model.Product) error {
			reserved := existing.Reserved
			*existing = p
			existing.Reserved = reserved
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("upsert product %q: %w", p.Key, err)
	}

	return stored, nil
}

// RemoveProduct удаляет товар из каталога.
func (s *Service) RemoveProduct(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, productKey(key)); err != nil {
		return fmt.Errorf("remove product %q: %w", key, err)
	}
	return nil
}

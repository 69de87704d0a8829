package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
)

// historyCap ограничивает длину истории операций пользователя.
// Старые записи молча отбрасываются.
const historyCap = 100

func (s *Service) getOrCreateUser(ctx context.Context, userID int64) (*model.User, error) {
	u, _, err := kvstore.GetJSON[model.User](ctx, s.store, userKey(userID))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}

	created := &model.User{
		ID:       userID,
		JoinedAt: s.now(),
	}
	if err := kvstore.CreateJSON(ctx, s.store, userKey(userID), created); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			// Параллельное создание — перечитываем
			u, _, err = kvstore.GetJSON[model.User](ctx, s.store, userKey(userID))
			return u, err
		}
		return nil, err
	}

	return created, nil
}

// credit увеличивает баланс пользователя и записывает операцию в историю.
func (s *Service) credit(ctx context.Context, userID, amount int64, txType model.TransactionType, label string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	_, err := updateRecord(ctx, s.store, userKey(userID),
		func() *model.User {
			return &model.User{ID: userID, JoinedAt: s.now()}
		},
		func(u *model.User) error {
			u.Balance += amount
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("credit user %d: %w", userID, err)
	}

	return s.appendHistory(ctx, userID, model.Transaction{
		ID:           s.newTransactionID(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		ProductLabel: label,
		CreatedAt:    s.now(),
		Status:       "SUCCESS",
	})
}

// debit списывает сумму с баланса пользователя.
// Возвращает ErrInsufficientBalance, если средств не хватает.
func (s *Service) debit(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	_, err := updateRecord(ctx, s.store, userKey(userID), nil,
		func(u *model.User) error {
			if u.Balance < amount {
				return ErrInsufficientBalance
			}
			u.Balance -= amount
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrInsufficientBalance
		}
		return err
	}

	return nil
}

// appendHistory добавляет записи в историю операций пользователя, сохраняя
// не более historyCap последних записей.
func (s *Service) appendHistory(ctx context.Context, userID int64, txs ...model.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	_, err := updateRecord(ctx, s.store, historyKey(userID),
		func() *[]model.Transaction {
			empty := make([]model.Transaction, 0, len(txs))
			return &empty
		},
		func(history *[]model.Transaction) error {
			*history = append(*history, txs...)
			if len(*history) > historyCap {
				*history = (*history)[len(*history)-historyCap:]
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("append history for user %d: %w", userID, err)
	}

	return nil
}

// GetHistory возвращает историю операций пользователя, новые записи последними.
func (s *Service) GetHistory(ctx context.Context, userID int64) ([]model.Transaction, error) {
	history, _, err := kvstore.GetJSON[[]model.Transaction](ctx, s.store, historyKey(userID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return *history, nil
}

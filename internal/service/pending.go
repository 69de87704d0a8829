package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
)

// createPending сохраняет новый счёт.
//
// Для пополнений действует правило «не более одного активного счёта на
// пользователя»: оно обеспечивается атомарным созданием ключа-замка
// deposit-lock:<userID>. Покупки ключуются только идентификатором платежа —
// несколько покупок одного пользователя могут ждать оплаты одновременно,
// двойное списание исключено резервом остатка и CAS-переходом статуса.
func (s *Service) createPending(ctx context.Context, p *model.PendingPayment) error {
	if p.Kind == model.PaymentKindDeposit {
		if err := kvstore.CreateJSON(ctx, s.store, lockKey(p.UserID), p.PaymentID); err != nil {
			if errors.Is(err, kvstore.ErrKeyExists) {
				return ErrDuplicatePending
			}
			return fmt.Errorf("create deposit lock: %w", err)
		}
	}

	if err := kvstore.CreateJSON(ctx, s.store, pendingKey(p.PaymentID), p); err != nil {
		if p.Kind == model.PaymentKindDeposit {
			_ = s.store.Delete(ctx, lockKey(p.UserID))
		}
		if errors.Is(err, kvstore.ErrKeyExists) {
			return ErrDuplicatePending
		}
		return fmt.Errorf("create pending payment: %w", err)
	}

	return nil
}

// getPending возвращает счёт и версию его записи или ErrPaymentNotFound.
func (s *Service) getPending(ctx context.Context, paymentID string) (*model.PendingPayment, int64, error) {
	p, version, err := kvstore.GetJSON[model.PendingPayment](ctx, s.store, pendingKey(paymentID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, 0, ErrPaymentNotFound
		}
		return nil, 0, err
	}
	return p, version, nil
}

// removePending удаляет запись счёта и освобождает замок пополнения,
// если замок всё ещё указывает на этот платёж.
func (s *Service) removePending(ctx context.Context, p *model.PendingPayment) error {
	if err := s.store.Delete(ctx, pendingKey(p.PaymentID)); err != nil {
		return fmt.Errorf("remove pending payment: %w", err)
	}

	if p.Kind == model.PaymentKindDeposit {
		rec, err := s.store.Get(ctx, lockKey(p.UserID))
		if err == nil {
			var owner string
			if jsonErr := json.Unmarshal(rec.Value, &owner); jsonErr == nil && owner == p.PaymentID {
				_ = s.store.CompareAndDelete(ctx, lockKey(p.UserID), rec.Version)
			}
		}
	}

	return nil
}

// releasePending освобождает ресурсы, связанные со счётом: резерв товара
// для покупок и замок для пополнений.
func (s *Service) releasePending(ctx context.Context, p *model.PendingPayment) {
	if p.Kind == model.PaymentKindPurchase && p.ProductKey != "" {
		if err := s.releaseStock(ctx, p.ProductKey, p.Quantity); err != nil {
			s.logger.Warn("release reservation failed",
				zap.String("paymentID", p.PaymentID),
				zap.String("product", p.ProductKey),
				zap.Error(err),
			)
		}
	}
	if err := s.removePending(ctx, p); err != nil {
		s.logger.Warn("remove pending failed",
			zap.String("paymentID", p.PaymentID),
			zap.Error(err),
		)
	}
}

// transitionPending переводит счёт из PENDING в указанный статус через
// compare-and-swap. Возвращает ErrAlreadyProcessed, если переход выполнила
// параллельная операция, и ErrPaymentNotFound, если запись уже удалена.
func (s *Service) transitionPending(ctx context.Context, p *model.PendingPayment, version int64, to model.PaymentState) error {
	if p.Status != model.PaymentStatePending {
		return ErrAlreadyProcessed
	}

	next := *p
	next.Status = to

	err := kvstore.SwapJSON(ctx, s.store, pendingKey(p.PaymentID), &next, version)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrPaymentNotFound
		}
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("transition payment %s to %s: %w", p.PaymentID, to, err)
	}

	p.Status = to
	return nil
}

// SweepExpired переводит просроченные счета в EXPIRED и удаляет их,
// освобождая резервы и замки. Возвращает список обработанных счетов,
// чтобы вызывающая сторона могла уведомить пользователей.
//
// Просрочка оценивается по createdAt каждой записи, а переход фиксируется
// через CAS, поэтому счёт, созданный параллельно с обходом, не может быть
// ошибочно закрыт, а гонка с подтверждением решается в пользу того,
// чей переход зафиксирован первым.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]model.PendingPayment, error) {
	recs, err := s.store.List(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	var swept []model.PendingPayment

	for _, rec := range recs {
		var p model.PendingPayment
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			s.logger.Warn("skip malformed pending record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}

		if p.Status != model.PaymentStatePending || !p.Expired(now) {
			continue
		}

		if err := s.transitionPending(ctx, &p, rec.Version, model.PaymentStateExpired); err != nil {
			// Параллельная операция уже распорядилась этим счётом
			if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrPaymentNotFound) {
				continue
			}
			return swept, err
		}

		s.releasePending(ctx, &p)
		swept = append(swept, p)
	}

	return swept, nil
}

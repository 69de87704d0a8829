package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
	"github.com/FNZ-Store/virus/internal/qris"
	"github.com/FNZ-Store/virus/internal/validation"
)

// RequestPayment выставляет счёт на пополнение или покупку.
//
// Для покупок остаток резервируется до обращения к провайдеру: счёт на
// невыполнимый заказ не создаётся, а параллельная заявка на тот же товар
// получает ErrInsufficientStock сразу. Случайная надбавка к сумме делает
// итог каждого счёта уникальным для сопоставления входящих переводов;
// при зачислении используется исходный номинал, а не сумма с надбавкой.
func (s *Service) RequestPayment(ctx context.Context, kind model.PaymentKind, userID, amount int64, productKey string, qty int64) (*Outcome, error) {
	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := s.getOrCreateUser(ctx, userID); err != nil {
		return nil, err
	}

	var (
		nominal int64
		product *model.Product
	)

	switch kind {
	case model.PaymentKindDeposit:
		if amount < settings.MinDeposit {
			return nil, ErrInvalidAmount
		}
		nominal = amount
	case model.PaymentKindPurchase:
		if !validation.IsValidProductKey(productKey) {
			return nil, ErrUnknownProduct
		}
		if !validation.IsValidQuantity(qty) {
			return nil, ErrInvalidQuantity
		}
		product, err = s.GetProduct(ctx, productKey)
		if err != nil {
			return nil, err
		}
		nominal = product.Price * qty

		if err := s.reserveStock(ctx, productKey, qty); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown payment kind %q", kind)
	}

	surcharge := s.surchargeAmount(settings)
	payable := nominal + surcharge

	ref := fmt.Sprintf("%s-%d-%d", kind, userID, s.now().UnixNano())

	invoice, err := s.provider.CreateInvoice(ctx, payable, ref)
	if err != nil {
		// Счёт не создан — резерв возвращаем
		if kind == model.PaymentKindPurchase {
			_ = s.releaseStock(ctx, productKey, qty)
		}
		return nil, err
	}

	expiry := invoice.ExpiryMinutes
	if expiry <= 0 {
		expiry = s.opts.DefaultExpiryMinutes
	}

	p := &model.PendingPayment{
		PaymentID:     invoice.PaymentID,
		UserID:        userID,
		Kind:          kind,
		Amount:        nominal,
		TotalDue:      invoice.TotalDue,
		FeeAmount:     invoice.FeeAmount,
		QRURL:         invoice.QRURL,
		CreatedAt:     s.now(),
		ExpiryMinutes: expiry,
		Status:        model.PaymentStatePending,
	}
	if kind == model.PaymentKindPurchase {
		p.ProductKey = productKey
		p.Quantity = qty
	}

	if err := s.createPending(ctx, p); err != nil {
		if kind == model.PaymentKindPurchase {
			_ = s.releaseStock(ctx, productKey, qty)
		}
		return nil, err
	}

	s.logger.Info("pending payment created",
		zap.String("paymentID", p.PaymentID),
		zap.Int64("userID", userID),
		zap.String("kind", string(kind)),
		zap.Int64("nominal", nominal),
		zap.Int64("totalDue", p.TotalDue),
	)

	return &Outcome{Kind: OutcomeCreated, Payment: p}, nil
}

// Confirm проверяет оплату счёта и при подтверждении выполняет зачисление
// или выдачу товара ровно один раз.
//
// Порядок проверок фиксирован: владелец, локальная просрочка, затем провайдер.
// Переход PENDING→PAID через compare-and-swap — критическая секция: побеждает
// ровно одно подтверждение, проигравшие получают no-op OutcomeAlreadyProcessed
// либо ErrPaymentNotFound без побочных эффектов.
func (s *Service) Confirm(ctx context.Context, paymentID string, requestingUserID int64) (*Outcome, error) {
	if !validation.IsValidPaymentID(paymentID) {
		return nil, ErrPaymentNotFound
	}

	p, version, err := s.getPending(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if p.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	if p.Status != model.PaymentStatePending {
		return &Outcome{Kind: OutcomeAlreadyProcessed, Payment: p}, nil
	}

	// Дешёвая локальная проверка до обращения к провайдеру: просроченный счёт
	// не оплачивается, что бы провайдер ни ответил
	if p.Expired(s.now()) {
		if err := s.transitionPending(ctx, p, version, model.PaymentStateExpired); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				return &Outcome{Kind: OutcomeAlreadyProcessed, Payment: p}, nil
			}
			return nil, err
		}
		s.releasePending(ctx, p)
		return &Outcome{Kind: OutcomeExpired, Payment: p}, nil
	}

	status, err := s.provider.CheckStatus(ctx, paymentID)
	if err != nil {
		// Провайдер недоступен — состояние не меняем, пользователь повторит проверку
		s.logger.Warn("provider status check failed",
			zap.String("paymentID", paymentID),
			zap.Error(err),
		)
		return &Outcome{Kind: OutcomeNotYetPaid, Payment: p}, nil
	}

	if status != qris.StatusPaid {
		return &Outcome{Kind: OutcomeNotYetPaid, Payment: p}, nil
	}

	if err := s.transitionPending(ctx, p, version, model.PaymentStatePaid); err != nil {
		// Проигравший CAS-перехода — no-op: побочные эффекты выполняет победитель
		if errors.Is(err, ErrAlreadyProcessed) {
			return &Outcome{Kind: OutcomeAlreadyProcessed, Payment: p}, nil
		}
		return nil, err
	}

	return s.fulfill(ctx, p)
}

// fulfill выполняет побочные эффекты подтверждённого платежа.
// Вызывается только победителем перехода PENDING→PAID.
func (s *Service) fulfill(ctx context.Context, p *model.PendingPayment) (*Outcome, error) {
	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case model.PaymentKindDeposit:
		return s.fulfillDeposit(ctx, p, settings)
	case model.PaymentKindPurchase:
		return s.fulfillPurchase(ctx, p, settings)
	default:
		return nil, fmt.Errorf("unknown payment kind %q", p.Kind)
	}
}

func (s *Service) fulfillDeposit(ctx context.Context, p *model.PendingPayment, settings *model.RewardSettings) (*Outcome, error) {
	bonus := depositBonus(settings, p.Amount)

	if err := s.credit(ctx, p.UserID, p.Amount, model.TransactionDeposit, "QRIS top-up"); err != nil {
		return nil, err
	}
	if bonus > 0 {
		if err := s.credit(ctx, p.UserID, bonus, model.TransactionBonus, "Deposit bonus"); err != nil {
			return nil, err
		}
	}

	if err := s.removePending(ctx, p); err != nil {
		s.logger.Warn("remove fulfilled deposit failed", zap.String("paymentID", p.PaymentID), zap.Error(err))
	}

	s.logger.Info("deposit fulfilled",
		zap.String("paymentID", p.PaymentID),
		zap.Int64("userID", p.UserID),
		zap.Int64("credited", p.Amount+bonus),
	)

	return &Outcome{
		Kind:     OutcomeFulfilled,
		Payment:  p,
		Credited: p.Amount + bonus,
		Bonus:    bonus,
	}, nil
}

func (s *Service) fulfillPurchase(ctx context.Context, p *model.PendingPayment, settings *model.RewardSettings) (*Outcome, error) {
	label := p.ProductKey
	if product, err := s.GetProduct(ctx, p.ProductKey); err == nil {
		label = product.Title
	}

	items, err := s.consumeStock(ctx, p.ProductKey, p.Quantity)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrUnknownProduct) {
			// Оплата получена, а товара нет: счёт помечается FAILED и остаётся
			// в хранилище для ручного разбора, платёж не теряется молча
			failed := *p
			failed.Status = model.PaymentStateFailed
			if putErr := kvstore.PutJSON(ctx, s.store, pendingKey(p.PaymentID), &failed); putErr != nil {
				s.logger.Error("mark payment failed", zap.String("paymentID", p.PaymentID), zap.Error(putErr))
			}
			// Зарезервированного товара больше нет — резерв снимается, иначе он
			// навсегда уменьшал бы доступный остаток
			if relErr := s.releaseStock(ctx, p.ProductKey, p.Quantity); relErr != nil {
				s.logger.Warn("release reservation for failed payment",
					zap.String("paymentID", p.PaymentID),
					zap.Error(relErr),
				)
			}
			s.logger.Error("paid purchase cannot be delivered, operator attention required",
				zap.String("paymentID", p.PaymentID),
				zap.Int64("userID", p.UserID),
				zap.String("product", p.ProductKey),
				zap.Int64("qty", p.Quantity),
				zap.Error(err),
			)
			return &Outcome{Kind: OutcomeFailed, Payment: &failed}, nil
		}
		return nil, err
	}

	cashback, unlocked, err := s.finishPurchase(ctx, p.UserID, p.Amount, label, settings)
	if err != nil {
		return nil, err
	}

	if err := s.removePending(ctx, p); err != nil {
		s.logger.Warn("remove fulfilled purchase failed", zap.String("paymentID", p.PaymentID), zap.Error(err))
	}

	s.logger.Info("purchase fulfilled",
		zap.String("paymentID", p.PaymentID),
		zap.Int64("userID", p.UserID),
		zap.String("product", p.ProductKey),
		zap.Int64("qty", p.Quantity),
	)

	return &Outcome{
		Kind:        OutcomeFulfilled,
		Payment:     p,
		Delivered:   items,
		Cashback:    cashback,
		Achievement: unlocked,
	}, nil
}

// finishPurchase записывает покупку в историю, обновляет счётчики пользователя,
// начисляет кэшбэк и награду за открытое достижение.
func (s *Service) finishPurchase(ctx context.Context, userID, spent int64, label string, settings *model.RewardSettings) (int64, *model.AchievementRule, error) {
	if err := s.appendHistory(ctx, userID, model.Transaction{
		ID:           s.newTransactionID(),
		UserID:       userID,
		Type:         model.TransactionPurchase,
		Amount:       spent,
		ProductLabel: label,
		CreatedAt:    s.now(),
		Status:       "SUCCESS",
	}); err != nil {
		return 0, nil, err
	}

	var unlocked *model.AchievementRule

	_, err := updateRecord(ctx, s.store, userKey(userID),
		func() *model.User {
			return &model.User{ID: userID, JoinedAt: s.now()}
		},
		func(u *model.User) error {
			u.PurchaseCount++
			u.TotalSpent += spent
			unlocked = evaluateAchievement(u, settings.Achievements)
			if unlocked != nil {
				u.Achievements = append(u.Achievements, unlocked.ID)
			}
			return nil
		},
	)
	if err != nil {
		return 0, nil, err
	}

	cashback := purchaseCashback(settings, spent)
	if cashback > 0 {
		if err := s.credit(ctx, userID, cashback, model.TransactionCashback, label); err != nil {
			return 0, nil, err
		}
	}

	if unlocked != nil && unlocked.Reward > 0 {
		if err := s.credit(ctx, userID, unlocked.Reward, model.TransactionBonus, unlocked.Title); err != nil {
			return cashback, unlocked, err
		}
	}

	return cashback, unlocked, nil
}

// Cancel отменяет ожидающий счёт. Разрешена владельцу счёта и оператору;
// финансовых и складских эффектов не имеет.
func (s *Service) Cancel(ctx context.Context, paymentID string, requestingUserID int64, operator bool) (*Outcome, error) {
	if !validation.IsValidPaymentID(paymentID) {
		return nil, ErrPaymentNotFound
	}

	p, version, err := s.getPending(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if !operator && p.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	if err := s.transitionPending(ctx, p, version, model.PaymentStateCancelled); err != nil {
		return nil, err
	}

	s.releasePending(ctx, p)

	s.logger.Info("pending payment cancelled",
		zap.String("paymentID", p.PaymentID),
		zap.Int64("userID", p.UserID),
	)

	return &Outcome{Kind: OutcomeCancelled, Payment: p}, nil
}

// PurchaseWithBalance оформляет покупку за счёт внутреннего баланса,
// без выставления счёта провайдеру.
func (s *Service) PurchaseWithBalance(ctx context.Context, userID int64, productKey string, qty int64) (*Outcome, error) {
	if !validation.IsValidProductKey(productKey) {
		return nil, ErrUnknownProduct
	}
	if !validation.IsValidQuantity(qty) {
		return nil, ErrInvalidQuantity
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	product, err := s.GetProduct(ctx, productKey)
	if err != nil {
		return nil, err
	}
	spent := product.Price * qty

	if _, err := s.getOrCreateUser(ctx, userID); err != nil {
		return nil, err
	}

	if err := s.reserveStock(ctx, productKey, qty); err != nil {
		return nil, err
	}

	if err := s.debit(ctx, userID, spent); err != nil {
		_ = s.releaseStock(ctx, productKey, qty)
		return nil, err
	}

	items, err := s.consumeStock(ctx, productKey, qty)
	if err != nil {
		// Товар исчез между резервом и списанием — возвращаем деньги
		_ = s.releaseStock(ctx, productKey, qty)
		if refundErr := s.credit(ctx, userID, spent, model.TransactionDeposit, "Refund: "+product.Title); refundErr != nil {
			s.logger.Error("refund after failed delivery",
				zap.Int64("userID", userID),
				zap.Int64("amount", spent),
				zap.Error(refundErr),
			)
		}
		return nil, err
	}

	cashback, unlocked, err := s.finishPurchase(ctx, userID, spent, product.Title, settings)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Kind:        OutcomeFulfilled,
		Delivered:   items,
		Cashback:    cashback,
		Achievement: unlocked,
	}, nil
}

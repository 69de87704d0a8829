// Package service реализует бизнес-логику магазина: жизненный цикл ожидающих
// платежей, учёт балансов и остатков, выдачу товара после подтверждения оплаты.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
	"github.com/FNZ-Store/virus/internal/qris"
)

// ErrInvalidAmount возвращается, если сумма меньше допустимого минимума.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidQuantity возвращается при недопустимом количестве товара.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrUnknownProduct возвращается, если товар отсутствует в каталоге.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrInsufficientStock возвращается, если доступного остатка не хватает на заявку.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicatePending возвращается, если у пользователя уже есть активный счёт на пополнение.
	ErrDuplicatePending = errors.New("active pending payment already exists")
	// ErrPaymentNotFound возвращается, если счёт не найден. Сообщение пользователю
	// остаётся общим и не раскрывает, существовал ли счёт раньше.
	ErrPaymentNotFound = errors.New("pending payment not found")
	// ErrForbidden возвращается при попытке подтвердить или отменить чужой счёт.
	ErrForbidden = errors.New("payment belongs to another user")
	// ErrAlreadyProcessed возвращается, если счёт уже обработан параллельной операцией.
	ErrAlreadyProcessed = errors.New("payment already processed")
	// ErrInsufficientBalance возвращается при списании суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Ключи записей хранилища.
const (
	pendingPrefix  = "pending:"
	productPrefix  = "product:"
	userPrefix     = "user:"
	historyPrefix  = "history:"
	depositLockKey = "deposit-lock:"
	settingsKey    = "settings:rewards"
)

func userKey(id int64) string      { return userPrefix + strconv.FormatInt(id, 10) }
func historyKey(id int64) string   { return historyPrefix + strconv.FormatInt(id, 10) }
func productKey(key string) string { return productPrefix + key }
func pendingKey(id string) string  { return pendingPrefix + id }
func lockKey(userID int64) string  { return depositLockKey + strconv.FormatInt(userID, 10) }

// Provider описывает контракт QRIS-провайдера, используемый сервисом.
type Provider interface {
	CreateInvoice(ctx context.Context, amount int64, ref string) (*qris.Invoice, error)
	CheckStatus(ctx context.Context, paymentID string) (qris.PaymentStatus, error)
}

// OutcomeKind описывает вид результата операции для слоя представления.
type OutcomeKind string

const (
	OutcomeCreated    OutcomeKind = "created"
	OutcomeNotYetPaid OutcomeKind = "not_yet_paid"
	OutcomeFulfilled  OutcomeKind = "fulfilled"
	OutcomeExpired    OutcomeKind = "expired"
	OutcomeCancelled  OutcomeKind = "cancelled"
	OutcomeFailed     OutcomeKind = "failed"
	// OutcomeAlreadyProcessed — счёт уже обработан параллельной операцией.
	// Для подтверждения это успешный no-op, а не ошибка.
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
)

// Outcome — результат операции над платежом, который слой представления
// превращает в сообщение пользователю.
type Outcome struct {
	Kind        OutcomeKind
	Payment     *model.PendingPayment
	Delivered   []string
	Credited    int64
	Bonus       int64
	Cashback    int64
	Achievement *model.AchievementRule
}

// Options содержит параметры работы сервиса.
type Options struct {
	// DefaultExpiryMinutes — срок жизни счёта, если провайдер не сообщил свой.
	DefaultExpiryMinutes int64
	// SweepInterval — период фоновой очистки просроченных счетов.
	SweepInterval time.Duration
}

// Service содержит бизнес-логику магазина.
type Service struct {
	store    kvstore.Store
	provider Provider
	logger   *zap.Logger
	opts     Options

	// Подменяются в тестах
	now     func() time.Time
	randInt func(max int64) int64
}

// NewService создаёт сервис с указанным хранилищем и клиентом провайдера.
func NewService(store kvstore.Store, provider Provider, logger *zap.Logger, opts Options) *Service {
	if opts.DefaultExpiryMinutes <= 0 {
		opts.DefaultExpiryMinutes = 30
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:    store,
		provider: provider,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		randInt:  secureRandInt,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func secureRandInt(max int64) int64 {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0
	}
	return n.Int64()
}

// newTransactionID генерирует идентификатор записи истории.
func (s *Service) newTransactionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", s.now().UnixNano(), hex.EncodeToString(buf))
}

// updateRecord выполняет изменение записи по ключу через цикл compare-and-swap.
// При отсутствии записи и заданном create создаёт её. Конфликты версий
// ретраятся; ошибка из mutate прерывает цикл и возвращается вызывающему.
func updateRecord[T any](ctx context.Context, store kvstore.Store, key string, create func() *T, mutate func(*T) error) (*T, error) {
	backoff := retry.WithMaxRetries(24, retry.NewConstant(2*time.Millisecond))

	var result *T

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, version, err := kvstore.GetJSON[T](ctx, store, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			if create == nil {
				return err
			}
			cur = create()
			if err := kvstore.CreateJSON(ctx, store, key, cur); err != nil {
				if errors.Is(err, kvstore.ErrKeyExists) {
					return retry.RetryableError(err)
				}
				return err
			}
			cur, version, err = kvstore.GetJSON[T](ctx, store, key)
			if err != nil {
				return retry.RetryableError(err)
			}
		} else if err != nil {
			return err
		}

		if err := mutate(cur); err != nil {
			return err
		}

		if err := kvstore.SwapJSON(ctx, store, key, cur, version); err != nil {
			if errors.Is(err, kvstore.ErrVersionMismatch) || errors.Is(err, kvstore.ErrNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}

		result = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", key, err)
	}

	return result, nil
}

// StartExpirySweep запускает фоновую очистку просроченных счетов.
// Останавливается при отмене контекста.
func (s *Service) StartExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.SweepExpired(ctx, s.now())
			if err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			for _, p := range swept {
				s.logger.Info("pending payment expired",
					zap.String("paymentID", p.PaymentID),
					zap.Int64("userID", p.UserID),
					zap.String("kind", string(p.Kind)),
				)
			}
		}
	}
}

// GetUser возвращает пользователя, создавая запись при первом обращении.
func (s *Service) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return s.getOrCreateUser(ctx, userID)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FNZ-Store/virus/internal/model"
	"github.com/FNZ-Store/virus/internal/qris"
)

// Пополнение 10 000 с бонусом 5%: провайдер выставляет 10 144 к оплате,
// зачисляется ровно 10 500 (номинал + бонус), в истории две записи.
func TestConfirmDeposit_CreditsNominalPlusBonus(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{
			PaymentID:     "TRX-A",
			QRURL:         "https://q/a.png",
			TotalDue:      10144,
			FeeAmount:     144,
			ExpiryMinutes: 30,
		},
		status: qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{
		MinDeposit:          10000,
		DepositBonusPercent: 5,
		DepositBonusCap:     50000,
	})

	outcome, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0)
	if err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}
	if outcome.Kind != OutcomeCreated {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeCreated)
	}
	if outcome.Payment.Amount != 10000 {
		t.Fatalf("nominal = %d, want 10000", outcome.Payment.Amount)
	}
	if outcome.Payment.TotalDue != 10144 {
		t.Fatalf("totalDue = %d, want 10144", outcome.Payment.TotalDue)
	}

	confirmed, err := svc.Confirm(ctx, "TRX-A", 1)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if confirmed.Kind != OutcomeFulfilled {
		t.Fatalf("outcome = %s, want %s", confirmed.Kind, OutcomeFulfilled)
	}
	if confirmed.Credited != 10500 || confirmed.Bonus != 500 {
		t.Fatalf("credited = %d, bonus = %d, want 10500 and 500", confirmed.Credited, confirmed.Bonus)
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != 10500 {
		t.Fatalf("balance = %d, want 10500", u.Balance)
	}

	history, err := svc.GetHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Type != model.TransactionDeposit || history[0].Amount != 10000 {
		t.Fatalf("unexpected deposit record: %+v", history[0])
	}
	if history[1].Type != model.TransactionBonus || history[1].Amount != 500 {
		t.Fatalf("unexpected bonus record: %+v", history[1])
	}
}

func TestRequestPayment_BelowMinimum(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	_, err := svc.RequestPayment(context.Background(), model.PaymentKindDeposit, 1, 9999, "", 0)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRequestPayment_AppliesSurcharge(t *testing.T) {
	provider := &stubProvider{}
	svc, _, _ := newTestService(t, provider)
	svc.randInt = func(span int64) int64 { return span - 1 }

	mustSettings(t, svc, model.RewardSettings{
		MinDeposit:   10000,
		SurchargeMin: 10,
		SurchargeMax: 99,
	})

	outcome, err := svc.RequestPayment(context.Background(), model.PaymentKindDeposit, 1, 10000, "", 0)
	if err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	// randInt(span+1) == span, значит надбавка равна максимуму
	if outcome.Payment.TotalDue != 10099 {
		t.Fatalf("totalDue = %d, want 10099", outcome.Payment.TotalDue)
	}
	if outcome.Payment.Amount != 10000 {
		t.Fatalf("nominal = %d, want 10000: зачисляется номинал, а не сумма с надбавкой", outcome.Payment.Amount)
	}
}

func TestRequestPayment_DuplicateDeposit(t *testing.T) {
	provider := &stubProvider{}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	_, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 15000, "", 0)
	if !errors.Is(err, ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}
}

func TestRequestPayment_ProviderFailureLeavesNoState(t *testing.T) {
	provider := &stubProvider{
		createErr: &qris.ProviderError{Kind: qris.ErrorNetwork, Err: errors.New("timeout")},
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustProduct(t, svc, model.Product{Key: "p", Price: 1000, Mode: model.InventoryList, Items: []string{"a", "b"}})

	_, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 1, 0, "p", 2)

	var perr *qris.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}

	// Резерв снят, счёт не создан
	product, err := svc.GetProduct(ctx, "p")
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if product.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0", product.Reserved)
	}
	if _, _, err := svc.getPending(ctx, "TRX-STUB"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected no pending record, got %v", err)
	}
}

// Покупка qty=2 при остатке 2: резерв выставляется при создании счёта,
// параллельная заявка на тот же товар отклоняется сразу.
func TestRequestPayment_ReservesStockAtRequestTime(t *testing.T) {
	provider := &stubProvider{}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustProduct(t, svc, model.Product{Key: "p", Price: 1000, Mode: model.InventoryList, Items: []string{"a", "b"}})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 1, 0, "p", 2); err != nil {
		t.Fatalf("first RequestPayment error: %v", err)
	}

	_, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 2, 0, "p", 2)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

// Два подтверждения одного оплаченного счёта: ровно одна выдача товара,
// одна запись о покупке, второй вызов — no-op.
func TestConfirmPurchase_SecondConfirmIsNoop(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-C", TotalDue: 2000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})
	mustProduct(t, svc, model.Product{Key: "p", Price: 1000, Mode: model.InventoryList, Items: []string{"a", "b"}})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 1, 0, "p", 2); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	first, err := svc.Confirm(ctx, "TRX-C", 1)
	if err != nil {
		t.Fatalf("first Confirm error: %v", err)
	}
	if first.Kind != OutcomeFulfilled {
		t.Fatalf("outcome = %s, want %s", first.Kind, OutcomeFulfilled)
	}
	if len(first.Delivered) != 2 {
		t.Fatalf("delivered = %d items, want 2", len(first.Delivered))
	}

	_, err = svc.Confirm(ctx, "TRX-C", 1)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("second Confirm: expected ErrPaymentNotFound, got %v", err)
	}

	product, err := svc.GetProduct(ctx, "p")
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if product.Stock != 0 || len(product.Items) != 0 {
		t.Fatalf("stock consumed more than once: %+v", product)
	}

	history, err := svc.GetHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	var purchases int
	for _, tx := range history {
		if tx.Type == model.TransactionPurchase {
			purchases++
		}
	}
	if purchases != 1 {
		t.Fatalf("purchase records = %d, want exactly 1", purchases)
	}
}

// Параллельные подтверждения: ровно один победитель, остальные — no-op.
func TestConfirm_ConcurrentAtMostOnce(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-R", TotalDue: 10000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{
		MinDeposit:          10000,
		DepositBonusPercent: 5,
	})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	const workers = 8

	var wg sync.WaitGroup
	outcomes := make(chan OutcomeKind, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.Confirm(ctx, "TRX-R", 1)
			if err == nil {
				outcomes <- outcome.Kind
				return
			}
			if !errors.Is(err, ErrPaymentNotFound) {
				t.Errorf("unexpected Confirm error: %v", err)
			}
		}()
	}

	wg.Wait()
	close(outcomes)

	var fulfilled int
	for kind := range outcomes {
		if kind == OutcomeFulfilled {
			fulfilled++
		} else if kind != OutcomeAlreadyProcessed {
			t.Errorf("unexpected outcome kind: %s", kind)
		}
	}
	if fulfilled != 1 {
		t.Fatalf("fulfilled outcomes = %d, want exactly 1", fulfilled)
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != 10500 {
		t.Fatalf("balance = %d, want 10500 (credited exactly once)", u.Balance)
	}
}

// Просроченный счёт не подтверждается, даже если провайдер сообщает об оплате.
func TestConfirm_ExpiredWinsOverPaid(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-D", TotalDue: 10000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, clock := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	clock.Advance(31 * time.Minute)

	outcome, err := svc.Confirm(ctx, "TRX-D", 1)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if outcome.Kind != OutcomeExpired {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeExpired)
	}

	// Просрочка проверяется до обращения к провайдеру
	provider.mu.Lock()
	checks := provider.checkCalls
	provider.mu.Unlock()
	if checks != 0 {
		t.Fatalf("provider was asked about an expired payment (%d calls)", checks)
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != 0 {
		t.Fatalf("balance = %d, want 0 (no credit for expired payment)", u.Balance)
	}
}

// Недоступность провайдера при проверке: счёт остаётся PENDING,
// пользователь получает повторяемый результат.
func TestConfirm_ProviderTimeoutIsRetryable(t *testing.T) {
	provider := &stubProvider{
		invoice:   &qris.Invoice{PaymentID: "TRX-E", TotalDue: 10000, ExpiryMinutes: 30},
		statusErr: &qris.ProviderError{Kind: qris.ErrorNetwork, Err: errors.New("timeout")},
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	outcome, err := svc.Confirm(ctx, "TRX-E", 1)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if outcome.Kind != OutcomeNotYetPaid {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeNotYetPaid)
	}

	p, _, err := svc.getPending(ctx, "TRX-E")
	if err != nil {
		t.Fatalf("getPending error: %v", err)
	}
	if p.Status != model.PaymentStatePending {
		t.Fatalf("status = %s, want %s", p.Status, model.PaymentStatePending)
	}

	// Провайдер ожил — повторная проверка завершает платёж
	provider.mu.Lock()
	provider.statusErr = nil
	provider.status = qris.StatusPaid
	provider.mu.Unlock()

	retried, err := svc.Confirm(ctx, "TRX-E", 1)
	if err != nil {
		t.Fatalf("retry Confirm error: %v", err)
	}
	if retried.Kind != OutcomeFulfilled {
		t.Fatalf("outcome = %s, want %s", retried.Kind, OutcomeFulfilled)
	}
}

func TestConfirm_NotPaidKeepsPending(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-N", TotalDue: 10000, ExpiryMinutes: 30},
		status:  qris.StatusNotPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	for i := 0; i < 3; i++ {
		outcome, err := svc.Confirm(ctx, "TRX-N", 1)
		if err != nil {
			t.Fatalf("Confirm error: %v", err)
		}
		if outcome.Kind != OutcomeNotYetPaid {
			t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeNotYetPaid)
		}
	}
}

func TestConfirm_Forbidden(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-O", TotalDue: 10000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	_, err := svc.Confirm(ctx, "TRX-O", 2)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestConfirm_UnknownPayment(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})

	_, err := svc.Confirm(context.Background(), "TRX-GHOST", 1)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	_, err = svc.Confirm(context.Background(), "bad id!", 1)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for malformed id, got %v", err)
	}
}

// Оплаченная покупка при исчезнувшем товаре: счёт помечается FAILED и
// сохраняется, деньги и история не трогаются.
func TestConfirmPurchase_StockVanished(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-V", TotalDue: 2000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})
	mustProduct(t, svc, model.Product{Key: "p", Price: 1000, Mode: model.InventoryList, Items: []string{"a", "b"}})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 1, 0, "p", 2); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	// Администратор опустошил товар между заявкой и подтверждением
	if _, err := svc.UpsertProduct(ctx, model.Product{Key: "p", Price: 1000, Mode: model.InventoryList}); err != nil {
		t.Fatalf("UpsertProduct error: %v", err)
	}

	outcome, err := svc.Confirm(ctx, "TRX-V", 1)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeFailed)
	}

	p, _, err := svc.getPending(ctx, "TRX-V")
	if err != nil {
		t.Fatalf("FAILED record must be kept: %v", err)
	}
	if p.Status != model.PaymentStateFailed {
		t.Fatalf("status = %s, want %s", p.Status, model.PaymentStateFailed)
	}

	history, err := svc.GetHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history must stay empty, got %d records", len(history))
	}

	// Резерв исчезнувшего товара снят: он больше не уменьшает доступный остаток
	product, err := svc.GetProduct(ctx, "p")
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if product.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0 after failed delivery", product.Reserved)
	}
}

// Подтверждение счёта, который параллельная операция уже перевела из PENDING,
// завершается успешным no-op без обращения к провайдеру и побочных эффектов.
func TestConfirm_ProcessedPaymentIsNoop(t *testing.T) {
	provider := &stubProvider{status: qris.StatusPaid}
	svc, _, clock := newTestService(t, provider)
	ctx := context.Background()

	paid := &model.PendingPayment{
		PaymentID:     "TRX-P",
		UserID:        1,
		Kind:          model.PaymentKindDeposit,
		Amount:        10000,
		CreatedAt:     clock.Now(),
		ExpiryMinutes: 30,
		Status:        model.PaymentStatePaid,
	}
	if err := svc.createPending(ctx, paid); err != nil {
		t.Fatalf("createPending error: %v", err)
	}

	outcome, err := svc.Confirm(ctx, "TRX-P", 1)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if outcome.Kind != OutcomeAlreadyProcessed {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeAlreadyProcessed)
	}

	provider.mu.Lock()
	checks := provider.checkCalls
	provider.mu.Unlock()
	if checks != 0 {
		t.Fatalf("provider was asked about a processed payment (%d calls)", checks)
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != 0 {
		t.Fatalf("balance = %d, want 0 (no double credit)", u.Balance)
	}
}

func TestCancel(t *testing.T) {
	provider := &stubProvider{}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustProduct(t, svc, model.Product{Key: "p", Price: 1000, Mode: model.InventoryCounter, Stock: 5})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindPurchase, 1, 0, "p", 2); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	// Чужой пользователь отменить не может
	_, err := svc.Cancel(ctx, "TRX-STUB", 2, false)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	outcome, err := svc.Cancel(ctx, "TRX-STUB", 1, false)
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if outcome.Kind != OutcomeCancelled {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeCancelled)
	}

	// Резерв снят, остаток не изменился
	product, err := svc.GetProduct(ctx, "p")
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if product.Stock != 5 || product.Reserved != 0 {
		t.Fatalf("unexpected product after cancel: %+v", product)
	}

	// Повторная отмена — определённая ошибка без побочных эффектов
	_, err = svc.Cancel(ctx, "TRX-STUB", 1, false)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestCancel_OperatorOverride(t *testing.T) {
	provider := &stubProvider{}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}

	if _, err := svc.Cancel(ctx, "TRX-STUB", 999, true); err != nil {
		t.Fatalf("operator Cancel error: %v", err)
	}
}

func TestCancel_FulfilledPayment(t *testing.T) {
	provider := &stubProvider{
		invoice: &qris.Invoice{PaymentID: "TRX-X", TotalDue: 10000, ExpiryMinutes: 30},
		status:  qris.StatusPaid,
	}
	svc, _, _ := newTestService(t, provider)
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})

	if _, err := svc.RequestPayment(ctx, model.PaymentKindDeposit, 1, 10000, "", 0); err != nil {
		t.Fatalf("RequestPayment error: %v", err)
	}
	if _, err := svc.Confirm(ctx, "TRX-X", 1); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}

	balanceBefore := int64(10000)

	_, err := svc.Cancel(ctx, "TRX-X", 1, false)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != balanceBefore {
		t.Fatalf("balance = %d, want %d (cancel must not mutate)", u.Balance, balanceBefore)
	}
}

func TestPurchaseWithBalance(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()

	mustSettings(t, svc, model.RewardSettings{MinDeposit: 10000})
	mustProduct(t, svc, model.Product{Key: "p", Title: "VPN Key", Price: 3000, Mode: model.InventoryList, Items: []string{"k1", "k2"}})

	if err := svc.credit(ctx, 1, 10000, model.TransactionDeposit, ""); err != nil {
		t.Fatalf("credit error: %v", err)
	}

	outcome, err := svc.PurchaseWithBalance(ctx, 1, "p", 2)
	if err != nil {
		t.Fatalf("PurchaseWithBalance error: %v", err)
	}
	if outcome.Kind != OutcomeFulfilled {
		t.Fatalf("outcome = %s, want %s", outcome.Kind, OutcomeFulfilled)
	}
	if len(outcome.Delivered) != 2 {
		t.Fatalf("delivered = %d items, want 2", len(outcome.Delivered))
	}

	u, err := svc.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Balance != 4000 {
		t.Fatalf("balance = %d, want 4000", u.Balance)
	}
	if u.PurchaseCount != 1 || u.TotalSpent != 6000 {
		t.Fatalf("unexpected counters: %+v", u)
	}
}

func TestPurchaseWithBalance_InsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()

	mustProduct(t, svc, model.Product{Key: "p", Price: 3000, Mode: model.InventoryCounter, Stock: 5})

	_, err := svc.PurchaseWithBalance(ctx, 1, "p", 1)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Резерв возвращён
	product, err := svc.GetProduct(ctx, "p")
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if product.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0", product.Reserved)
	}
}

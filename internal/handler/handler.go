// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FNZ-Store/virus/internal/middleware"
	"github.com/FNZ-Store/virus/internal/model"
	"github.com/FNZ-Store/virus/internal/qris"
	"github.com/FNZ-Store/virus/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RequestPayment(ctx context.Context, kind model.PaymentKind, userID, amount int64, productKey string, qty int64) (*service.Outcome, error)
	Confirm(ctx context.Context, paymentID string, requestingUserID int64) (*service.Outcome, error)
	Cancel(ctx context.Context, paymentID string, requestingUserID int64, operator bool) (*service.Outcome, error)
	PurchaseWithBalance(ctx context.Context, userID int64, productKey string, qty int64) (*service.Outcome, error)
	SweepExpired(ctx context.Context, now time.Time) ([]model.PendingPayment, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetHistory(ctx context.Context, userID int64) ([]model.Transaction, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpsertProduct(ctx context.Context, p model.Product) (*model.Product, error)
	RemoveProduct(ctx context.Context, key string) error
	GetRewardSettings(ctx context.Context) (*model.RewardSettings, error)
	UpdateRewardSettings(ctx context.Context, settings model.RewardSettings) (*model.RewardSettings, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service Service
	logger  *zap.Logger
	auth    *middleware.GatewayAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.GatewayAuth) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		auth:    auth,
	}
}

// outcomeResponse — ответ операций над платежами. Слой представления
// превращает его в сообщение пользователю по полю outcome.
type outcomeResponse struct {
	Outcome     string                 `json:"outcome"`
	Payment     *model.PendingPayment  `json:"payment,omitempty"`
	Delivered   []string               `json:"delivered,omitempty"`
	Credited    int64                  `json:"credited,omitempty"`
	Bonus       int64                  `json:"bonus,omitempty"`
	Cashback    int64                  `json:"cashback,omitempty"`
	Achievement *model.AchievementRule `json:"achievement,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeOutcome(w http.ResponseWriter, outcome *service.Outcome) {
	h.writeJSON(w, http.StatusOK, outcomeResponse{
		Outcome:     string(outcome.Kind),
		Payment:     outcome.Payment,
		Delivered:   outcome.Delivered,
		Credited:    outcome.Credited,
		Bonus:       outcome.Bonus,
		Cashback:    outcome.Cashback,
		Achievement: outcome.Achievement,
	})
}

// writeError переводит ошибку бизнес-логики в HTTP-статус и ответ
// с безопасным для пользователя сообщением.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var message string

	var providerErr *qris.ProviderError

	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidQuantity):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, service.ErrUnknownProduct):
		status = http.StatusNotFound
		message = "unknown product"
	case errors.Is(err, service.ErrPaymentNotFound):
		status = http.StatusNotFound
		message = "no such payment"
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
		message = "payment belongs to another user"
	case errors.Is(err, service.ErrDuplicatePending):
		h.writeJSON(w, http.StatusConflict, outcomeResponse{
			Outcome: "already_pending",
			Message: "an active payment already exists, confirm or cancel it first",
		})
		return
	case errors.Is(err, service.ErrInsufficientStock):
		status = http.StatusConflict
		message = "not enough stock"
	case errors.Is(err, service.ErrAlreadyProcessed):
		status = http.StatusConflict
		message = "payment already processed"
	case errors.Is(err, service.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
		message = "insufficient balance"
	case errors.As(err, &providerErr):
		status = http.StatusBadGateway
		message = "payment provider unavailable, try again later"
	default:
		h.logger.Error("internal error", zap.Error(err))
		status = http.StatusInternalServerError
		message = http.StatusText(http.StatusInternalServerError)
	}

	h.writeJSON(w, status, outcomeResponse{Outcome: "error", Message: message})
}

type paymentRequest struct {
	UserID     int64  `json:"user_id"`
	Kind       string `json:"kind"`
	Amount     int64  `json:"amount"`
	ProductKey string `json:"product_key"`
	Qty        int64  `json:"qty"`
}

// CreatePayment выставляет счёт на пополнение или покупку.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.PaymentKind(req.Kind)
	if kind != model.PaymentKindDeposit && kind != model.PaymentKindPurchase {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.RequestPayment(r.Context(), kind, req.UserID, req.Amount, req.ProductKey, req.Qty)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeOutcome(w, outcome)
}

type confirmRequest struct {
	UserID int64 `json:"user_id"`
}

type balancePurchaseRequest struct {
	UserID     int64  `json:"user_id"`
	ProductKey string `json:"product_key"`
	Qty        int64  `json:"qty"`
}

// BalancePurchase оформляет покупку за счёт внутреннего баланса,
// без выставления счёта провайдеру.
func (h *Handler) BalancePurchase(w http.ResponseWriter, r *http.Request) {
	var req balancePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.PurchaseWithBalance(r.Context(), req.UserID, req.ProductKey, req.Qty)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeOutcome(w, outcome)
}

// ConfirmPayment проверяет оплату счёта и выполняет зачисление или выдачу.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.Confirm(r.Context(), paymentID, req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeOutcome(w, outcome)
}

// CancelPayment отменяет ожидающий счёт. Административный токен действует
// как операторская отмена без проверки владельца.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	identity, _ := middleware.GetIdentityFromContext(r.Context())
	operator := identity == middleware.IdentityAdmin

	outcome, err := h.service.Cancel(r.Context(), paymentID, req.UserID, operator)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeOutcome(w, outcome)
}

type sweepResponse struct {
	Expired []model.PendingPayment `json:"expired"`
}

// SweepPayments принудительно запускает очистку просроченных счетов и
// возвращает список просроченных для уведомления пользователей.
func (h *Handler) SweepPayments(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.SweepExpired(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sweepResponse{Expired: swept})
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetUser возвращает профиль пользователя, создавая его при первом обращении.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, u)
}

// GetHistory возвращает историю операций пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	history, err := h.service.GetHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, history)
}

// productResponse — товар в каталоге без списка позиций: содержимое
// позиций выдаётся только после оплаты.
type productResponse struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Price       int64  `json:"price"`
	Description string `json:"description,omitempty"`
	Available   int64  `json:"available"`
}

// GetProducts возвращает каталог товаров с доступными остатками.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		p := &products[i]
		resp = append(resp, productResponse{
			Key:         p.Key,
			Title:       p.Title,
			Price:       p.Price,
			Description: p.Description,
			Available:   p.Available(),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// UpsertProduct создаёт или обновляет товар каталога. Административная операция.
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var p model.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	p.Key = chi.URLParam(r, "key")

	saved, err := h.service.UpsertProduct(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, saved)
}

// DeleteProduct удаляет товар из каталога. Административная операция.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveProduct(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetRewards возвращает действующие настройки наград. Административная операция.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetRewardSettings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateRewards сохраняет настройки наград. Административная операция.
func (h *Handler) UpdateRewards(w http.ResponseWriter, r *http.Request) {
	var settings model.RewardSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	saved, err := h.service.UpdateRewardSettings(r.Context(), settings)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, saved)
}

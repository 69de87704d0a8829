// Package model содержит доменные сущности магазина цифровых товаров.
package model

import "time"

// User представляет покупателя магазина. Создаётся при первом обращении и никогда не удаляется.
type User struct {
	ID            int64     `json:"id"`
	Balance       int64     `json:"balance"`
	PurchaseCount int64     `json:"purchase_count"`
	TotalSpent    int64     `json:"total_spent"`
	JoinedAt      time.Time `json:"joined_at"`
	Achievements  []string  `json:"achievements,omitempty"`
}

// HasAchievement сообщает, открыто ли у пользователя достижение с указанным идентификатором.
func (u *User) HasAchievement(id string) bool {
	for _, a := range u.Achievements {
		if a == id {
			return true
		}
	}
	return false
}

// InventoryMode описывает способ учёта остатков товара.
type InventoryMode string

const (
	// InventoryList — товар хранится как список уникальных позиций (аккаунтов, ключей).
	InventoryList InventoryMode = "list"
	// InventoryCounter — товар учитывается числовым счётчиком остатка.
	InventoryCounter InventoryMode = "counter"
)

// Product описывает товар каталога.
// Для режима InventoryList действует инвариант Stock == len(Items).
type Product struct {
	Key         string        `json:"key"`
	Title       string        `json:"title"`
	Price       int64         `json:"price"`
	Description string        `json:"description,omitempty"`
	Mode        InventoryMode `json:"mode"`
	Items       []string      `json:"items,omitempty"`
	Stock       int64         `json:"stock"`
	Reserved    int64         `json:"reserved"`
}

// Available возвращает количество товара, доступное для новых заявок.
func (p *Product) Available() int64 {
	return p.Stock - p.Reserved
}

// PaymentKind описывает назначение платежа.
type PaymentKind string

const (
	PaymentKindDeposit  PaymentKind = "deposit"
	PaymentKindPurchase PaymentKind = "purchase"
)

// PaymentState описывает статус ожидающего платежа.
type PaymentState string

const (
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStatePaid      PaymentState = "PAID"
	PaymentStateExpired   PaymentState = "EXPIRED"
	PaymentStateCancelled PaymentState = "CANCELLED"
	PaymentStateFailed    PaymentState = "FAILED"
)

// Terminal сообщает, является ли статус конечным. Из конечного статуса переходов нет.
func (s PaymentState) Terminal() bool {
	return s == PaymentStatePaid || s == PaymentStateExpired ||
		s == PaymentStateCancelled || s == PaymentStateFailed
}

// PendingPayment описывает выставленный счёт, ожидающий оплаты.
// Amount — исходный номинал; TotalDue — сумма к оплате с комиссией провайдера
// и случайной надбавкой для сопоставления платежа.
type PendingPayment struct {
	PaymentID     string       `json:"payment_id"`
	UserID        int64        `json:"user_id"`
	Kind          PaymentKind  `json:"kind"`
	Amount        int64        `json:"amount"`
	TotalDue      int64        `json:"total_due"`
	FeeAmount     int64        `json:"fee_amount"`
	QRURL         string       `json:"qr_url,omitempty"`
	ProductKey    string       `json:"product_key,omitempty"`
	Quantity      int64        `json:"quantity,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiryMinutes int64        `json:"expiry_minutes"`
	Status        PaymentState `json:"status"`
	MessageID     int64        `json:"message_id,omitempty"`
}

// ExpiresAt возвращает момент, после которого счёт считается просроченным.
func (p *PendingPayment) ExpiresAt() time.Time {
	return p.CreatedAt.Add(time.Duration(p.ExpiryMinutes) * time.Minute)
}

// Expired сообщает, просрочен ли счёт на момент now.
func (p *PendingPayment) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt())
}

// TransactionType описывает тип операции в истории пользователя.
type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionBonus    TransactionType = "BONUS"
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionCashback TransactionType = "CASHBACK"
)

// Transaction описывает одну запись истории операций. Записи не изменяются после создания.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"user_id"`
	Type         TransactionType `json:"type"`
	Amount       int64           `json:"amount"`
	ProductLabel string          `json:"product_label,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Status       string          `json:"status"`
}

// AchievementKind описывает вид порогового правила достижения.
type AchievementKind string

const (
	AchievementFirstPurchase AchievementKind = "first_purchase"
	AchievementPurchaseCount AchievementKind = "purchase_count"
	AchievementTotalSpent    AchievementKind = "total_spent"
)

// AchievementRule описывает одно правило открытия достижения.
type AchievementRule struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Kind      AchievementKind `json:"kind"`
	Threshold int64           `json:"threshold"`
	Reward    int64           `json:"reward"`
}

// RewardSettings содержит настройки бонусов, кэшбэка и достижений.
// Читаются при каждой операции; изменяются только административным путём.
type RewardSettings struct {
	MinDeposit          int64             `json:"min_deposit"`
	DepositBonusPercent int64             `json:"deposit_bonus_percent"`
	DepositBonusCap     int64             `json:"deposit_bonus_cap"`
	CashbackPercent     int64             `json:"cashback_percent"`
	CashbackMinSpend    int64             `json:"cashback_min_spend"`
	SurchargeMin        int64             `json:"surcharge_min"`
	SurchargeMax        int64             `json:"surcharge_max"`
	Achievements        []AchievementRule `json:"achievements,omitempty"`
}

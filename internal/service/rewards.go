package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/model"
)

// defaultRewardSettings возвращает настройки, применяемые до первого
// административного изменения.
func defaultRewardSettings() *model.RewardSettings {
	return &model.RewardSettings{
		MinDeposit:          10000,
		DepositBonusPercent: 5,
		DepositBonusCap:     50000,
		CashbackPercent:     2,
		CashbackMinSpend:    50000,
		SurchargeMin:        1,
		SurchargeMax:        255,
		Achievements: []model.AchievementRule{
			{ID: "first-purchase", Title: "First purchase", Kind: model.AchievementFirstPurchase, Reward: 1000},
			{ID: "regular", Title: "Regular customer", Kind: model.AchievementPurchaseCount, Threshold: 5, Reward: 2500},
			{ID: "big-spender", Title: "Big spender", Kind: model.AchievementTotalSpent, Threshold: 500000, Reward: 10000},
		},
	}
}

// loadSettings читает настройки наград из хранилища при каждой операции.
func (s *Service) loadSettings(ctx context.Context) (*model.RewardSettings, error) {
	settings, _, err := kvstore.GetJSON[model.RewardSettings](ctx, s.store, settingsKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return defaultRewardSettings(), nil
		}
		return nil, fmt.Errorf("load reward settings: %w", err)
	}
	return settings, nil
}

// GetRewardSettings возвращает действующие настройки наград.
func (s *Service) GetRewardSettings(ctx context.Context) (*model.RewardSettings, error) {
	return s.loadSettings(ctx)
}

// UpdateRewardSettings сохраняет настройки наград. Административная операция.
func (s *Service) UpdateRewardSettings(ctx context.Context, settings model.RewardSettings) (*model.RewardSettings, error) {
	if settings.MinDeposit < 0 || settings.DepositBonusPercent < 0 || settings.CashbackPercent < 0 ||
		settings.SurchargeMin < 0 || settings.SurchargeMax < settings.SurchargeMin {
		return nil, ErrInvalidAmount
	}

	if err := kvstore.PutJSON(ctx, s.store, settingsKey, &settings); err != nil {
		return nil, fmt.Errorf("save reward settings: %w", err)
	}
	return &settings, nil
}

// surchargeAmount возвращает случайную надбавку из настроенного диапазона.
func (s *Service) surchargeAmount(settings *model.RewardSettings) int64 {
	if settings.SurchargeMax <= 0 {
		return 0
	}
	span := settings.SurchargeMax - settings.SurchargeMin
	return settings.SurchargeMin + s.randInt(span+1)
}

// depositBonus вычисляет бонус за пополнение: процент от номинала с верхним пределом.
func depositBonus(settings *model.RewardSettings, nominal int64) int64 {
	if settings.DepositBonusPercent <= 0 || nominal < settings.MinDeposit {
		return 0
	}

	bonus := nominal * settings.DepositBonusPercent / 100
	if settings.DepositBonusCap > 0 && bonus > settings.DepositBonusCap {
		bonus = settings.DepositBonusCap
	}
	return bonus
}

// purchaseCashback вычисляет кэшбэк за покупку: процент от потраченного,
// начиная с настроенного порога.
func purchaseCashback(settings *model.RewardSettings, spent int64) int64 {
	if settings.CashbackPercent <= 0 || spent < settings.CashbackMinSpend {
		return 0
	}
	return spent * settings.CashbackPercent / 100
}

// evaluateAchievement возвращает первое по порядку правило, условие которого
// выполнено и которое ещё не открыто пользователем. За одну покупку
// открывается не более одного достижения: правило, пропущенное из-за этого,
// сработает при следующей покупке.
func evaluateAchievement(u *model.User, rules []model.AchievementRule) *model.AchievementRule {
	for i := range rules {
		rule := &rules[i]
		if u.HasAchievement(rule.ID) {
			continue
		}

		var met bool
		switch rule.Kind {
		case model.AchievementFirstPurchase:
			met = u.PurchaseCount >= 1
		case model.AchievementPurchaseCount:
			met = u.PurchaseCount >= rule.Threshold
		case model.AchievementTotalSpent:
			met = u.TotalSpent >= rule.Threshold
		}

		if met {
			unlocked := *rule
			return &unlocked
		}
	}

	return nil
}

package service

import (
	"context"
	"errors"
	"log"
	"time"

	"habitmind/internal/model"
	"habitmind/internal/repository"

	"gorm.io/gorm"
)

// GateService 余额准入检查，挡在功能端点之前
// 纯读路径，自身不做任何余额变动
type GateService struct {
	accountRepo *repository.AccountRepository
	reloadRepo  *repository.ReloadRepository
	policies    *model.PolicyTable
}

func NewGateService(db *gorm.DB, policies *model.PolicyTable) *GateService {
	return &GateService{
		accountRepo: repository.NewAccountRepository(db),
		reloadRepo:  repository.NewReloadRepository(db),
		policies:    policies,
	}
}

// UsageSummary 用量概览，供响应头和客户端 UI 展示
type UsageSummary struct {
	UserID            string                `json:"user_id"`
	PlanType          string                `json:"plan_type"`
	Limit             int                   `json:"limit"`
	Used              int                   `json:"used"`
	Remaining         int                   `json:"remaining"`
	ResetTime         time.Time             `json:"reset_time"`
	ResetType         string                `json:"reset_type"`
	HoursUntilReset   int                   `json:"hours_until_reset"`
	MinutesUntilReset int                   `json:"minutes_until_reset"`
	RecentReloads     []*model.CreditReload `json:"recent_reloads,omitempty"`
}

// HasSufficientBalance 判断用户余额是否足够支付 cost
// 账户不存在视为余额不足（宁可拒绝，不能放行）；
// 存储异常同样返回 false，并把错误交给调用方记录
func (s *GateService) HasSufficientBalance(ctx context.Context, userID string, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}

	return account.AvailableCredits >= cost, nil
}

// GetUsageSummary 查询用量概览
//
// 账户加载失败时回退到套餐默认值（used=0, remaining=limit），
// 概览是展示用数据，不应该因为一次读失败把整个请求打挂
func (s *GateService) GetUsageSummary(ctx context.Context, userID string) *UsageSummary {
	now := time.Now()

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			log.Printf("[GateService] 加载账户失败，返回套餐默认概览: userID=%s, err=%v", userID, err)
		}
		policy := s.policies.Get(model.PlanTypeFree)
		return &UsageSummary{
			UserID:    userID,
			PlanType:  policy.PlanType,
			Limit:     policy.Limit,
			Used:      0,
			Remaining: policy.Limit,
			ResetTime: policy.NextResetAt(nil, now),
			ResetType: policy.ResetStrategy,
		}
	}

	policy := s.policies.Get(account.PlanType)
	resetTime := policy.NextResetAt(account.LastCreditRefillAt, now)
	untilReset := time.Until(resetTime)

	summary := &UsageSummary{
		UserID:            userID,
		PlanType:          account.PlanType,
		Limit:             policy.Limit,
		Used:              account.UsedCredits(),
		Remaining:         account.AvailableCredits,
		ResetTime:         resetTime,
		ResetType:         policy.ResetStrategy,
		HoursUntilReset:   int(untilReset / time.Hour),
		MinutesUntilReset: int(untilReset % time.Hour / time.Minute),
	}

	// 最近 10 条流水随概览一起返回，查不到不影响主体数据
	reloads, err := s.reloadRepo.ListByUserID(ctx, userID, 10)
	if err != nil {
		log.Printf("[GateService] 查询流水失败: userID=%s, err=%v", userID, err)
	} else {
		summary.RecentReloads = reloads
	}

	return summary
}

package model

import (
	"time"
)

const (
	PlanTypeFree    = "free"
	PlanTypePremium = "premium"
)

// 重置策略：daily 按 UTC 零点批量重置，hourly 按每个用户自己的
// 上次重置时间滚动重置，manual 只允许手动触发
const (
	ResetStrategyDaily  = "daily"
	ResetStrategyHourly = "hourly"
	ResetStrategyManual = "manual"
)

// PlanPolicy 套餐策略
// Limit 是该套餐每次重置后的目标余额，两种策略共用同一个字段，
// 节奏差异完全由 ResetStrategy 表达
type PlanPolicy struct {
	PlanType      string
	Limit         int
	ResetStrategy string
}

// Cadence 返回该策略两次重置之间的最小间隔
func (p PlanPolicy) Cadence() time.Duration {
	switch p.ResetStrategy {
	case ResetStrategyDaily:
		return 24 * time.Hour
	case ResetStrategyHourly:
		return time.Hour
	default:
		return 0
	}
}

// NextResetAt 计算下一次计划重置时间
//
// daily: 下一个 UTC 零点（与上次重置时间无关）
// hourly: 上次重置时间 + 1 小时；若已过期或从未重置过，按"现在 + 1 小时"估算
func (p PlanPolicy) NextResetAt(lastRefillAt *time.Time, now time.Time) time.Time {
	switch p.ResetStrategy {
	case ResetStrategyDaily:
		next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		return next
	case ResetStrategyHourly:
		if lastRefillAt != nil {
			next := lastRefillAt.Add(time.Hour)
			if next.After(now) {
				return next
			}
		}
		return now.Add(time.Hour)
	default:
		return time.Time{}
	}
}

// PolicyTable 套餐策略表，纯配置，无状态，可被并发读取
type PolicyTable struct {
	policies map[string]PlanPolicy
}

// NewPolicyTable 根据配置的两个额度构建策略表
func NewPolicyTable(freeDailyLimit, premiumHourlyLimit int) *PolicyTable {
	return &PolicyTable{
		policies: map[string]PlanPolicy{
			PlanTypeFree: {
				PlanType:      PlanTypeFree,
				Limit:         freeDailyLimit,
				ResetStrategy: ResetStrategyDaily,
			},
			PlanTypePremium: {
				PlanType:      PlanTypePremium,
				Limit:         premiumHourlyLimit,
				ResetStrategy: ResetStrategyHourly,
			},
		},
	}
}

// Get 查询套餐策略，未知套餐回退到 free 策略（保守放行）
func (t *PolicyTable) Get(planType string) PlanPolicy {
	if p, ok := t.policies[planType]; ok {
		return p
	}
	return t.policies[PlanTypeFree]
}

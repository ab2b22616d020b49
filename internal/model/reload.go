package model

import (
	"time"
)

// ============================================================================
// 积分变动类型常量
// ============================================================================

const (
	ReloadTypeDailyReset     = "daily_reset"     // 免费套餐每日重置
	ReloadTypePremiumHourly  = "premium_hourly"  // 付费套餐每小时重置
	ReloadTypeManualPurchase = "manual_purchase" // 手动购买
	ReloadTypeAdReward       = "ad_reward"       // 广告观看奖励
	ReloadTypeBonusPromo     = "bonus_promo"     // 促销赠送
	ReloadTypeDebit          = "debit"           // 功能消费扣减
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditReload 积分流水表
// 记录账户的每一次余额变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除单条 —— 保证审计可追溯
// 2. 记录变动前后余额 —— 校验 new - previous == amount
// 3. 整表有容量上限，超出后淘汰最旧记录
type CreditReload struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReloadNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"reload_no"` // 流水号（全局唯一）
	UserID          string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	ReloadType      string    `gorm:"type:varchar(32);not null" json:"reload_type"`
	Amount          int       `gorm:"not null" json:"amount"` // 有符号变动量，发放为正，扣减为负
	PreviousBalance int       `gorm:"not null" json:"previous_balance"`
	NewBalance      int       `gorm:"not null" json:"new_balance"`
	Metadata        string    `gorm:"type:varchar(256)" json:"metadata,omitempty"` // 广告类型、管理员原因等上下文
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditReload) TableName() string {
	return "credit_reload"
}

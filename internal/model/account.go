package model

import (
	"time"
)

// CreditAccount 用户积分账户表
// 记录用户当前可用积分与累计积分，是整个计量子系统的核心数据
//
// 【重要】两个时间戳各司其职：
//   - LastCreditRefillAt 只由计划重置（每日/每小时/强制重置）更新，
//     下次重置时间和强制重置的冷却判断都以它为锚点
//   - LastPurchaseAt 只由购买/促销类发放更新，避免一次购买
//     意外推迟用户的计划重置
type CreditAccount struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户ID，用户目录服务传入
	PlanType           string     `gorm:"type:varchar(16);not null;default:free" json:"plan_type"`
	AvailableCredits   int        `gorm:"not null;default:0" json:"available_credits"` // 当前可消费余额
	TotalCredits       int        `gorm:"not null;default:0" json:"total_credits"`     // 累计获得积分，used = total - available
	LastCreditRefillAt *time.Time `json:"last_credit_refill_at"`                       // 上次计划重置时间
	LastPurchaseAt     *time.Time `json:"last_purchase_at"`                            // 上次购买/促销发放时间
	Version            int        `gorm:"not null;default:0" json:"version"`           // 乐观锁版本号
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}

// UsedCredits 已消耗积分数，余额被重置抬高时不出现负数
func (a *CreditAccount) UsedCredits() int {
	used := a.TotalCredits - a.AvailableCredits
	if used < 0 {
		return 0
	}
	return used
}

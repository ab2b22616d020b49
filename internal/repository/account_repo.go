package repository

import (
	"context"
	"errors"
	"time"

	"habitmind/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("积分账户不存在")
	ErrInsufficientBalance = errors.New("积分余额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.CreditAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 查询账户，不存在时以零余额创建
// 用户在用户目录中存在但还没有积分记录是合法状态，
// 新账户等待下一次计划重置灌入额度
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID, planType string) (*model.CreditAccount, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CreditAccount{
		UserID:   userID,
		PlanType: planType,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// Deduct 扣减积分
//
// 【关键点】单条带条件的 UPDATE 是防止超扣的最终防线：
// available_credits >= amount 不满足时一行都不会更新，
// 并发的读-改-写永远不可能把余额写成负数
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND available_credits >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"available_credits": gorm.Expr("available_credits - ?", amount),
			"version":           gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.AvailableCredits < amount {
			return ErrInsufficientBalance
		}
		return ErrOptimisticLock
	}

	return nil
}

// AddCredits 发放积分，available 与 total 同步增加
// touchPurchaseAt 为 true 时更新 last_purchase_at（购买/促销），
// 计划重置锚点 last_credit_refill_at 不受任何发放影响
func (r *AccountRepository) AddCredits(ctx context.Context, tx *gorm.DB, userID string, amount int, touchPurchaseAt bool) error {
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"available_credits": gorm.Expr("available_credits + ?", amount),
		"total_credits":     gorm.Expr("total_credits + ?", amount),
		"version":           gorm.Expr("version + 1"),
	}
	if touchPurchaseAt {
		updates["last_purchase_at"] = time.Now()
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ResetToLimit 把余额重置为套餐额度并刷新重置锚点
// 调度器批量重置与强制重置共用，余额已达额度也照常覆盖
func (r *AccountRepository) ResetToLimit(ctx context.Context, tx *gorm.DB, userID string, limit int, resetAt time.Time) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"available_credits":     limit,
			"last_credit_refill_at": resetAt,
			"version":               gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ListByPlanType 按套餐分批拉取账户，afterID 做游标避免深分页
func (r *AccountRepository) ListByPlanType(ctx context.Context, planType string, afterID int64, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("plan_type = ? AND id > ?", planType, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// ListPremiumDue 拉取到期待重置的付费账户
// 条件与滚动窗口语义一致：从未重置过，或上次重置早于给定时刻
func (r *AccountRepository) ListPremiumDue(ctx context.Context, before time.Time, afterID int64, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("plan_type = ? AND id > ? AND (last_credit_refill_at IS NULL OR last_credit_refill_at < ?)",
			model.PlanTypePremium, afterID, before).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

package repository

import (
	"context"

	"habitmind/internal/model"

	"gorm.io/gorm"
)

type ReloadRepository struct {
	db *gorm.DB
}

func NewReloadRepository(db *gorm.DB) *ReloadRepository {
	return &ReloadRepository{db: db}
}

func (r *ReloadRepository) Create(ctx context.Context, tx *gorm.DB, reload *model.CreditReload) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(reload).Error
}

// ListByUserID 查询用户最近的积分流水，按时间倒序
func (r *ReloadRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.CreditReload, error) {
	var reloads []*model.CreditReload
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&reloads).Error
	return reloads, err
}

func (r *ReloadRepository) GetByReloadNo(ctx context.Context, reloadNo string) (*model.CreditReload, error) {
	var reload model.CreditReload
	err := r.db.WithContext(ctx).Where("reload_no = ?", reloadNo).First(&reload).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &reload, nil
}

// TrimToCapacity 淘汰超出容量上限的最旧流水
// 先定位第 capacity+1 新的一条记录的 id，再删除它及更旧的部分；
// 在容量内时什么都不做
func (r *ReloadRepository) TrimToCapacity(ctx context.Context, capacity int) (int64, error) {
	var cutoff []int64
	err := r.db.WithContext(ctx).
		Model(&model.CreditReload{}).
		Order("id DESC").
		Offset(capacity).
		Limit(1).
		Pluck("id", &cutoff).Error
	if err != nil {
		return 0, err
	}
	if len(cutoff) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where("id <= ?", cutoff[0]).
		Delete(&model.CreditReload{})
	return result.RowsAffected, result.Error
}

// Count 流水总条数
func (r *ReloadRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.CreditReload{}).Count(&total).Error
	return total, err
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"habitmind/internal/config"
	"habitmind/internal/infrastructure/lock"
	"habitmind/internal/model"
	"habitmind/internal/repository"
	"habitmind/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount = errors.New("积分数量不合法")
)

// 发放上限，防止调用方 bug 或恶意请求造成无界发放
const (
	MaxManualAmount   = 10000 // 单次购买上限
	MaxPromoAmount    = 50000 // 单次促销赠送上限
	MaxAdRewardAmount = 100   // 单次广告奖励上限
)

// TooSoonError 强制重置冷却未到
// 这是预期内的负向结果，携带剩余等待时长供客户端提示
type TooSoonError struct {
	Wait time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("距离上次重置时间太短，还需等待 %s", e.Wait.Round(time.Second))
}

// MutationResult 单次余额变动的结果
type MutationResult struct {
	UserID       string `json:"user_id"`
	ReloadNo     string `json:"reload_no"`
	NewBalance   int    `json:"new_balance"`
	TotalCredits int    `json:"total_credits"`
	ReloadAmount int    `json:"reload_amount"` // 有符号实际变动量
}

// CreditService 扣减/发放引擎
// 所有余额变动（包括调度器发起的重置）都从这里走：
// 变动、流水、事件在同一个数据库事务中落库
type CreditService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	policies    *model.PolicyTable
	accountRepo *repository.AccountRepository
	reloadRepo  *repository.ReloadRepository
	outboxRepo  *repository.OutboxRepository
}

func NewCreditService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, policies *model.PolicyTable) *CreditService {
	return &CreditService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		policies:    policies,
		accountRepo: repository.NewAccountRepository(db),
		reloadRepo:  repository.NewReloadRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// Debit 扣减积分（功能消费）
//
// 【关键点】扣减是计量子系统最核心的操作，需要保证：
// 1. 并发安全：按用户加分布式锁，同一用户的变动串行执行
// 2. 不超扣：数据库条件更新兜底，余额不足时整笔拒绝，不做部分扣减
// 3. 可审计：扣减与流水在同一事务中写入
func (s *CreditService) Debit(ctx context.Context, userID string, amount int, feature string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	reloadNo := idgen.GenerateReloadNo()

	creditLock := lock.NewCreditLock(s.redisClient, userID, reloadNo)
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer creditLock.Unlock(ctx)

	// 调用方应当先过余额闸门，这里仍然重新校验
	account, err := s.accountRepo.GetOrCreate(ctx, userID, model.PlanTypeFree)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	if account.AvailableCredits < amount {
		return nil, repository.ErrInsufficientBalance
	}

	newBalance := account.AvailableCredits - amount

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Deduct(ctx, tx, userID, amount, account.Version); err != nil {
			return err
		}

		reload := &model.CreditReload{
			ReloadNo:        reloadNo,
			UserID:          userID,
			ReloadType:      model.ReloadTypeDebit,
			Amount:          -amount,
			PreviousBalance: account.AvailableCredits,
			NewBalance:      newBalance,
			Metadata:        feature,
		}
		if err := s.reloadRepo.Create(ctx, tx, reload); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.createEvent(ctx, tx, model.CreditEventDebit, reload)
	})

	if err != nil {
		return nil, err
	}

	s.trimHistory(ctx)

	log.Printf("扣减成功: userID=%s, amount=%d, balance=%d, feature=%s", userID, amount, newBalance, feature)

	return &MutationResult{
		UserID:       userID,
		ReloadNo:     reloadNo,
		NewBalance:   newBalance,
		TotalCredits: account.TotalCredits,
		ReloadAmount: -amount,
	}, nil
}

// GrantManual 手动购买积分
// 发放是增量操作，不受套餐额度上限约束；
// 购买只刷新 last_purchase_at，不影响计划重置锚点
func (s *CreditService) GrantManual(ctx context.Context, userID string, amount int, reason string) (*MutationResult, error) {
	metadata := reason
	if metadata == "" {
		metadata = "manual_purchase"
	}
	return s.grant(ctx, userID, amount, MaxManualAmount, model.ReloadTypeManualPurchase, metadata, true)
}

// GrantAdReward 广告观看奖励
// 奖励是临时性加餐，不算重置也不算购买，两个时间戳都不动
func (s *CreditService) GrantAdReward(ctx context.Context, userID string, amount int, adType string) (*MutationResult, error) {
	return s.grant(ctx, userID, amount, MaxAdRewardAmount, model.ReloadTypeAdReward, adType, false)
}

// GrantPromoBonus 促销赠送（仅限管理端调用）
func (s *CreditService) GrantPromoBonus(ctx context.Context, userID string, amount int, reason string) (*MutationResult, error) {
	return s.grant(ctx, userID, amount, MaxPromoAmount, model.ReloadTypeBonusPromo, reason, true)
}

// grant 发放积分的公共路径
// 给不存在的账户发放说明调用方有 bug，直接报 ErrAccountNotFound，
// 不做静默建号
func (s *CreditService) grant(ctx context.Context, userID string, amount, maxAmount int, reloadType, metadata string, touchPurchaseAt bool) (*MutationResult, error) {
	if amount <= 0 || amount > maxAmount {
		return nil, ErrInvalidAmount
	}

	reloadNo := idgen.GenerateReloadNo()

	creditLock := lock.NewCreditLock(s.redisClient, userID, reloadNo)
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer creditLock.Unlock(ctx)

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	newBalance := account.AvailableCredits + amount

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.AddCredits(ctx, tx, userID, amount, touchPurchaseAt); err != nil {
			return fmt.Errorf("发放积分失败: %w", err)
		}

		reload := &model.CreditReload{
			ReloadNo:        reloadNo,
			UserID:          userID,
			ReloadType:      reloadType,
			Amount:          amount,
			PreviousBalance: account.AvailableCredits,
			NewBalance:      newBalance,
			Metadata:        metadata,
		}
		if err := s.reloadRepo.Create(ctx, tx, reload); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.createEvent(ctx, tx, model.CreditEventGrant, reload)
	})

	if err != nil {
		return nil, err
	}

	s.trimHistory(ctx)

	log.Printf("发放成功: userID=%s, type=%s, amount=%d, balance=%d", userID, reloadType, amount, newBalance)

	return &MutationResult{
		UserID:       userID,
		ReloadNo:     reloadNo,
		NewBalance:   newBalance,
		TotalCredits: account.TotalCredits + amount,
		ReloadAmount: amount,
	}, nil
}

// ForceReload 提前手动重置
// 距上次计划重置不足一个完整节奏（免费 24h / 付费 1h）时拒绝，
// 并把剩余等待时长返回给调用方
func (s *CreditService) ForceReload(ctx context.Context, userID string) (*MutationResult, error) {
	reloadNo := idgen.GenerateReloadNo()

	creditLock := lock.NewCreditLock(s.redisClient, userID, reloadNo)
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer creditLock.Unlock(ctx)

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	policy := s.policies.Get(account.PlanType)
	cadence := policy.Cadence()

	if account.LastCreditRefillAt != nil && cadence > 0 {
		elapsed := time.Since(*account.LastCreditRefillAt)
		if elapsed < cadence {
			return nil, &TooSoonError{Wait: cadence - elapsed}
		}
	}

	return s.applyReset(ctx, account, policy, reloadNo, false)
}

// ApplyScheduledReset 调度器发起的计划重置
// 引擎是账户行的唯一写入方，两个批量任务也从这里写入；
// skipZeroDelta 为 true 时零增量不记流水（每小时批量重置的去噪）
func (s *CreditService) ApplyScheduledReset(ctx context.Context, userID string, skipZeroDelta bool) (*MutationResult, error) {
	reloadNo := idgen.GenerateReloadNo()

	creditLock := lock.NewCreditLock(s.redisClient, userID, reloadNo)
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer creditLock.Unlock(ctx)

	// 锁内重新读取，拿到本次重置前的真实余额
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	policy := s.policies.Get(account.PlanType)
	return s.applyReset(ctx, account, policy, reloadNo, skipZeroDelta)
}

// applyReset 把余额重置为套餐额度并记账，调用方需已持有用户锁
func (s *CreditService) applyReset(ctx context.Context, account *model.CreditAccount, policy model.PlanPolicy, reloadNo string, skipZeroDelta bool) (*MutationResult, error) {
	resetAt := time.Now()
	delta := policy.Limit - account.AvailableCredits

	reloadType := model.ReloadTypeDailyReset
	if policy.ResetStrategy == model.ResetStrategyHourly {
		reloadType = model.ReloadTypePremiumHourly
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.ResetToLimit(ctx, tx, account.UserID, policy.Limit, resetAt); err != nil {
			return fmt.Errorf("重置余额失败: %w", err)
		}

		if skipZeroDelta && delta <= 0 {
			return nil
		}

		reload := &model.CreditReload{
			ReloadNo:        reloadNo,
			UserID:          account.UserID,
			ReloadType:      reloadType,
			Amount:          delta,
			PreviousBalance: account.AvailableCredits,
			NewBalance:      policy.Limit,
		}
		if err := s.reloadRepo.Create(ctx, tx, reload); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.createEvent(ctx, tx, model.CreditEventReset, reload)
	})

	if err != nil {
		return nil, err
	}

	s.trimHistory(ctx)

	return &MutationResult{
		UserID:       account.UserID,
		ReloadNo:     reloadNo,
		NewBalance:   policy.Limit,
		TotalCredits: account.TotalCredits,
		ReloadAmount: delta,
	}, nil
}

// GetHistory 查询用户最近流水
func (s *CreditService) GetHistory(ctx context.Context, userID string, limit int) ([]*model.CreditReload, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.reloadRepo.ListByUserID(ctx, userID, limit)
}

// createEvent 在变动事务内写入积分事件，由发件箱任务异步投递
func (s *CreditService) createEvent(ctx context.Context, tx *gorm.DB, eventType string, reload *model.CreditReload) error {
	payload := map[string]interface{}{
		"user_id":     reload.UserID,
		"reload_no":   reload.ReloadNo,
		"reload_type": reload.ReloadType,
		"amount":      reload.Amount,
		"new_balance": reload.NewBalance,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: reload.UserID,
		Topic:      s.cfg.Kafka.Topic.CreditEvent,
		EventType:  eventType,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return nil
}

// trimHistory 变动落库后裁剪流水容量，失败只记日志不影响主流程
func (s *CreditService) trimHistory(ctx context.Context) {
	if _, err := s.reloadRepo.TrimToCapacity(ctx, s.cfg.Credits.HistoryCapacity); err != nil {
		log.Printf("裁剪流水失败: %v", err)
	}
}

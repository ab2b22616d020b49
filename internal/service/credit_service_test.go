package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"habitmind/internal/config"
	"habitmind/internal/model"
	"habitmind/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	// 内存库跟随连接生命周期，固定 1 个连接
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.CreditAccount{},
		&model.CreditReload{},
		&model.OutboxMessage{},
	); err != nil {
		t.Fatalf("建表失败: %v", err)
	}

	return db
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{CreditEvent: "habitmind.credit.event.test"},
		},
		Credits: config.CreditsConfig{
			FreeDailyLimit:     20,
			PremiumHourlyLimit: 300,
			HistoryCapacity:    1000,
			SweepBatchSize:     100,
			DefaultLanguage:    "zh-CN",
			MaxRetryCount:      3,
		},
	}
}

func newTestService(t *testing.T) (*CreditService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	cfg := newTestConfig()
	policies := model.NewPolicyTable(cfg.Credits.FreeDailyLimit, cfg.Credits.PremiumHourlyLimit)
	svc := NewCreditService(db, newTestRedis(t), cfg, policies)
	return svc, db
}

func seedAccount(t *testing.T, db *gorm.DB, account *model.CreditAccount) {
	t.Helper()
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("写入测试账户失败: %v", err)
	}
}

func loadAccount(t *testing.T, db *gorm.DB, userID string) *model.CreditAccount {
	t.Helper()
	var account model.CreditAccount
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		t.Fatalf("读取账户失败: %v", err)
	}
	return &account
}

func loadReloads(t *testing.T, db *gorm.DB, userID string) []*model.CreditReload {
	t.Helper()
	var reloads []*model.CreditReload
	if err := db.Where("user_id = ?", userID).Order("id ASC").Find(&reloads).Error; err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}
	return reloads
}

// ============================================================
// 扣减
// ============================================================

func TestDebit(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID:           "u1",
		PlanType:         model.PlanTypeFree,
		AvailableCredits: 20,
		TotalCredits:     20,
	})

	result, err := svc.Debit(ctx, "u1", 3, "ai_analysis")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if result.NewBalance != 17 {
		t.Errorf("new_balance: got %d, want 17", result.NewBalance)
	}
	if result.ReloadAmount != -3 {
		t.Errorf("reload_amount: got %d, want -3", result.ReloadAmount)
	}

	account := loadAccount(t, db, "u1")
	if account.AvailableCredits != 17 {
		t.Errorf("余额: got %d, want 17", account.AvailableCredits)
	}
	// 扣减不改变累计获得积分
	if account.TotalCredits != 20 {
		t.Errorf("total: got %d, want 20", account.TotalCredits)
	}

	reloads := loadReloads(t, db, "u1")
	if len(reloads) != 1 {
		t.Fatalf("流水条数: got %d, want 1", len(reloads))
	}
	r := reloads[0]
	if r.ReloadType != model.ReloadTypeDebit || r.Amount != -3 {
		t.Errorf("流水内容: %+v", r)
	}
	if r.PreviousBalance != 20 || r.NewBalance != 17 {
		t.Errorf("流水余额快照: prev=%d new=%d", r.PreviousBalance, r.NewBalance)
	}
	if r.Metadata != "ai_analysis" {
		t.Errorf("metadata: got %s", r.Metadata)
	}

	// 扣减事件与流水同事务落库
	var events int64
	db.Model(&model.OutboxMessage{}).
		Where("event_type = ? AND status = ?", model.CreditEventDebit, model.OutboxStatusPending).
		Count(&events)
	if events != 1 {
		t.Errorf("待投递扣减事件: got %d, want 1", events)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID:           "u1",
		AvailableCredits: 2,
		TotalCredits:     20,
	})

	_, err := svc.Debit(ctx, "u1", 3, "ai_analysis")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	// 整笔拒绝，余额分文未动，也没有流水
	account := loadAccount(t, db, "u1")
	if account.AvailableCredits != 2 {
		t.Errorf("余额被改动: %d", account.AvailableCredits)
	}
	if reloads := loadReloads(t, db, "u1"); len(reloads) != 0 {
		t.Errorf("被拒绝的扣减不应当留流水: %d 条", len(reloads))
	}
}

func TestDebitInvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, amount := range []int{0, -1} {
		if _, err := svc.Debit(ctx, "u1", amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount=%d: got %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestDebitCreatesEmptyAccount(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// 用户目录里存在但还没有积分记录：账户以零余额建出来，
	// 扣减按余额不足拒绝，等下一次计划重置灌入额度
	_, err := svc.Debit(ctx, "u_fresh", 1, "ai_analysis")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	account := loadAccount(t, db, "u_fresh")
	if account.AvailableCredits != 0 || account.PlanType != model.PlanTypeFree {
		t.Errorf("新建账户: %+v", account)
	}
}

func TestConcurrentDebits(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID:           "u1",
		AvailableCredits: 20,
		TotalCredits:     20,
	})

	const (
		workers = 8
		cost    = 3
	)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, "u1", cost, "ai_analysis")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, repository.ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("预期外错误: %v", err)
			}
		}()
	}
	wg.Wait()

	// 20 / 3 = 6 笔成功，剩余 2 不够再扣
	if succeeded != 6 {
		t.Errorf("成功笔数: got %d, want 6", succeeded)
	}
	if rejected != workers-6 {
		t.Errorf("拒绝笔数: got %d, want %d", rejected, workers-6)
	}

	account := loadAccount(t, db, "u1")
	if account.AvailableCredits != 2 {
		t.Errorf("最终余额: got %d, want 2", account.AvailableCredits)
	}
}

// ============================================================
// 发放
// ============================================================

func TestGrantManual(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID:           "u1",
		AvailableCredits: 5,
		TotalCredits:     20,
	})

	result, err := svc.GrantManual(ctx, "u1", 50, "pack_50")
	if err != nil {
		t.Fatalf("GrantManual: %v", err)
	}
	if result.NewBalance != 55 || result.TotalCredits != 70 {
		t.Errorf("result: %+v", result)
	}

	account := loadAccount(t, db, "u1")
	if account.AvailableCredits != 55 || account.TotalCredits != 70 {
		t.Errorf("账户: available=%d total=%d", account.AvailableCredits, account.TotalCredits)
	}
	if account.LastPurchaseAt == nil {
		t.Error("购买应当刷新 last_purchase_at")
	}
	// 购买绝不能推迟计划重置
	if account.LastCreditRefillAt != nil {
		t.Error("购买不应当刷新 last_credit_refill_at")
	}
}

func TestGrantAdRewardTimestamps(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{UserID: "u1", AvailableCredits: 10, TotalCredits: 10})

	if _, err := svc.GrantAdReward(ctx, "u1", 5, "rewarded"); err != nil {
		t.Fatalf("GrantAdReward: %v", err)
	}

	account := loadAccount(t, db, "u1")
	if account.LastPurchaseAt != nil || account.LastCreditRefillAt != nil {
		t.Error("广告奖励不应当碰任何时间戳")
	}
	if account.AvailableCredits != 15 {
		t.Errorf("余额: got %d, want 15", account.AvailableCredits)
	}
}

func TestGrantCeilings(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{UserID: "u1"})

	tests := []struct {
		name  string
		grant func() error
	}{
		{"购买超上限", func() error {
			_, err := svc.GrantManual(ctx, "u1", MaxManualAmount+1, "")
			return err
		}},
		{"促销超上限", func() error {
			_, err := svc.GrantPromoBonus(ctx, "u1", MaxPromoAmount+1, "launch")
			return err
		}},
		{"广告奖励超上限", func() error {
			_, err := svc.GrantAdReward(ctx, "u1", MaxAdRewardAmount+1, "rewarded")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.grant(); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("got %v, want ErrInvalidAmount", err)
			}
		})
	}

	if account := loadAccount(t, db, "u1"); account.AvailableCredits != 0 {
		t.Errorf("被拒绝的发放改动了余额: %d", account.AvailableCredits)
	}
}

func TestGrantAccountNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 给不存在的账户发放是调用方 bug，必须显式失败
	_, err := svc.GrantManual(ctx, "ghost", 10, "")
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Errorf("got %v, want ErrAccountNotFound", err)
	}
}

// ============================================================
// 重置
// ============================================================

func TestForceReload(t *testing.T) {
	now := time.Now()
	staleAnchor := now.Add(-25 * time.Hour)
	freshAnchor := now.Add(-2 * time.Hour)

	tests := []struct {
		name     string
		account  *model.CreditAccount
		wantWait bool
	}{
		{
			name: "免费套餐满一天后允许",
			account: &model.CreditAccount{
				UserID: "u1", PlanType: model.PlanTypeFree,
				AvailableCredits: 3, TotalCredits: 20,
				LastCreditRefillAt: &staleAnchor,
			},
		},
		{
			name: "免费套餐不满一天拒绝",
			account: &model.CreditAccount{
				UserID: "u1", PlanType: model.PlanTypeFree,
				AvailableCredits: 3, TotalCredits: 20,
				LastCreditRefillAt: &freshAnchor,
			},
			wantWait: true,
		},
		{
			name: "付费套餐满一小时后允许",
			account: &model.CreditAccount{
				UserID: "u1", PlanType: model.PlanTypePremium,
				AvailableCredits: 100, TotalCredits: 600,
				LastCreditRefillAt: &freshAnchor,
			},
		},
		{
			name: "从未重置过直接允许",
			account: &model.CreditAccount{
				UserID: "u1", PlanType: model.PlanTypeFree,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, db := newTestService(t)
			ctx := context.Background()
			seedAccount(t, db, tt.account)

			result, err := svc.ForceReload(ctx, "u1")

			if tt.wantWait {
				var tooSoon *TooSoonError
				if !errors.As(err, &tooSoon) {
					t.Fatalf("got %v, want TooSoonError", err)
				}
				if tooSoon.Wait <= 0 {
					t.Errorf("剩余等待时长应当为正: %v", tooSoon.Wait)
				}
				return
			}

			if err != nil {
				t.Fatalf("ForceReload: %v", err)
			}

			policy := model.NewPolicyTable(20, 300).Get(tt.account.PlanType)
			if result.NewBalance != policy.Limit {
				t.Errorf("重置后余额: got %d, want %d", result.NewBalance, policy.Limit)
			}

			account := loadAccount(t, db, "u1")
			if account.LastCreditRefillAt == nil {
				t.Fatal("重置应当刷新 last_credit_refill_at")
			}
			if !account.LastCreditRefillAt.After(now.Add(-time.Minute)) {
				t.Errorf("锚点未更新: %v", account.LastCreditRefillAt)
			}
		})
	}
}

func TestApplyScheduledResetSkipZeroDelta(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	seedAccount(t, db, &model.CreditAccount{
		UserID: "p1", PlanType: model.PlanTypePremium,
		AvailableCredits: 300, TotalCredits: 900,
		LastCreditRefillAt: &old,
	})

	if _, err := svc.ApplyScheduledReset(ctx, "p1", true); err != nil {
		t.Fatalf("ApplyScheduledReset: %v", err)
	}

	// 满额用户锚点照常前移，但不留零增量流水
	account := loadAccount(t, db, "p1")
	if !account.LastCreditRefillAt.After(old) {
		t.Error("锚点未前移")
	}
	if reloads := loadReloads(t, db, "p1"); len(reloads) != 0 {
		t.Errorf("零增量重置不应当留流水: %d 条", len(reloads))
	}
}

func TestApplyScheduledResetRecordsDelta(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID: "u1", PlanType: model.PlanTypeFree,
		AvailableCredits: 5, TotalCredits: 40,
	})

	result, err := svc.ApplyScheduledReset(ctx, "u1", false)
	if err != nil {
		t.Fatalf("ApplyScheduledReset: %v", err)
	}
	if result.NewBalance != 20 || result.ReloadAmount != 15 {
		t.Errorf("result: %+v", result)
	}

	reloads := loadReloads(t, db, "u1")
	if len(reloads) != 1 {
		t.Fatalf("流水条数: got %d, want 1", len(reloads))
	}
	r := reloads[0]
	if r.ReloadType != model.ReloadTypeDailyReset {
		t.Errorf("reload_type: got %s", r.ReloadType)
	}
	if r.NewBalance-r.PreviousBalance != r.Amount {
		t.Errorf("流水自洽性: prev=%d new=%d amount=%d", r.PreviousBalance, r.NewBalance, r.Amount)
	}
}

// ============================================================
// 流水
// ============================================================

func TestAuditTrailConsistency(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID: "u1", PlanType: model.PlanTypeFree,
		AvailableCredits: 20, TotalCredits: 20,
	})

	// 混合一串变动，每条流水都必须满足 new - previous == amount
	if _, err := svc.Debit(ctx, "u1", 3, "ai_analysis"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := svc.GrantAdReward(ctx, "u1", 2, "rewarded"); err != nil {
		t.Fatalf("GrantAdReward: %v", err)
	}
	if _, err := svc.GrantManual(ctx, "u1", 100, ""); err != nil {
		t.Fatalf("GrantManual: %v", err)
	}
	if _, err := svc.Debit(ctx, "u1", 10, "export"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	reloads := loadReloads(t, db, "u1")
	if len(reloads) != 4 {
		t.Fatalf("流水条数: got %d, want 4", len(reloads))
	}

	prev := 20
	for _, r := range reloads {
		if r.NewBalance-r.PreviousBalance != r.Amount {
			t.Errorf("流水 %s 不自洽: prev=%d new=%d amount=%d",
				r.ReloadNo, r.PreviousBalance, r.NewBalance, r.Amount)
		}
		if r.PreviousBalance != prev {
			t.Errorf("流水 %s 与上一条断链: got prev=%d, want %d", r.ReloadNo, r.PreviousBalance, prev)
		}
		prev = r.NewBalance
	}

	account := loadAccount(t, db, "u1")
	if account.AvailableCredits != prev {
		t.Errorf("账户余额与流水终值不一致: %d != %d", account.AvailableCredits, prev)
	}
}

func TestGetHistoryLimit(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID: "u1", AvailableCredits: 100, TotalCredits: 100,
	})
	for i := 0; i < 30; i++ {
		if _, err := svc.Debit(ctx, "u1", 1, "ai_analysis"); err != nil {
			t.Fatalf("Debit: %v", err)
		}
	}

	// 缺省 20 条
	reloads, err := svc.GetHistory(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(reloads) != 20 {
		t.Errorf("缺省条数: got %d, want 20", len(reloads))
	}

	// 超过硬上限按 100 截断
	reloads, err = svc.GetHistory(ctx, "u1", 500)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(reloads) != 30 {
		t.Errorf("全量条数: got %d, want 30", len(reloads))
	}
}

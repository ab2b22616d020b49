package job

import (
	"context"
	"log"
	"time"

	"habitmind/internal/config"
	"habitmind/internal/model"
	"habitmind/internal/repository"
	"habitmind/internal/service"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ============================================================================
// 积分补给调度
// ============================================================================
//
// 两个独立的后台任务，按节奏而不是按用户调度：
//   - DailyResetJob: 每个 UTC 零点把所有免费套餐账户重置到每日额度，
//     无条件执行（已满额也覆盖，流水记录零或正增量）
//   - HourlyResetJob: 每 60 分钟扫一遍付费套餐账户，只重置
//     上次重置时间为空或已超过 1 小时的账户（按用户各自的锚点滚动）
//
// 扫描中单个账户失败只记日志继续，下一个周期天然就是重试。
// ============================================================================

// DailyResetJob 免费套餐每日重置任务
type DailyResetJob struct {
	db          *gorm.DB
	svc         *service.CreditService
	accountRepo *repository.AccountRepository
	cfg         *config.Config
	cron        *cron.Cron
	stopCh      chan struct{}
}

func NewDailyResetJob(db *gorm.DB, svc *service.CreditService, cfg *config.Config) *DailyResetJob {
	return &DailyResetJob{
		db:          db,
		svc:         svc,
		accountRepo: repository.NewAccountRepository(db),
		cfg:         cfg,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		stopCh:      make(chan struct{}),
	}
}

func (j *DailyResetJob) Start(ctx context.Context) {
	log.Println("[DailyResetJob] 每日重置任务启动")

	// UTC 零点触发，cron 自己算首次触发的延迟
	if _, err := j.cron.AddFunc("0 0 * * *", func() {
		j.sweep(ctx)
	}); err != nil {
		log.Printf("[DailyResetJob] 注册调度失败: %v", err)
		return
	}
	j.cron.Start()

	select {
	case <-ctx.Done():
		log.Println("[DailyResetJob] 收到停止信号，任务退出")
	case <-j.stopCh:
		log.Println("[DailyResetJob] 任务停止")
	}

	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
}

func (j *DailyResetJob) Stop() {
	close(j.stopCh)
}

// sweep 重置所有免费套餐账户
func (j *DailyResetJob) sweep(ctx context.Context) {
	var (
		afterID int64
		total   int
		failed  int
	)

	for {
		accounts, err := j.accountRepo.ListByPlanType(ctx, model.PlanTypeFree, afterID, j.cfg.Credits.SweepBatchSize)
		if err != nil {
			// 本轮扫不动了，等下一个零点重试
			log.Printf("[DailyResetJob] 查询免费账户失败: %v", err)
			return
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			if _, err := j.svc.ApplyScheduledReset(ctx, account.UserID, false); err != nil {
				failed++
				log.Printf("[DailyResetJob] 重置失败: userID=%s, err=%v", account.UserID, err)
				continue
			}
			total++
		}

		afterID = accounts[len(accounts)-1].ID
	}

	log.Printf("[DailyResetJob] 本轮重置 %d 个免费账户，失败 %d 个", total, failed)
}

// HourlyResetJob 付费套餐滚动重置任务
type HourlyResetJob struct {
	db          *gorm.DB
	svc         *service.CreditService
	accountRepo *repository.AccountRepository
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	window      time.Duration
}

func NewHourlyResetJob(db *gorm.DB, svc *service.CreditService, cfg *config.Config) *HourlyResetJob {
	return &HourlyResetJob{
		db:          db,
		svc:         svc,
		accountRepo: repository.NewAccountRepository(db),
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    time.Hour,
		window:      time.Hour,
	}
}

func (j *HourlyResetJob) Start(ctx context.Context) {
	log.Println("[HourlyResetJob] 每小时重置任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[HourlyResetJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[HourlyResetJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *HourlyResetJob) Stop() {
	close(j.stopCh)
}

// sweep 重置到期的付费套餐账户
// 窗口按每个用户自己的 last_credit_refill_at 计算，
// 30 分钟前刚重置过的用户这一轮会被跳过
func (j *HourlyResetJob) sweep(ctx context.Context) {
	before := time.Now().Add(-j.window)

	var (
		afterID int64
		total   int
		failed  int
	)

	for {
		accounts, err := j.accountRepo.ListPremiumDue(ctx, before, afterID, j.cfg.Credits.SweepBatchSize)
		if err != nil {
			log.Printf("[HourlyResetJob] 查询到期付费账户失败: %v", err)
			return
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			// 零增量不记流水，避免满额用户每小时刷一条无效审计
			if _, err := j.svc.ApplyScheduledReset(ctx, account.UserID, true); err != nil {
				failed++
				log.Printf("[HourlyResetJob] 重置失败: userID=%s, err=%v", account.UserID, err)
				continue
			}
			total++
		}

		afterID = accounts[len(accounts)-1].ID
	}

	if total > 0 || failed > 0 {
		log.Printf("[HourlyResetJob] 本轮重置 %d 个付费账户，失败 %d 个", total, failed)
	}
}

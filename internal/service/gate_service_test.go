package service

import (
	"context"
	"testing"
	"time"

	"habitmind/internal/model"
)

func TestHasSufficientBalance(t *testing.T) {
	_, db := newTestService(t)
	gate := NewGateService(db, model.NewPolicyTable(20, 300))
	ctx := context.Background()

	seedAccount(t, db, &model.CreditAccount{
		UserID: "u1", AvailableCredits: 5, TotalCredits: 20,
	})

	tests := []struct {
		name   string
		userID string
		cost   int
		want   bool
	}{
		{"零成本直接放行", "u1", 0, true},
		{"余额足够", "u1", 5, true},
		{"余额不足", "u1", 6, false},
		{"账户不存在按不足处理", "ghost", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gate.HasSufficientBalance(ctx, tt.userID, tt.cost)
			if err != nil {
				t.Fatalf("HasSufficientBalance: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetUsageSummary(t *testing.T) {
	svc, db := newTestService(t)
	gate := NewGateService(db, model.NewPolicyTable(20, 300))
	ctx := context.Background()

	anchor := time.Now().Add(-30 * time.Minute)
	seedAccount(t, db, &model.CreditAccount{
		UserID: "p1", PlanType: model.PlanTypePremium,
		AvailableCredits: 120, TotalCredits: 420,
		LastCreditRefillAt: &anchor,
	})

	// 留两条流水给概览展示
	if _, err := svc.Debit(ctx, "p1", 10, "ai_analysis"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := svc.GrantAdReward(ctx, "p1", 5, "rewarded"); err != nil {
		t.Fatalf("GrantAdReward: %v", err)
	}

	summary := gate.GetUsageSummary(ctx, "p1")

	if summary.PlanType != model.PlanTypePremium || summary.Limit != 300 {
		t.Errorf("套餐信息: %+v", summary)
	}
	if summary.Remaining != 115 {
		t.Errorf("remaining: got %d, want 115", summary.Remaining)
	}
	if summary.Used != 425-115 {
		t.Errorf("used: got %d, want %d", summary.Used, 425-115)
	}
	if summary.ResetType != model.ResetStrategyHourly {
		t.Errorf("reset_type: got %s", summary.ResetType)
	}

	// 下次重置 = 锚点 + 1 小时，剩余约 30 分钟
	wantReset := anchor.Add(time.Hour)
	if diff := summary.ResetTime.Sub(wantReset); diff < -time.Second || diff > time.Second {
		t.Errorf("reset_time: got %v, want %v", summary.ResetTime, wantReset)
	}
	if summary.HoursUntilReset != 0 {
		t.Errorf("hours_until_reset: got %d, want 0", summary.HoursUntilReset)
	}
	if summary.MinutesUntilReset < 28 || summary.MinutesUntilReset > 30 {
		t.Errorf("minutes_until_reset: got %d", summary.MinutesUntilReset)
	}

	if len(summary.RecentReloads) != 2 {
		t.Errorf("recent_reloads: got %d 条, want 2", len(summary.RecentReloads))
	}
}

func TestGetUsageSummaryMissingAccount(t *testing.T) {
	_, db := newTestService(t)
	gate := NewGateService(db, model.NewPolicyTable(20, 300))

	// 账户不存在时返回免费套餐默认概览，概览接口永不报错
	summary := gate.GetUsageSummary(context.Background(), "ghost")
	if summary.PlanType != model.PlanTypeFree {
		t.Errorf("plan_type: got %s", summary.PlanType)
	}
	if summary.Used != 0 || summary.Remaining != 20 {
		t.Errorf("默认概览: used=%d remaining=%d", summary.Used, summary.Remaining)
	}
	if !summary.ResetTime.After(time.Now()) {
		t.Errorf("reset_time 应当在未来: %v", summary.ResetTime)
	}
}

package handler

import (
	"errors"
	"strconv"
	"strings"

	"habitmind/internal/config"
	"habitmind/internal/i18n"
	"habitmind/internal/model"
	"habitmind/internal/repository"
	"habitmind/internal/service"
	"habitmind/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	gateService   *service.GateService
	creditService *service.CreditService
	cfg           *config.Config
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, policies *model.PolicyTable) *Handler {
	return &Handler{
		gateService:   service.NewGateService(db, policies),
		creditService: service.NewCreditService(db, rdb, cfg, policies),
		cfg:           cfg,
	}
}

// lang 解析请求语言，缺省使用配置的回退语言
func (h *Handler) lang(c *gin.Context) string {
	l := c.GetHeader("Accept-Language")
	if l == "" {
		return h.cfg.Credits.DefaultLanguage
	}
	if strings.HasPrefix(strings.ToLower(l), "en") {
		return "en-US"
	}
	return "zh-CN"
}

// ============================================================
// 查询接口
// ============================================================

// CheckBalance 余额准入检查
// GET /api/v1/credits/check?user_id=xxx&cost=3
func (h *Handler) CheckBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	cost, err := strconv.Atoi(c.DefaultQuery("cost", "1"))
	if err != nil || cost < 0 {
		response.ParamError(c, "cost 参数错误")
		return
	}

	sufficient, err := h.gateService.HasSufficientBalance(c.Request.Context(), userID, cost)
	if err != nil {
		// 存储读失败时按"余额不足"保守拒绝，接口本身保持可用
		response.Success(c, gin.H{
			"sufficient": false,
			"degraded":   true,
		})
		return
	}

	response.Success(c, gin.H{
		"sufficient": sufficient,
	})
}

// GetSummary 查询用量概览
// GET /api/v1/credits/summary?user_id=xxx
func (h *Handler) GetSummary(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	summary := h.gateService.GetUsageSummary(c.Request.Context(), userID)
	response.Success(c, summary)
}

// GetHistory 查询积分流水
// GET /api/v1/credits/history?user_id=xxx&limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	reloads, err := h.creditService.GetHistory(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, i18n.T(h.lang(c), i18n.KeyStorageUnavailable))
		return
	}

	response.Success(c, gin.H{
		"list": reloads,
	})
}

// ============================================================
// 变动接口
// ============================================================

// DebitRequest 扣减请求
type DebitRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Amount  int    `json:"amount" binding:"required,gt=0"`
	Feature string `json:"feature"` // 消费来源，如 ai_analysis
}

// Debit 扣减积分
// POST /api/v1/credits/debit
func (h *Handler) Debit(c *gin.Context) {
	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.Debit(c.Request.Context(), req.UserID, req.Amount, req.Feature)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			// 余额不足是预期内结果，附带概览供客户端渲染"升级或等待"提示
			summary := h.gateService.GetUsageSummary(c.Request.Context(), req.UserID)
			response.ErrorWithData(c, response.CodeInsufficientBalance,
				i18n.T(h.lang(c), i18n.KeyInsufficientBalance), summary)
			return
		}
		h.mutationError(c, err)
		return
	}

	response.Success(c, result)
}

// ManualReloadRequest 手动购买请求
type ManualReloadRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int    `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason"`
}

// ReloadManual 手动购买积分
// POST /api/v1/credits/reload/manual
func (h *Handler) ReloadManual(c *gin.Context) {
	var req ManualReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.GrantManual(c.Request.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		h.mutationError(c, err)
		return
	}

	response.Success(c, result)
}

// AdRewardRequest 广告奖励请求
type AdRewardRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int    `json:"amount" binding:"required,gt=0"`
	AdType string `json:"ad_type" binding:"required"` // banner / interstitial / rewarded
}

// RewardAd 广告观看奖励
// POST /api/v1/credits/reward/ad
func (h *Handler) RewardAd(c *gin.Context) {
	var req AdRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.GrantAdReward(c.Request.Context(), req.UserID, req.Amount, req.AdType)
	if err != nil {
		h.mutationError(c, err)
		return
	}

	response.Success(c, result)
}

// PromoBonusRequest 促销赠送请求（管理端）
type PromoBonusRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int    `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
}

// BonusPromo 促销赠送
// POST /api/v1/credits/bonus/promo
func (h *Handler) BonusPromo(c *gin.Context) {
	var req PromoBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.GrantPromoBonus(c.Request.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		h.mutationError(c, err)
		return
	}

	response.Success(c, result)
}

// ForceReloadRequest 强制重置请求
type ForceReloadRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ForceReload 提前手动重置
// POST /api/v1/credits/reload/force
func (h *Handler) ForceReload(c *gin.Context) {
	var req ForceReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.ForceReload(c.Request.Context(), req.UserID)
	if err != nil {
		var tooSoon *service.TooSoonError
		if errors.As(err, &tooSoon) {
			response.ErrorWithData(c, response.CodeTooSoonToReload,
				i18n.T(h.lang(c), i18n.KeyTooSoonToReload), gin.H{
					"wait_seconds": int(tooSoon.Wait.Seconds()),
				})
			return
		}
		h.mutationError(c, err)
		return
	}

	response.Success(c, result)
}

// mutationError 变动类接口的公共错误映射
func (h *Handler) mutationError(c *gin.Context, err error) {
	lang := h.lang(c)
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, i18n.T(lang, i18n.KeyInvalidAmount))
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, i18n.T(lang, i18n.KeyAccountNotFound))
	case errors.Is(err, repository.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, i18n.T(lang, i18n.KeyInsufficientBalance))
	default:
		// 写路径的存储故障必须显式失败，绝不静默吞掉变动
		response.BusinessError(c, response.CodeStorageUnavailable, i18n.T(lang, i18n.KeyStorageUnavailable))
	}
}

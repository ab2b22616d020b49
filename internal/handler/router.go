package handler

import (
	"habitmind/internal/config"
	"habitmind/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, policies *model.PolicyTable) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, policies)

	// API 路由组
	api := r.Group("/api/v1")
	{
		credits := api.Group("/credits")
		{
			// 查询
			credits.GET("/check", h.CheckBalance)
			credits.GET("/summary", h.GetSummary)
			credits.GET("/history", h.GetHistory)

			// 消费
			credits.POST("/debit", h.Debit)

			// 发放
			credits.POST("/reload/manual", h.ReloadManual)
			credits.POST("/reload/force", h.ForceReload)
			credits.POST("/reward/ad", h.RewardAd)
			credits.POST("/bonus/promo", h.BonusPromo)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

package handler

import (
	"topupmall/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.POST("/provision", h.ProvisionWallet)
			wallet.GET("/ledger", h.GetLedgerHistory)
			wallet.GET("/verify", h.VerifyWallet)
			// 支付网关充值成功回调
			wallet.POST("/topup/notify", h.TopupNotify)
		}

		// 购买相关
		purchase := api.Group("/purchase")
		{
			purchase.POST("/execute", h.ExecutePurchase)
			purchase.GET("/detail", h.GetPurchase)
			purchase.GET("/list", h.ListPurchases)
			purchase.POST("/refund", h.RefundPurchase)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		api.POST("/user/register", h.Register)
		api.GET("/products", h.ListProducts)

		// 网关回调不带用户身份，靠验签
		api.GET("/payment/notify", h.PaymentNotify)
		api.POST("/payment/notify", h.PaymentNotify)

		authed := api.Group("", AuthMiddleware())
		{
			authed.GET("/user/profile", h.GetProfile)

			credits := authed.Group("/credits")
			{
				credits.GET("/balance", h.GetBalance)
				credits.GET("/entries", h.ListEntries)
				credits.POST("/daily-bonus", h.ClaimDailyBonus)
			}

			order := authed.Group("/order")
			{
				order.POST("/create", h.CreateOrder)
				order.GET("/detail", h.GetOrder)
				order.GET("/list", h.ListOrders)
				order.POST("/cancel", h.CancelOrder)
			}

			task := authed.Group("/task")
			{
				task.POST("/submit", h.SubmitTask)
				task.GET("/detail", h.GetTask)
			}

			admin := authed.Group("/admin", AdminMiddleware(h.svc.Users))
			{
				admin.POST("/audit", h.RunAudit)
				admin.GET("/check", h.CheckUser)
				admin.POST("/repair", h.RepairBalance)
				admin.POST("/adjust", h.AdjustCredits)
				admin.GET("/logs", h.OperationLogs)
				admin.GET("/entries", h.SearchEntries)
				admin.GET("/orders", h.AdminListOrders)
				admin.GET("/orders/statistics", h.OrderStatistics)
				admin.POST("/task/fail", h.FailTask)
				admin.POST("/task/succeed", h.SucceedTask)
			}
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

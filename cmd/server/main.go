package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/job"
	"creditledger/internal/logger"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"
	"creditledger/pkg/zpay"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法节点号，多实例部署时必须唯一")
	flag.Parse()

	// 配置加载前先用生产配置输出启动错误
	logger.Init("production")
	cfg := config.LoadConfig(*configPath)
	logger.Init(cfg.Log.Env)
	defer logger.Sync()

	if err := idgen.Init(*workerID); err != nil {
		logger.Log.Fatal("初始化 ID 生成器失败", zap.Error(err))
	}

	db := database.InitMySQL(&cfg.MySQL)

	// 未启用时为 nil
	redisClient := cache.InitRedis(&cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	ledger := service.NewLedgerService(db, cfg)
	projector := service.NewBalanceProjector(db, cfg)
	orders := service.NewOrderService(db, cfg, ledger, service.NewProductCatalogFromConfig(cfg.Products))
	guard := service.NewGuardService(db, cfg, projector, ledger)
	svc := handler.Services{
		Users:  service.NewUserService(db, cfg),
		Ledger: ledger,
		Orders: orders,
		Notify: service.NewNotifyService(db, cfg, orders, zpay.NewVerifier(cfg.Gateway.MerchantKey), redisClient),
		Guard:  guard,
		Tasks:  service.NewTaskService(db, cfg, ledger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, cfg, producer)
	go outboxSender.Start(ctx)

	orderTimeoutJob := job.NewOrderTimeoutJob(cfg, orders)
	go orderTimeoutJob.Start(ctx)

	auditJob := job.NewAuditJob(cfg, guard, redisClient)
	go auditJob.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := handler.SetupRouter(handler.NewHandler(cfg, svc))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("正在关闭服务...")

	// 先停后台任务，再等待进行中的请求
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("服务关闭异常", zap.Error(err))
	}

	logger.Log.Info("服务已关闭")
}

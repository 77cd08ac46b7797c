package job

import (
	"context"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/service"
	"creditledger/pkg/retry"

	"go.uber.org/zap"
)

// OrderTimeoutJob 定时关闭超时未支付的订单，释放用户的待支付名额
type OrderTimeoutJob struct {
	orders    *service.OrderService
	policy    retry.Policy
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOrderTimeoutJob(cfg *config.Config, orders *service.OrderService) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		orders:    orders,
		policy:    retry.DefaultPolicy(cfg.Business.CallerRetryAttempts),
		stopCh:    make(chan struct{}),
		interval:  10 * time.Second,
		batchSize: 100,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	logger.Log.Info("[OrderTimeoutJob] 订单超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("[OrderTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.Log.Info("[OrderTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *OrderTimeoutJob) Stop() {
	close(j.stopCh)
}

// RunOnce 关闭一批超时订单，遇到可重试错误时退避重来
func (j *OrderTimeoutJob) RunOnce(ctx context.Context) int {
	closed, err := retry.Do(ctx, j.policy, apperr.IsTransient, func() (int, error) {
		return j.orders.CloseExpiredOrders(ctx, j.batchSize)
	})
	if err != nil {
		logger.Log.Error("[OrderTimeoutJob] 关闭超时订单失败", zap.Int("closed", closed), zap.Error(err))
		return closed
	}
	if closed > 0 {
		logger.Log.Info("[OrderTimeoutJob] 本次关闭超时订单", zap.Int("closed", closed))
	}
	return closed
}

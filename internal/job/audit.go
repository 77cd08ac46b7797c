package job

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/logger"
	"creditledger/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditJob 定时全量巡检余额投影与待支付订单，只报告不修复
type AuditJob struct {
	guard       *service.GuardService
	redisClient *redis.Client
	owner       string
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

// NewAuditJob redisClient 为空时每个实例都会巡检
func NewAuditJob(cfg *config.Config, guard *service.GuardService, redisClient *redis.Client) *AuditJob {
	return &AuditJob{
		guard:       guard,
		redisClient: redisClient,
		owner:       uuid.NewString(),
		stopCh:      make(chan struct{}),
		interval:    cfg.Business.AuditInterval(),
		batchSize:   cfg.Business.AuditBatchSize,
	}
}

func (j *AuditJob) Start(ctx context.Context) {
	if j.interval <= 0 {
		logger.Log.Info("[AuditJob] 未配置巡检间隔，任务不启动")
		return
	}
	logger.Log.Info("[AuditJob] 一致性巡检任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("[AuditJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.Log.Info("[AuditJob] 任务停止")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, lock.ErrLockFailed) {
				logger.Log.Error("[AuditJob] 巡检失败", zap.Error(err))
			}
		}
	}
}

func (j *AuditJob) Stop() {
	close(j.stopCh)
}

// RunOnce 拿不到巡检锁时返回 lock.ErrLockFailed，说明其他实例正在巡检
func (j *AuditJob) RunOnce(ctx context.Context) (*service.AuditReport, error) {
	if j.redisClient != nil {
		l := lock.NewAuditLock(j.redisClient, j.owner, j.interval)
		ok, err := l.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, lock.ErrLockFailed
		}
		defer func() {
			if err := l.Unlock(context.Background()); err != nil {
				logger.Log.Warn("[AuditJob] 释放巡检锁失败", zap.Error(err))
			}
		}()
	}

	report, err := j.guard.Audit(ctx, j.batchSize)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("[AuditJob] 巡检完成",
		zap.Int("checked_users", report.CheckedUsers),
		zap.Int("violations", len(report.Violations)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/retry"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SignatureVerifier 网关回调验签，算法由网关决定
type SignatureVerifier interface {
	Verify(params map[string]string) bool
}

// Notification 网关异步通知，Params 是参与验签的全部原始参数
type Notification struct {
	OutTradeNo  string
	TradeNo     string
	TradeStatus string
	Money       string
	Buyer       string
	Sign        string
	SignType    string
	Params      map[string]string
}

func NotificationFromParams(params map[string]string) Notification {
	return Notification{
		OutTradeNo:  params["out_trade_no"],
		TradeNo:     params["trade_no"],
		TradeStatus: params["trade_status"],
		Money:       params["money"],
		Buyer:       params["buyer"],
		Sign:        params["sign"],
		SignType:    params["sign_type"],
		Params:      params,
	}
}

// NotifyResult Ack 为 true 时应答网关 success，停止重发
type NotifyResult struct {
	Ack              bool
	AlreadyProcessed bool
	Applied          bool
	Order            *model.PaymentOrder
}

// 复核原因
const (
	ReviewAmountMismatch = "amount_mismatch"
	ReviewPaidAfterClose = "paid_after_close"
	ReviewTradeConflict  = "trade_no_conflict"
)

// NotifyService 处理支付网关回调：验签、对金额、推进订单并入账
type NotifyService struct {
	orders       *OrderService
	outboxRepo   *repository.OutboxRepository
	verifier     SignatureVerifier
	redisClient  *redis.Client
	reviewTopic  string
	lookupPolicy retry.Policy
}

// NewNotifyService redisClient 为空时不加分布式锁，幂等由数据库状态 CAS 保证
func NewNotifyService(db *gorm.DB, cfg *config.Config, orders *OrderService, verifier SignatureVerifier, redisClient *redis.Client) *NotifyService {
	policy := retry.DefaultPolicy(cfg.Business.NotifyLookupAttempts)
	if d := cfg.Business.NotifyLookupDelay(); d > 0 {
		policy.InitialInterval = d
	}
	return &NotifyService{
		orders:       orders,
		outboxRepo:   repository.NewOutboxRepository(db),
		verifier:     verifier,
		redisClient:  redisClient,
		reviewTopic:  cfg.Kafka.Topic.ReviewRequest,
		lookupPolicy: policy,
	}
}

func (n Notification) validate() error {
	if n.OutTradeNo == "" || n.TradeNo == "" || n.TradeStatus == "" || n.Money == "" || n.Sign == "" {
		return apperr.ErrMalformedNotification
	}
	return nil
}

func (s *NotifyService) Handle(ctx context.Context, n Notification) (*NotifyResult, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if !s.verifier.Verify(n.Params) {
		logger.Log.Warn("支付回调验签失败", zap.String("out_trade_no", n.OutTradeNo))
		return nil, apperr.ErrInvalidSignature
	}
	paid, err := decimal.NewFromString(n.Money)
	if err != nil {
		return nil, fmt.Errorf("%w: money=%q", apperr.ErrMalformedNotification, n.Money)
	}

	if s.redisClient != nil {
		l := lock.NewNotifyLock(s.redisClient, n.OutTradeNo, uuid.NewString())
		if err := l.Lock(ctx, 50*time.Millisecond, 100); err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		defer func() {
			if err := l.Unlock(context.Background()); err != nil {
				logger.Log.Warn("释放回调锁失败", zap.String("out_trade_no", n.OutTradeNo), zap.Error(err))
			}
		}()
	}

	order, err := s.lookupOrder(ctx, n.OutTradeNo)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusSucceeded && order.TradeNo == n.TradeNo {
		return &NotifyResult{Ack: true, AlreadyProcessed: true, Order: order}, nil
	}

	if !order.Money.Round(2).Equal(paid.Round(2)) {
		logger.Log.Error("支付金额与订单金额不一致",
			zap.String("out_trade_no", order.OutTradeNo),
			zap.String("expected", order.Money.StringFixed(2)),
			zap.String("paid", paid.StringFixed(2)),
		)
		s.requestReview(ctx, order, n, ReviewAmountMismatch)
		return nil, apperr.ErrAmountMismatch
	}

	switch n.TradeStatus {
	case model.TradeStatusSuccess:
		updated, applied, err := s.orders.MarkSucceeded(ctx, n.OutTradeNo, SuccessInfo{
			TradeNo:     n.TradeNo,
			Buyer:       n.Buyer,
			TradeStatus: n.TradeStatus,
			EndTime:     time.Now(),
		})
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			reason := ReviewPaidAfterClose
			if order.Status == model.OrderStatusSucceeded {
				reason = ReviewTradeConflict
			}
			logger.Log.Error("终态订单收到支付成功通知", zap.String("out_trade_no", n.OutTradeNo), zap.String("reason", reason))
			s.requestReview(ctx, order, n, reason)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		return &NotifyResult{Ack: true, Applied: applied, AlreadyProcessed: !applied, Order: updated}, nil

	case model.TradeStatusClosed:
		updated, err := s.orders.MarkClosed(ctx, n.OutTradeNo, "网关通知交易关闭")
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			return &NotifyResult{Ack: true, AlreadyProcessed: true, Order: order}, nil
		}
		if err != nil {
			return nil, err
		}
		return &NotifyResult{Ack: true, Applied: true, Order: updated}, nil
	}

	logger.Log.Info("忽略非终态交易通知", zap.String("out_trade_no", n.OutTradeNo), zap.String("trade_status", n.TradeStatus))
	return &NotifyResult{Ack: true, Order: order}, nil
}

// lookupOrder 回调可能先于下单事务可见，订单不存在时退避重查
func (s *NotifyService) lookupOrder(ctx context.Context, outTradeNo string) (*model.PaymentOrder, error) {
	return retry.Do(ctx, s.lookupPolicy, func(err error) bool {
		return errors.Is(err, apperr.ErrOrderNotFound)
	}, func() (*model.PaymentOrder, error) {
		return s.orders.GetOrder(ctx, outTradeNo)
	})
}

func (s *NotifyService) requestReview(ctx context.Context, order *model.PaymentOrder, n Notification, reason string) {
	err := s.outboxRepo.Publish(ctx, nil, s.reviewTopic, order.OutTradeNo, model.EventReviewRequired, map[string]interface{}{
		"out_trade_no":   order.OutTradeNo,
		"user_id":        order.UserID,
		"reason":         reason,
		"order_status":   order.Status,
		"order_money":    order.Money.StringFixed(2),
		"notified_money": n.Money,
		"trade_no":       n.TradeNo,
		"trade_status":   n.TradeStatus,
	})
	if err != nil {
		logger.Log.Error("写入人工复核事件失败", zap.String("out_trade_no", order.OutTradeNo), zap.Error(err))
	}
}

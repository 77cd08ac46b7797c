package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
	"creditledger/pkg/zpay"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderService struct {
	db          *gorm.DB
	cfg         *config.Config
	orderRepo   *repository.OrderRepository
	profileRepo *repository.ProfileRepository
	outboxRepo  *repository.OutboxRepository
	ledger      *LedgerService
	catalog     *ProductCatalog
}

func NewOrderService(db *gorm.DB, cfg *config.Config, ledger *LedgerService, catalog *ProductCatalog) *OrderService {
	return &OrderService{
		db:          db,
		cfg:         cfg,
		orderRepo:   repository.NewOrderRepository(db),
		profileRepo: repository.NewProfileRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		ledger:      ledger,
		catalog:     catalog,
	}
}

// Products 可购买的积分套餐
func (s *OrderService) Products() []Product {
	return s.catalog.List()
}

// CreateOrderRequest 指定 ProductID 时金额和积分取自商品，否则按 Amount 折算积分
type CreateOrderRequest struct {
	UserID    int64
	Amount    decimal.Decimal
	Channel   string
	ProductID string
	Name      string
	ClientIP  string
	Param     string
	Metadata  map[string]interface{}
}

// SuccessInfo 网关确认支付成功时带回的信息
type SuccessInfo struct {
	TradeNo     string
	Buyer       string
	TradeStatus string
	EndTime     time.Time
}

func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.PaymentOrder, error) {
	channel := req.Channel
	if channel == "" {
		channel = model.ChannelAlipay
	}
	if !model.IsValidChannel(channel) {
		return nil, fmt.Errorf("%w: 不支持的支付方式 %q", apperr.ErrInvalidArgument, channel)
	}

	var (
		money   decimal.Decimal
		credits int64
		name    = req.Name
	)
	if req.ProductID != "" {
		product, ok := s.catalog.Lookup(req.ProductID)
		if !ok {
			return nil, fmt.Errorf("%w: 商品不存在 %q", apperr.ErrInvalidArgument, req.ProductID)
		}
		money = product.Price
		credits = product.Credits
		if name == "" {
			name = product.Name
		}
	} else {
		money = req.Amount.Round(2)
		if !money.IsPositive() {
			return nil, apperr.ErrInvalidAmount
		}
		credits = money.Mul(decimal.NewFromInt(s.cfg.Business.CreditsPerYuan)).IntPart()
		if credits <= 0 {
			return nil, apperr.ErrInvalidAmount
		}
		if name == "" {
			name = fmt.Sprintf("%d 积分", credits)
		}
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata", apperr.ErrInvalidArgument)
		}
		metadata = datatypes.JSON(b)
	}

	now := time.Now()
	order := &model.PaymentOrder{
		UserID:       req.UserID,
		OutTradeNo:   idgen.GenerateOrderNo(),
		Pid:          s.cfg.Gateway.MerchantID,
		Channel:      channel,
		Name:         name,
		Money:        money,
		Credits:      credits,
		ProductID:    req.ProductID,
		ClientIP:     req.ClientIP,
		Param:        req.Param,
		Metadata:     metadata,
		SignType:     zpay.SignTypeMD5,
		Status:       model.OrderStatusPending,
		AddTime:      now,
		ExpiredAt:    now.Add(s.cfg.Business.OrderTimeout()),
		PendingGuard: 0,
	}
	order.Sign = zpay.Sign(s.gatewayParams(order), s.cfg.Gateway.MerchantKey)

	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	// (user_id, pending_guard) 唯一索引直接拦截第二笔待支付订单
	if err := apperr.FromStore(s.orderRepo.Create(ctx, nil, order)); err != nil {
		if errors.Is(err, apperr.ErrDuplicateKey) {
			return nil, apperr.ErrDuplicatePendingOrder
		}
		return nil, err
	}

	logger.Log.Info("创建支付订单",
		zap.String("out_trade_no", order.OutTradeNo),
		zap.Int64("user_id", order.UserID),
		zap.String("money", order.Money.StringFixed(2)),
		zap.Int64("credits", order.Credits),
	)
	return order, nil
}

func (s *OrderService) gatewayParams(order *model.PaymentOrder) map[string]string {
	return map[string]string{
		"pid":          order.Pid,
		"type":         order.Channel,
		"out_trade_no": order.OutTradeNo,
		"notify_url":   s.cfg.Gateway.NotifyURL,
		"name":         order.Name,
		"money":        order.Money.StringFixed(2),
		"clientip":     order.ClientIP,
		"param":        order.Param,
	}
}

// PaymentURL 拼出跳转网关收银台的地址
func (s *OrderService) PaymentURL(order *model.PaymentOrder) string {
	values := url.Values{}
	for k, v := range s.gatewayParams(order) {
		if v != "" {
			values.Set(k, v)
		}
	}
	values.Set("sign", order.Sign)
	values.Set("sign_type", order.SignType)
	return s.cfg.Gateway.SubmitURL + "?" + values.Encode()
}

// MarkSucceeded 把待支付订单置为成功并入账，返回值 applied 表示本次是否真正生效
//
// 已成功且 trade_no 相同视为重放，不再入账；其余终态一律拒绝
func (s *OrderService) MarkSucceeded(ctx context.Context, outTradeNo string, info SuccessInfo) (*model.PaymentOrder, bool, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	var (
		order   *model.PaymentOrder
		applied bool
		entry   *model.CreditTransaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.GetByOutTradeNoForUpdate(ctx, tx, outTradeNo)
		if err != nil {
			return err
		}

		switch order.Status {
		case model.OrderStatusSucceeded:
			if order.TradeNo == info.TradeNo {
				return nil
			}
			return fmt.Errorf("%w: 订单已由其他交易号 %s 支付", apperr.ErrInvalidStateTransition, order.TradeNo)
		case model.OrderStatusClosed:
			return fmt.Errorf("%w: 订单已关闭", apperr.ErrInvalidStateTransition)
		}

		endTime := info.EndTime
		if endTime.IsZero() {
			endTime = time.Now()
		}
		err = s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusSucceeded, map[string]interface{}{
			"trade_no":     info.TradeNo,
			"trade_status": info.TradeStatus,
			"buyer":        info.Buyer,
			"endtime":      endTime,
		})
		if errors.Is(err, repository.ErrOrderStatusChanged) {
			return fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		if err != nil {
			return err
		}

		sourceID := strconv.FormatInt(order.ID, 10)
		entry, err = s.ledger.AppendTx(ctx, tx, AppendRequest{
			UserID:   order.UserID,
			Amount:   order.Credits,
			Source:   model.SourcePurchase,
			SourceID: sourceID,
		})
		if err != nil {
			return err
		}

		if product, ok := s.catalog.Lookup(order.ProductID); ok && product.GrantsMembership() {
			if err := s.grantMembership(ctx, tx, order, product, sourceID); err != nil {
				return err
			}
		}

		order.Status = model.OrderStatusSucceeded
		order.TradeNo = info.TradeNo
		order.TradeStatus = info.TradeStatus
		order.Buyer = info.Buyer
		order.EndTime = &endTime
		order.PendingGuard = order.ID
		applied = true

		return s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.PaymentResult, order.OutTradeNo, model.EventPaymentSucceeded, map[string]interface{}{
			"out_trade_no":  order.OutTradeNo,
			"trade_no":      order.TradeNo,
			"user_id":       order.UserID,
			"money":         order.Money.StringFixed(2),
			"credits":       order.Credits,
			"entry_id":      entry.ID,
			"balance_after": entry.BalanceAfter,
			"paid_at":       endTime.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, false, apperr.FromStore(err)
	}

	if applied {
		logger.Log.Info("订单支付成功，积分已入账",
			zap.String("out_trade_no", order.OutTradeNo),
			zap.Int64("user_id", order.UserID),
			zap.Int64("credits", order.Credits),
			zap.Int64("balance_after", entry.BalanceAfter),
		)
	}
	return order, applied, nil
}

// grantMembership 会员开通额外记一条 0 积分的 purchase 流水留痕
func (s *OrderService) grantMembership(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder, product Product, sourceID string) error {
	if _, err := s.ledger.AppendTx(ctx, tx, AppendRequest{
		UserID:   order.UserID,
		Amount:   0,
		Source:   model.SourcePurchase,
		SourceID: sourceID,
	}); err != nil {
		return err
	}

	profile, err := s.profileRepo.GetByUserIDForUpdate(ctx, tx, order.UserID)
	if err != nil {
		return err
	}
	tier, expiresAt, changed := ApplyMembership(profile.MembershipType, profile.MembershipExpiresAt, product.MembershipTier, product.MembershipDays, time.Now())
	if !changed {
		logger.Log.Info("专业会员购买低级套餐，会员等级不变",
			zap.Int64("user_id", order.UserID),
			zap.String("product_id", product.ID),
		)
		return nil
	}
	return s.profileRepo.UpdateMembership(ctx, tx, order.UserID, tier, expiresAt)
}

// MarkClosed 待支付订单关闭，不影响积分
func (s *OrderService) MarkClosed(ctx context.Context, outTradeNo, reason string) (*model.PaymentOrder, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	var order *model.PaymentOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.GetByOutTradeNoForUpdate(ctx, tx, outTradeNo)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: 订单当前状态 %s", apperr.ErrInvalidStateTransition, order.Status)
		}

		err = s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusClosed, map[string]interface{}{
			"close_reason": reason,
		})
		if errors.Is(err, repository.ErrOrderStatusChanged) {
			return fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		if err != nil {
			return err
		}

		order.Status = model.OrderStatusClosed
		order.CloseReason = reason
		order.PendingGuard = order.ID

		return s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.PaymentResult, order.OutTradeNo, model.EventPaymentClosed, map[string]interface{}{
			"out_trade_no": order.OutTradeNo,
			"user_id":      order.UserID,
			"reason":       reason,
		})
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	logger.Log.Info("订单已关闭", zap.String("out_trade_no", outTradeNo), zap.String("reason", reason))
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, outTradeNo string) (*model.PaymentOrder, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	order, err := s.orderRepo.GetByOutTradeNo(ctx, nil, outTradeNo)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return order, nil
}

// GetUserOrder 只返回属于该用户的订单
func (s *OrderService) GetUserOrder(ctx context.Context, userID int64, outTradeNo string) (*model.PaymentOrder, error) {
	order, err := s.GetOrder(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	orders, total, err := s.orderRepo.ListByUserID(ctx, userID, status, page, pageSize)
	if err != nil {
		return nil, 0, apperr.FromStore(err)
	}
	return orders, total, nil
}

// CancelOrder 用户主动取消自己的待支付订单
func (s *OrderService) CancelOrder(ctx context.Context, userID int64, outTradeNo string) (*model.PaymentOrder, error) {
	order, err := s.GetOrder(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return s.MarkClosed(ctx, outTradeNo, "用户取消")
}

// CloseExpiredOrders 关闭超时未支付的订单，返回关闭数量
// 与支付回调并发时以先提交的一方为准，输掉的一方跳过
func (s *OrderService) CloseExpiredOrders(ctx context.Context, limit int) (int, error) {
	listCtx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	orders, err := s.orderRepo.GetExpiredPendingOrders(listCtx, time.Now(), limit)
	cancel()
	if err != nil {
		return 0, apperr.FromStore(err)
	}

	closed := 0
	for _, order := range orders {
		_, err := s.MarkClosed(ctx, order.OutTradeNo, "支付超时")
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// AdminListOrders 管理端订单列表
func (s *OrderService) AdminListOrders(ctx context.Context, filter repository.AdminOrderFilter, page, pageSize int) ([]*repository.AdminOrder, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	orders, total, err := s.orderRepo.ListAll(ctx, filter, page, pageSize)
	if err != nil {
		return nil, 0, apperr.FromStore(err)
	}
	return orders, total, nil
}

// OrderStatistics 各状态订单数，成交额只算支付成功的订单
type OrderStatistics struct {
	Total           int64           `json:"total"`
	Pending         int64           `json:"pending"`
	Succeeded       int64           `json:"succeeded"`
	Closed          int64           `json:"closed"`
	SucceededAmount decimal.Decimal `json:"succeeded_amount"`
}

func (s *OrderService) Statistics(ctx context.Context) (*OrderStatistics, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.Business.StoreTimeout())
	defer cancel()

	rows, err := s.orderRepo.CountByStatus(ctx)
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	stats := &OrderStatistics{SucceededAmount: decimal.Zero}
	for _, row := range rows {
		stats.Total += row.Total
		switch row.Status {
		case model.OrderStatusPending:
			stats.Pending = row.Total
		case model.OrderStatusSucceeded:
			stats.Succeeded = row.Total
			stats.SucceededAmount = row.Amount.Round(2)
		case model.OrderStatusClosed:
			stats.Closed = row.Total
		}
	}
	return stats, nil
}

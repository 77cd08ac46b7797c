package repository

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrOrderStatusChanged = errors.New("订单状态已被并发修改")

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByOutTradeNo(ctx context.Context, tx *gorm.DB, outTradeNo string) (*model.PaymentOrder, error) {
	if tx == nil {
		tx = r.db
	}
	var order model.PaymentOrder
	err := tx.WithContext(ctx).Where("out_trade_no = ?", outTradeNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByOutTradeNoForUpdate(ctx context.Context, tx *gorm.DB, outTradeNo string) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("out_trade_no = ?", outTradeNo).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 以 (id, fromStatus) 为条件的状态 CAS，updates 中的字段随状态一起写入
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, orderID int64, fromStatus, toStatus string, updates map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return apperr.ErrInvalidStateTransition
	}

	if tx == nil {
		tx = r.db
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus
	if model.IsTerminalStatus(toStatus) {
		updates["pending_guard"] = orderID
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Where("id = ? AND status = ?", orderID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusChanged
	}

	return nil
}

func (r *OrderRepository) GetExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]*model.PaymentOrder, error) {
	var orders []*model.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND expired_at < ?", model.OrderStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByUserID(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	var orders []*model.PaymentOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentOrder{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Session(&gorm.Session{}).Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}

func (r *OrderRepository) CountPendingByUserID(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Where("user_id = ? AND status = ?", userID, model.OrderStatusPending).
		Count(&count).Error
	return count, err
}

// PendingCount 一个用户的待支付订单数
type PendingCount struct {
	UserID int64
	Total  int64
}

// FindUsersWithMultiplePending 唯一索引失效时才会有结果
func (r *OrderRepository) FindUsersWithMultiplePending(ctx context.Context) ([]PendingCount, error) {
	var rows []PendingCount
	err := r.db.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Select("user_id, COUNT(*) AS total").
		Where("status = ?", model.OrderStatusPending).
		Group("user_id").
		Having("COUNT(*) > ?", 1).
		Scan(&rows).Error
	return rows, err
}

// AdminOrderFilter 管理端订单查询条件，UserSearch 同时模糊匹配用户名和邮箱
type AdminOrderFilter struct {
	UserID     int64
	UserSearch string
	OutTradeNo string
	TradeNo    string
	Channel    string
	Status     string
}

// AdminOrder 订单带上下单用户
type AdminOrder struct {
	model.PaymentOrder
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (r *OrderRepository) ListAll(ctx context.Context, filter AdminOrderFilter, page, pageSize int) ([]*AdminOrder, int64, error) {
	var orders []*AdminOrder
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Joins("JOIN users ON users.id = payment_orders.user_id")
	if filter.UserID > 0 {
		query = query.Where("payment_orders.user_id = ?", filter.UserID)
	}
	if filter.UserSearch != "" {
		pattern := likePattern(filter.UserSearch)
		query = query.Where("(LOWER(users.username) LIKE ? OR LOWER(users.email) LIKE ?)", pattern, pattern)
	}
	if filter.OutTradeNo != "" {
		query = query.Where("payment_orders.out_trade_no = ?", filter.OutTradeNo)
	}
	if filter.TradeNo != "" {
		query = query.Where("payment_orders.trade_no = ?", filter.TradeNo)
	}
	if filter.Channel != "" {
		query = query.Where("payment_orders.channel = ?", filter.Channel)
	}
	if filter.Status != "" {
		query = query.Where("payment_orders.status = ?", filter.Status)
	}

	err := query.Session(&gorm.Session{}).Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Select("payment_orders.*, users.username, users.email").
		Order("payment_orders.id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Scan(&orders).Error

	return orders, total, err
}

// StatusCount 某个状态的订单数和金额合计
type StatusCount struct {
	Status string
	Total  int64
	Amount decimal.Decimal
}

func (r *OrderRepository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Select("status, COUNT(*) AS total, COALESCE(SUM(money), 0) AS amount").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

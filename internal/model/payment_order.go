package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusSucceeded = "SUCCEEDED"
	OrderStatusClosed    = "CLOSED"
)

// 终态没有出边
var ValidStatusTransitions = map[string][]string{
	OrderStatusPending: {OrderStatusSucceeded, OrderStatusClosed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == OrderStatusSucceeded || status == OrderStatusClosed
}

const (
	ChannelAlipay = "alipay"
	ChannelWxpay  = "wxpay"
)

func IsValidChannel(channel string) bool {
	return channel == ChannelAlipay || channel == ChannelWxpay
}

// 网关回调的交易状态
const (
	TradeStatusSuccess = "TRADE_SUCCESS"
	TradeStatusClosed  = "TRADE_CLOSED"
)

// PaymentOrder 第三方支付订单
//
// PendingGuard 在 PENDING 时为 0，进入终态后写成订单 id，
// 配合 (user_id, pending_guard) 唯一索引保证每个用户最多一笔待支付订单
type PaymentOrder struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64           `gorm:"uniqueIndex:uk_user_pending_guard,priority:1;not null" json:"user_id"`
	OutTradeNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"out_trade_no"`
	Pid          string          `gorm:"type:varchar(32)" json:"pid"`
	Channel      string          `gorm:"type:varchar(20);not null" json:"channel"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	Money        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"money"`
	Credits      int64           `gorm:"not null" json:"credits"`
	ProductID    string          `gorm:"type:varchar(64)" json:"product_id"`
	ClientIP     string          `gorm:"column:clientip;type:varchar(64)" json:"clientip"`
	Param        string          `gorm:"type:varchar(255)" json:"param"`
	Metadata     datatypes.JSON  `json:"metadata"`
	Sign         string          `gorm:"type:varchar(64)" json:"-"`
	SignType     string          `gorm:"type:varchar(10)" json:"sign_type"`
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	TradeStatus  string          `gorm:"type:varchar(32)" json:"trade_status"`
	TradeNo      string          `gorm:"type:varchar(64);index" json:"trade_no"`
	Buyer        string          `gorm:"type:varchar(128)" json:"buyer"`
	CloseReason  string          `gorm:"type:varchar(255)" json:"close_reason"`
	AddTime      time.Time       `gorm:"column:addtime;not null" json:"addtime"`
	EndTime      *time.Time      `gorm:"column:endtime" json:"endtime"`
	ExpiredAt    time.Time       `gorm:"index;not null" json:"expired_at"`
	PendingGuard int64           `gorm:"uniqueIndex:uk_user_pending_guard,priority:2;not null;default:0" json:"-"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	User         *User           `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (PaymentOrder) TableName() string {
	return "payment_orders"
}

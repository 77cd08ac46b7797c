package model

import (
	"time"
)

// 积分来源
const (
	SourceDailyBonus         = "daily_bonus"
	SourceDrawingGeneration  = "drawing_generation"
	SourcePurchase           = "purchase"
	SourceReferralBonus      = "referral_bonus"
	SourceSystemCompensation = "system_compensation"
	SourceGenerationRefund   = "generation_refund"
	SourceAdminAdjustment    = "admin_adjustment"
	SourceCorrection         = "correction"
)

var validSources = map[string]bool{
	SourceDailyBonus:         true,
	SourceDrawingGeneration:  true,
	SourcePurchase:           true,
	SourceReferralBonus:      true,
	SourceSystemCompensation: true,
	SourceGenerationRefund:   true,
	SourceAdminAdjustment:    true,
	SourceCorrection:         true,
}

func IsValidSource(source string) bool {
	return validSources[source]
}

// SourceAllowsZero 只有购买允许 0 积分流水（会员开通的审计记录）
func SourceAllowsZero(source string) bool {
	return source == SourcePurchase
}

// CreditTransaction 积分流水表
//
// 只追加，不修改，不删除。同一用户的流水按 id 排序后满足：
// BalanceAfter[i] = BalanceAfter[i-1] + Amount[i]，最后一条等于 user_profiles.credits
type CreditTransaction struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64     `gorm:"index:idx_credit_tx_user_source,priority:1;not null" json:"user_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	BalanceAfter int64     `gorm:"not null" json:"balance_after"`
	Source       string    `gorm:"type:varchar(32);index:idx_credit_tx_user_source,priority:2;not null" json:"source"`
	SourceID     *string   `gorm:"type:varchar(64);index:idx_credit_tx_user_source,priority:3" json:"source_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	User         *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

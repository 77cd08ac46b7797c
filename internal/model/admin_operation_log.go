package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OperationRepairBalance = "repair_balance"
	OperationAdjustCredits = "adjust_credits"
)

// AdminOperationLog 人工修复和管理员调账的审计记录
type AdminOperationLog struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AdminID         int64          `gorm:"index;not null" json:"admin_id"`
	TargetUserID    int64          `gorm:"index;not null" json:"target_user_id"`
	OperationType   string         `gorm:"type:varchar(32);not null" json:"operation_type"`
	OperationDetail string         `gorm:"type:text" json:"operation_detail"`
	BeforeData      datatypes.JSON `json:"before_data"`
	AfterData       datatypes.JSON `json:"after_data"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AdminOperationLog) TableName() string {
	return "admin_operation_logs"
}

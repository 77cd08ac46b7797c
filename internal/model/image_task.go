package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TaskStatusPending    = "PENDING"
	TaskStatusProcessing = "PROCESSING"
	TaskStatusSuccess    = "SUCCESS"
	TaskStatusFailed     = "FAILED"
)

var validTaskTransitions = map[string][]string{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusSuccess, TaskStatusFailed},
}

func CanTaskTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range validTaskTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ImageGenerationTask 生图任务，扣费流水的 source_id 指向任务 id
type ImageGenerationTask struct {
	ID              string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID          int64          `gorm:"index;not null" json:"user_id"`
	Model           string         `gorm:"type:varchar(64);not null" json:"model"`
	Prompt          string         `gorm:"type:text;not null" json:"prompt"`
	Size            string         `gorm:"type:varchar(20)" json:"size"`
	Status          string         `gorm:"type:varchar(20);index;not null" json:"status"`
	CreditsUsed     int64          `gorm:"not null;default:0" json:"credits_used"`
	ImageURL        string         `gorm:"type:varchar(512)" json:"image_url"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message"`
	ReferenceImages datatypes.JSON `json:"reference_images"`
	MetaData        datatypes.JSON `json:"meta_data"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	User            *User          `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ImageGenerationTask) TableName() string {
	return "image_generation_tasks"
}

package repository

import (
	"context"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

type AdminLogRepository struct {
	db *gorm.DB
}

func NewAdminLogRepository(db *gorm.DB) *AdminLogRepository {
	return &AdminLogRepository{db: db}
}

func (r *AdminLogRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.AdminOperationLog) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *AdminLogRepository) ListByTargetUser(ctx context.Context, userID int64) ([]*model.AdminOperationLog, error) {
	var logs []*model.AdminOperationLog
	err := r.db.WithContext(ctx).
		Where("target_user_id = ?", userID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}

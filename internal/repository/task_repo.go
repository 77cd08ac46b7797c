package repository

import (
	"context"
	"errors"

	"creditledger/internal/apperr"
	"creditledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTaskStatusChanged = errors.New("任务状态已被并发修改")

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, tx *gorm.DB, task *model.ImageGenerationTask) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(task).Error
}

func (r *TaskRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.ImageGenerationTask, error) {
	if tx == nil {
		tx = r.db
	}
	var task model.ImageGenerationTask
	err := tx.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.ImageGenerationTask, error) {
	var task model.ImageGenerationTask
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id, fromStatus, toStatus string, updates map[string]interface{}) error {
	if !model.CanTaskTransitionTo(fromStatus, toStatus) {
		return apperr.ErrInvalidStateTransition
	}
	if tx == nil {
		tx = r.db
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus

	result := tx.WithContext(ctx).
		Model(&model.ImageGenerationTask{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskStatusChanged
	}
	return nil
}

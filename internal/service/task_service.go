package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubmitTaskRequest struct {
	UserID          int64
	Model           string
	Prompt          string
	Size            string
	Cost            int64
	ReferenceImages []string
	MetaData        map[string]interface{}
}

// TaskService 生图任务的扣费与失败退款，生图本身由外部执行器完成
type TaskService struct {
	db           *gorm.DB
	taskRepo     *repository.TaskRepository
	ledger       *LedgerService
	storeTimeout time.Duration
}

func NewTaskService(db *gorm.DB, cfg *config.Config, ledger *LedgerService) *TaskService {
	return &TaskService{
		db:           db,
		taskRepo:     repository.NewTaskRepository(db),
		ledger:       ledger,
		storeTimeout: cfg.Business.StoreTimeout(),
	}
}

// Submit 先扣积分再把任务置为处理中，余额不足时任务不落库
func (s *TaskService) Submit(ctx context.Context, req *SubmitTaskRequest) (*model.ImageGenerationTask, error) {
	if req.Cost <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if req.Model == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: model 和 prompt 不能为空", apperr.ErrInvalidArgument)
	}

	task := &model.ImageGenerationTask{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Model:       req.Model,
		Prompt:      req.Prompt,
		Size:        req.Size,
		Status:      model.TaskStatusPending,
		CreditsUsed: req.Cost,
	}
	if len(req.ReferenceImages) > 0 {
		b, err := json.Marshal(req.ReferenceImages)
		if err != nil {
			return nil, fmt.Errorf("%w: reference_images", apperr.ErrInvalidArgument)
		}
		task.ReferenceImages = datatypes.JSON(b)
	}
	if len(req.MetaData) > 0 {
		b, err := json.Marshal(req.MetaData)
		if err != nil {
			return nil, fmt.Errorf("%w: meta_data", apperr.ErrInvalidArgument)
		}
		task.MetaData = datatypes.JSON(b)
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.taskRepo.Create(ctx, tx, task); err != nil {
			return err
		}
		if _, err := s.ledger.AppendTx(ctx, tx, AppendRequest{
			UserID:   req.UserID,
			Amount:   -req.Cost,
			Source:   model.SourceDrawingGeneration,
			SourceID: task.ID,
		}); err != nil {
			return err
		}
		if err := s.taskRepo.UpdateStatus(ctx, tx, task.ID, model.TaskStatusPending, model.TaskStatusProcessing, nil); err != nil {
			return err
		}
		task.Status = model.TaskStatusProcessing
		return nil
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	logger.Log.Info("生图任务已扣费",
		zap.String("task_id", task.ID),
		zap.Int64("user_id", task.UserID),
		zap.Int64("cost", task.CreditsUsed),
	)
	return task, nil
}

// Fail 任务失败并退回积分，重复调用不会重复退款
func (s *TaskService) Fail(ctx context.Context, taskID, message string) (*model.ImageGenerationTask, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	var (
		task     *model.ImageGenerationTask
		refunded bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = s.taskRepo.GetByIDForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == model.TaskStatusFailed {
			return nil
		}

		err = s.taskRepo.UpdateStatus(ctx, tx, task.ID, task.Status, model.TaskStatusFailed, map[string]interface{}{
			"error_message": message,
		})
		if errors.Is(err, repository.ErrTaskStatusChanged) {
			return fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		if err != nil {
			return err
		}

		if task.CreditsUsed > 0 {
			if _, err := s.ledger.AppendTx(ctx, tx, AppendRequest{
				UserID:   task.UserID,
				Amount:   task.CreditsUsed,
				Source:   model.SourceGenerationRefund,
				SourceID: task.ID,
			}); err != nil {
				return err
			}
		}
		task.Status = model.TaskStatusFailed
		task.ErrorMessage = message
		refunded = true
		return nil
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	if refunded {
		logger.Log.Info("生图任务失败，积分已退回",
			zap.String("task_id", task.ID),
			zap.Int64("user_id", task.UserID),
			zap.Int64("refund", task.CreditsUsed),
		)
	}
	return task, nil
}

func (s *TaskService) Succeed(ctx context.Context, taskID, imageURL string) (*model.ImageGenerationTask, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	task, err := s.taskRepo.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if task.Status == model.TaskStatusSuccess {
		return task, nil
	}

	err = s.taskRepo.UpdateStatus(ctx, nil, task.ID, model.TaskStatusProcessing, model.TaskStatusSuccess, map[string]interface{}{
		"image_url": imageURL,
	})
	if errors.Is(err, repository.ErrTaskStatusChanged) {
		return nil, apperr.ErrInvalidStateTransition
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	task.Status = model.TaskStatusSuccess
	task.ImageURL = imageURL
	return task, nil
}

func (s *TaskService) GetTask(ctx context.Context, userID int64, taskID string) (*model.ImageGenerationTask, error) {
	task, err := s.taskRepo.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if task.UserID != userID {
		return nil, apperr.ErrTaskNotFound
	}
	return task, nil
}

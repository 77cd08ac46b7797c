package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppendRequest 一笔积分变动，Amount 为正入账、为负扣减
type AppendRequest struct {
	UserID   int64
	Amount   int64
	Source   string
	SourceID string
}

// LedgerService 积分流水的唯一写入口
//
// 每次记账在一个事务里完成：锁住用户档案行，校验余额非负，
// 以旧余额为条件 CAS 更新投影，再追加一条带 balance_after 的流水
type LedgerService struct {
	db           *gorm.DB
	profileRepo  *repository.ProfileRepository
	entryRepo    *repository.CreditTransactionRepository
	storeTimeout time.Duration
	dailyBonus   int64
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:           db,
		profileRepo:  repository.NewProfileRepository(db),
		entryRepo:    repository.NewCreditTransactionRepository(db),
		storeTimeout: cfg.Business.StoreTimeout(),
		dailyBonus:   cfg.Business.DailyBonusCredits,
	}
}

func withStoreTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func validateAppend(req AppendRequest) error {
	if !model.IsValidSource(req.Source) {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidSource, req.Source)
	}
	if req.Amount == 0 && !model.SourceAllowsZero(req.Source) {
		return apperr.ErrInvalidAmount
	}
	return nil
}

// Append 单独开事务记一笔账
func (s *LedgerService) Append(ctx context.Context, req AppendRequest) (*model.CreditTransaction, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	var entry *model.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.AppendTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	logger.Log.Info("积分记账成功",
		zap.Int64("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("source", req.Source),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

// AppendTx 在调用方的事务里记账，失败时调用方负责回滚
func (s *LedgerService) AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*model.CreditTransaction, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}
	profile, err := s.lockProfile(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	return s.appendLocked(ctx, tx, profile, req)
}

func (s *LedgerService) lockProfile(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserProfile, error) {
	if err := s.profileRepo.EnsureExists(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("初始化用户档案失败: %w", err)
	}
	return s.profileRepo.GetByUserIDForUpdate(ctx, tx, userID)
}

func (s *LedgerService) appendLocked(ctx context.Context, tx *gorm.DB, profile *model.UserProfile, req AppendRequest) (*model.CreditTransaction, error) {
	next := profile.Credits + req.Amount
	if next < 0 {
		return nil, apperr.ErrInsufficientBalance
	}

	if req.Amount != 0 {
		err := s.profileRepo.CompareAndSetCredits(ctx, tx, req.UserID, profile.Credits, next)
		if errors.Is(err, repository.ErrCreditsChanged) {
			return nil, fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		if err != nil {
			return nil, err
		}
	}

	entry := &model.CreditTransaction{
		UserID:       req.UserID,
		Amount:       req.Amount,
		BalanceAfter: next,
		Source:       req.Source,
	}
	if req.SourceID != "" {
		sourceID := req.SourceID
		entry.SourceID = &sourceID
	}
	if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("写入积分流水失败: %w", err)
	}

	profile.Credits = next
	return entry, nil
}

// Balance 读取投影余额
func (s *LedgerService) Balance(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	profile, err := s.profileRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return 0, apperr.FromStore(err)
	}
	return profile.Credits, nil
}

func (s *LedgerService) ListEntries(ctx context.Context, userID int64, filter repository.EntryFilter, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	entries, total, err := s.entryRepo.ListByUserID(ctx, userID, filter, page, pageSize)
	if err != nil {
		return nil, 0, apperr.FromStore(err)
	}
	return entries, total, nil
}

// ClaimDailyBonus 每个自然日只能领一次，source_id 记录日期
func (s *LedgerService) ClaimDailyBonus(ctx context.Context, userID int64, day time.Time) (*model.CreditTransaction, error) {
	if s.dailyBonus <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	dayKey := day.Format("2006-01-02")

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	var entry *model.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := s.lockProfile(ctx, tx, userID)
		if err != nil {
			return err
		}
		claimed, err := s.entryRepo.ExistsBySource(ctx, tx, userID, model.SourceDailyBonus, dayKey)
		if err != nil {
			return err
		}
		if claimed {
			return apperr.ErrAlreadyClaimed
		}
		entry, err = s.appendLocked(ctx, tx, profile, AppendRequest{
			UserID:   userID,
			Amount:   s.dailyBonus,
			Source:   model.SourceDailyBonus,
			SourceID: dayKey,
		})
		return err
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	logger.Log.Info("每日奖励领取成功", zap.Int64("user_id", userID), zap.String("day", dayKey))
	return entry, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

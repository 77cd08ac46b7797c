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

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const walkBatchSize = 500

// Projection 投影余额与流水重算结果的对比
type Projection struct {
	UserID     int64 `json:"user_id"`
	Stored     int64 `json:"stored"`
	Computed   int64 `json:"computed"`
	Drift      int64 `json:"drift"`
	EntryCount int64 `json:"entry_count"`
	// ChainBreakAt 第一条 balance_after 与累加值不符的流水 id，0 表示链完整
	ChainBreakAt int64 `json:"chain_break_at"`
	// LastBalanceAfter 最后一条流水记录的余额，没有流水时为 0
	LastBalanceAfter int64 `json:"last_balance_after"`
}

func (p *Projection) Consistent() bool {
	return p.Drift == 0 && p.ChainBreakAt == 0 && p.LastBalanceAfter == p.Stored
}

// BalanceProjector 从流水重算余额，只读，修复必须显式调用 Repair
type BalanceProjector struct {
	db           *gorm.DB
	profileRepo  *repository.ProfileRepository
	entryRepo    *repository.CreditTransactionRepository
	adminLogRepo *repository.AdminLogRepository
	storeTimeout time.Duration
}

func NewBalanceProjector(db *gorm.DB, cfg *config.Config) *BalanceProjector {
	return &BalanceProjector{
		db:           db,
		profileRepo:  repository.NewProfileRepository(db),
		entryRepo:    repository.NewCreditTransactionRepository(db),
		adminLogRepo: repository.NewAdminLogRepository(db),
		storeTimeout: cfg.Business.StoreTimeout(),
	}
}

func (p *BalanceProjector) RecomputeBalance(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := withStoreTimeout(ctx, p.storeTimeout)
	defer cancel()

	sum, err := p.entryRepo.SumByUserID(ctx, nil, userID)
	if err != nil {
		return 0, apperr.FromStore(err)
	}
	return sum, nil
}

// Verify 逐条校验流水链并与档案中的余额比较，不做任何修改
//
// 档案行加共享锁后再遍历流水，记账事务要先拿档案行的排他锁，
// 所以两次读取看到的是同一时刻的账
func (p *BalanceProjector) Verify(ctx context.Context, userID int64) (*Projection, error) {
	ctx, cancel := withStoreTimeout(ctx, p.storeTimeout)
	defer cancel()

	proj := &Projection{UserID: userID}
	var running int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := p.profileRepo.GetByUserIDForShare(ctx, tx, userID)
		if err != nil {
			return err
		}
		proj.Stored = profile.Credits

		return p.entryRepo.Walk(ctx, tx, userID, walkBatchSize, func(entries []*model.CreditTransaction) error {
			for _, e := range entries {
				running += e.Amount
				proj.EntryCount++
				if proj.ChainBreakAt == 0 && e.BalanceAfter != running {
					proj.ChainBreakAt = e.ID
				}
				proj.LastBalanceAfter = e.BalanceAfter
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	proj.Computed = running
	proj.Drift = proj.Stored - proj.Computed
	return proj, nil
}

// Repair 把投影余额重置为流水合计，同时写管理员操作日志
// 流水本身不动
func (p *BalanceProjector) Repair(ctx context.Context, userID, adminID int64, reason string) (*Projection, error) {
	ctx, cancel := withStoreTimeout(ctx, p.storeTimeout)
	defer cancel()

	result := &Projection{UserID: userID}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := p.profileRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		sum, err := p.entryRepo.SumByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.Stored = profile.Credits
		result.Computed = sum
		result.Drift = profile.Credits - sum

		if sum < 0 {
			return fmt.Errorf("%w: 流水合计为负 %d", apperr.ErrInsufficientBalance, sum)
		}
		if result.Drift == 0 {
			return nil
		}

		err = p.profileRepo.CompareAndSetCredits(ctx, tx, userID, profile.Credits, sum)
		if errors.Is(err, repository.ErrCreditsChanged) {
			return fmt.Errorf("%w: %v", apperr.ErrTransientStore, err)
		}
		if err != nil {
			return err
		}

		return p.adminLogRepo.Create(ctx, tx, &model.AdminOperationLog{
			AdminID:         adminID,
			TargetUserID:    userID,
			OperationType:   model.OperationRepairBalance,
			OperationDetail: reason,
			BeforeData:      creditsJSON(profile.Credits),
			AfterData:       creditsJSON(sum),
		})
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	if result.Drift != 0 {
		logger.Log.Warn("余额投影已人工修复",
			zap.Int64("user_id", userID),
			zap.Int64("admin_id", adminID),
			zap.Int64("before", result.Stored),
			zap.Int64("after", result.Computed),
			zap.String("reason", reason),
		)
	}
	return result, nil
}

func creditsJSON(credits int64) datatypes.JSON {
	b, _ := json.Marshal(map[string]int64{"credits": credits})
	return datatypes.JSON(b)
}

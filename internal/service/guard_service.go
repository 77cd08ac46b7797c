package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 违规类型
const (
	ViolationNegativeBalance = "negative_balance"
	ViolationBalanceDrift    = "balance_drift"
	ViolationChainBreak      = "chain_break"
	ViolationMultiplePending = "multiple_pending"
)

type Violation struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type AuditReport struct {
	CheckedUsers int         `json:"checked_users"`
	Violations   []Violation `json:"violations"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// GuardService 一致性巡检，只报告不自动修正
type GuardService struct {
	db           *gorm.DB
	projector    *BalanceProjector
	ledger       *LedgerService
	profileRepo  *repository.ProfileRepository
	entryRepo    *repository.CreditTransactionRepository
	orderRepo    *repository.OrderRepository
	adminLogRepo *repository.AdminLogRepository
	storeTimeout time.Duration
}

func NewGuardService(db *gorm.DB, cfg *config.Config, projector *BalanceProjector, ledger *LedgerService) *GuardService {
	return &GuardService{
		db:           db,
		projector:    projector,
		ledger:       ledger,
		profileRepo:  repository.NewProfileRepository(db),
		entryRepo:    repository.NewCreditTransactionRepository(db),
		orderRepo:    repository.NewOrderRepository(db),
		adminLogRepo: repository.NewAdminLogRepository(db),
		storeTimeout: cfg.Business.StoreTimeout(),
	}
}

// CheckUser 检查单个用户的余额、流水链和待支付订单数
func (g *GuardService) CheckUser(ctx context.Context, userID int64) ([]Violation, error) {
	violations, err := g.checkBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending, err := g.orderRepo.CountPendingByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if pending > 1 {
		violations = append(violations, Violation{
			UserID: userID,
			Kind:   ViolationMultiplePending,
			Detail: fmt.Sprintf("待支付订单 %d 笔", pending),
		})
	}
	return violations, nil
}

func (g *GuardService) checkBalance(ctx context.Context, userID int64) ([]Violation, error) {
	proj, err := g.projector.Verify(ctx, userID)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	if proj.Stored < 0 {
		violations = append(violations, Violation{UserID: userID, Kind: ViolationNegativeBalance, Detail: fmt.Sprintf("余额 %d", proj.Stored)})
	}
	if proj.Drift != 0 {
		violations = append(violations, Violation{
			UserID: userID,
			Kind:   ViolationBalanceDrift,
			Detail: fmt.Sprintf("档案余额 %d，流水合计 %d", proj.Stored, proj.Computed),
		})
	}
	if proj.ChainBreakAt != 0 {
		violations = append(violations, Violation{
			UserID: userID,
			Kind:   ViolationChainBreak,
			Detail: fmt.Sprintf("流水 %d 的 balance_after 与累计值不符", proj.ChainBreakAt),
		})
	}
	return violations, nil
}

// Audit 分批巡检全部用户，发现问题记 warn 日志等待人工对账
func (g *GuardService) Audit(ctx context.Context, batchSize int) (*AuditReport, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	report := &AuditReport{StartedAt: time.Now()}

	var cursor int64
	for {
		listCtx, cancel := withStoreTimeout(ctx, g.storeTimeout)
		profiles, err := g.profileRepo.ListAfter(listCtx, cursor, batchSize)
		cancel()
		if err != nil {
			return nil, apperr.FromStore(err)
		}
		if len(profiles) == 0 {
			break
		}

		for _, p := range profiles {
			violations, err := g.checkBalance(ctx, p.UserID)
			if err != nil {
				return nil, err
			}
			report.CheckedUsers++
			report.Violations = append(report.Violations, violations...)
			cursor = p.UserID
		}

		if len(profiles) < batchSize {
			break
		}
	}

	groupCtx, cancel := withStoreTimeout(ctx, g.storeTimeout)
	multi, err := g.orderRepo.FindUsersWithMultiplePending(groupCtx)
	cancel()
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	for _, m := range multi {
		report.Violations = append(report.Violations, Violation{
			UserID: m.UserID,
			Kind:   ViolationMultiplePending,
			Detail: fmt.Sprintf("待支付订单 %d 笔", m.Total),
		})
	}

	report.FinishedAt = time.Now()
	for _, v := range report.Violations {
		logger.Log.Warn("一致性巡检发现问题，需人工对账",
			zap.Int64("user_id", v.UserID),
			zap.String("kind", v.Kind),
			zap.String("detail", v.Detail),
		)
	}
	return report, nil
}

// RepairBalance 人工确认后把投影余额修正为流水合计
func (g *GuardService) RepairBalance(ctx context.Context, userID, adminID int64, reason string) (*Projection, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: 必须填写修复原因", apperr.ErrInvalidArgument)
	}
	return g.projector.Repair(ctx, userID, adminID, reason)
}

// AdjustCredits 管理员调账，走正常记账流程并留操作日志
func (g *GuardService) AdjustCredits(ctx context.Context, adminID, userID, amount int64, reason string) (*model.CreditTransaction, error) {
	if amount == 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: 必须填写调账原因", apperr.ErrInvalidArgument)
	}

	ctx, cancel := withStoreTimeout(ctx, g.storeTimeout)
	defer cancel()

	var entry *model.CreditTransaction
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = g.ledger.AppendTx(ctx, tx, AppendRequest{
			UserID:   userID,
			Amount:   amount,
			Source:   model.SourceAdminAdjustment,
			SourceID: strconv.FormatInt(adminID, 10),
		})
		if err != nil {
			return err
		}

		detail, _ := json.Marshal(map[string]interface{}{"amount": amount, "reason": reason})
		return g.adminLogRepo.Create(ctx, tx, &model.AdminOperationLog{
			AdminID:         adminID,
			TargetUserID:    userID,
			OperationType:   model.OperationAdjustCredits,
			OperationDetail: string(detail),
			BeforeData:      creditsJSON(entry.BalanceAfter - amount),
			AfterData:       creditsJSON(entry.BalanceAfter),
		})
	})
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	logger.Log.Info("管理员调账",
		zap.Int64("admin_id", adminID),
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

// OperationLogs 某用户的人工操作记录
func (g *GuardService) OperationLogs(ctx context.Context, userID int64) ([]*model.AdminOperationLog, error) {
	ctx, cancel := withStoreTimeout(ctx, g.storeTimeout)
	defer cancel()

	logs, err := g.adminLogRepo.ListByTargetUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return logs, nil
}

// SearchEntries 跨用户查询流水，供人工对账
func (g *GuardService) SearchEntries(ctx context.Context, filter repository.AdminEntryFilter, page, pageSize int) ([]*repository.AdminEntry, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	ctx, cancel := withStoreTimeout(ctx, g.storeTimeout)
	defer cancel()

	entries, total, err := g.entryRepo.ListAll(ctx, filter, page, pageSize)
	if err != nil {
		return nil, 0, apperr.FromStore(err)
	}
	return entries, total, nil
}

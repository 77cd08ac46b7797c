package repository

import (
	"context"
	"strings"
	"time"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

// EntryFilter 流水查询条件，零值表示不过滤
type EntryFilter struct {
	Source    string
	MinAmount *int64
	MaxAmount *int64
	StartTime *time.Time
	EndTime   *time.Time
}

func (f EntryFilter) apply(query *gorm.DB, table string) *gorm.DB {
	if f.Source != "" {
		query = query.Where(table+".source = ?", f.Source)
	}
	if f.MinAmount != nil {
		query = query.Where(table+".amount >= ?", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		query = query.Where(table+".amount <= ?", *f.MaxAmount)
	}
	if f.StartTime != nil {
		query = query.Where(table+".created_at >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		query = query.Where(table+".created_at < ?", *f.EndTime)
	}
	return query
}

// AdminEntryFilter 管理端跨用户查流水，用户名和邮箱模糊匹配
type AdminEntryFilter struct {
	EntryFilter
	UserID   int64
	Username string
	Email    string
}

// AdminEntry 流水带上所属用户
type AdminEntry struct {
	model.CreditTransaction
	Username string `json:"username"`
	Email    string `json:"email"`
}

func likePattern(s string) string {
	return "%" + strings.ToLower(s) + "%"
}

type CreditTransactionRepository struct {
	db *gorm.DB
}

func NewCreditTransactionRepository(db *gorm.DB) *CreditTransactionRepository {
	return &CreditTransactionRepository{db: db}
}

func (r *CreditTransactionRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *CreditTransactionRepository) SumByUserID(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *CreditTransactionRepository) ExistsBySource(ctx context.Context, tx *gorm.DB, userID int64, source, sourceID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("user_id = ? AND source = ? AND source_id = ?", userID, source, sourceID).
		Count(&count).Error
	return count > 0, err
}

// Walk 按 id 升序分批遍历用户全部流水
func (r *CreditTransactionRepository) Walk(ctx context.Context, tx *gorm.DB, userID int64, batchSize int, fn func(entries []*model.CreditTransaction) error) error {
	if tx == nil {
		tx = r.db
	}
	var batch []*model.CreditTransaction
	return tx.WithContext(ctx).
		Where("user_id = ?", userID).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}

func (r *CreditTransactionRepository) ListByUserID(ctx context.Context, userID int64, filter EntryFilter, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var entries []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)
	query = filter.apply(query, "credit_transactions")

	err := query.Session(&gorm.Session{}).Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// ListAll 管理端流水查询，按 id 倒序
func (r *CreditTransactionRepository) ListAll(ctx context.Context, filter AdminEntryFilter, page, pageSize int) ([]*AdminEntry, int64, error) {
	var entries []*AdminEntry
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Joins("JOIN users ON users.id = credit_transactions.user_id")
	if filter.UserID > 0 {
		query = query.Where("credit_transactions.user_id = ?", filter.UserID)
	}
	if filter.Username != "" {
		query = query.Where("LOWER(users.username) LIKE ?", likePattern(filter.Username))
	}
	if filter.Email != "" {
		query = query.Where("LOWER(users.email) LIKE ?", likePattern(filter.Email))
	}
	query = filter.EntryFilter.apply(query, "credit_transactions")

	err := query.Session(&gorm.Session{}).Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Select("credit_transactions.*, users.username, users.email").
		Order("credit_transactions.id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Scan(&entries).Error

	return entries, total, err
}

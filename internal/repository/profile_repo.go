package repository

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCreditsChanged = errors.New("积分已被并发修改")

type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Create(ctx context.Context, tx *gorm.DB, profile *model.UserProfile) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(profile).Error
}

// EnsureExists 没有档案时按默认值建一条，已存在则什么都不做
func (r *ProfileRepository) EnsureExists(ctx context.Context, tx *gorm.DB, userID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(model.NewUserProfile(userID)).Error
}

func (r *ProfileRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserProfile, error) {
	if tx == nil {
		tx = r.db
	}
	var profile model.UserProfile
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// GetByUserIDForUpdate 行锁，必须在事务内调用
func (r *ProfileRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// GetByUserIDForShare 共享锁，持有期间其他事务无法改余额，必须在事务内调用
func (r *ProfileRepository) GetByUserIDForShare(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("user_id = ?", userID).
		First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// CompareAndSetCredits 仅当积分仍为 prev 时写入 next
func (r *ProfileRepository) CompareAndSetCredits(ctx context.Context, tx *gorm.DB, userID, prev, next int64) error {
	result := tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ? AND credits = ?", userID, prev).
		Update("credits", next)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCreditsChanged
	}
	return nil
}

func (r *ProfileRepository) UpdateMembership(ctx context.Context, tx *gorm.DB, userID int64, tier int, expiresAt *time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"membership_type":       tier,
			"membership_expires_at": expiresAt,
		}).Error
}

// ListAfter 按 user_id 游标分页，用于全量巡检
func (r *ProfileRepository) ListAfter(ctx context.Context, afterUserID int64, limit int) ([]*model.UserProfile, error) {
	var profiles []*model.UserProfile
	err := r.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&profiles).Error
	return profiles, err
}

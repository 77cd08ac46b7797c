package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"creditledger/internal/apperr"
	"creditledger/internal/config"
	"creditledger/internal/logger"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

type UserService struct {
	db           *gorm.DB
	userRepo     *repository.UserRepository
	profileRepo  *repository.ProfileRepository
	storeTimeout time.Duration
}

func NewUserService(db *gorm.DB, cfg *config.Config) *UserService {
	return &UserService{
		db:           db,
		userRepo:     repository.NewUserRepository(db),
		profileRepo:  repository.NewProfileRepository(db),
		storeTimeout: cfg.Business.StoreTimeout(),
	}
}

// Register 建用户的同时建积分档案，免费次数取默认值
func (s *UserService) Register(ctx context.Context, req *RegisterRequest) (*model.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || len(req.Password) < 6 {
		return nil, fmt.Errorf("%w: 用户名不能为空，密码至少 6 位", apperr.ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, fmt.Errorf("%w: 邮箱格式错误", apperr.ErrInvalidArgument)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		Status:       model.UserStatusActive,
		Role:         model.RoleUser,
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.userRepo.Create(ctx, tx, user); err != nil {
			return err
		}
		return s.profileRepo.Create(ctx, tx, model.NewUserProfile(user.ID))
	})
	if err = apperr.FromStore(err); err != nil {
		if errors.Is(err, apperr.ErrDuplicateKey) {
			return nil, apperr.ErrUserExists
		}
		return nil, err
	}

	logger.Log.Info("用户注册成功", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	return user, apperr.FromStore(err)
}

func (s *UserService) GetProfile(ctx context.Context, userID int64) (*model.UserProfile, error) {
	profile, err := s.profileRepo.GetByUserID(ctx, nil, userID)
	return profile, apperr.FromStore(err)
}

// CheckPassword 供上游认证层校验口令
func (s *UserService) CheckPassword(user *model.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

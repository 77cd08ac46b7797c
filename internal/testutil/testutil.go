// Package testutil 为各包测试提供内存数据库和测试配置
package testutil

import (
	"fmt"
	"testing"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const MerchantKey = "test-merchant-key"

// NewDB 打开全新的内存 sqlite，表结构与生产一致。
// 只保留一个连接：所有 goroutine 共享同一个库，事务串行执行
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func Config() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				PaymentResult: "payment-result",
				ReviewRequest: "review-request",
			},
		},
		Business: config.BusinessConfig{
			OrderTimeoutMinutes:  30,
			MaxRetryCount:        3,
			StoreTimeoutMs:       5000,
			NotifyLookupAttempts: 3,
			NotifyLookupDelayMs:  100,
			CallerRetryAttempts:  3,
			AuditBatchSize:       2,
			CreditsPerYuan:       10,
			DailyBonusCredits:    20,
		},
		Gateway: config.GatewayConfig{
			MerchantID:  "1001",
			MerchantKey: MerchantKey,
			NotifyURL:   "https://example.com/api/v1/payment/notify",
			SubmitURL:   "https://pay.example.com/submit.php",
			SignType:    "MD5",
		},
		Products: []config.ProductConfig{
			{ID: "credits_150", Name: "150 积分", Price: decimal.RequireFromString("2.90"), Credits: 150},
			{ID: "credits_1200", Name: "1200 积分", Price: decimal.RequireFromString("18.90"), Credits: 1200, MembershipTier: model.MembershipAdvanced, MembershipDays: 30},
			{ID: "credits_16000", Name: "16000 积分", Price: decimal.RequireFromString("188.00"), Credits: 16000, MembershipTier: model.MembershipProfessional, MembershipDays: 90},
		},
	}
}

// SeedUser 插入用户及积分为 0 的 profile
func SeedUser(t *testing.T, db *gorm.DB, id int64) {
	t.Helper()
	user := &model.User{
		ID:           id,
		Username:     fmt.Sprintf("user%d", id),
		Email:        fmt.Sprintf("user%d@example.com", id),
		PasswordHash: "x",
		Status:       model.UserStatusActive,
		Role:         model.RoleUser,
	}
	require.NoError(t, db.Create(user).Error)
	require.NoError(t, db.Create(model.NewUserProfile(id)).Error)
}

// SeedAdmin 插入 ADMIN 角色用户
func SeedAdmin(t *testing.T, db *gorm.DB, id int64) {
	t.Helper()
	SeedUser(t, db, id)
	require.NoError(t, db.Model(&model.User{}).Where("id = ?", id).Update("role", model.RoleAdmin).Error)
}

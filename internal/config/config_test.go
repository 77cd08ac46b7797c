package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mysql:
  host: db.internal
  port: 3306
  database: credit_ledger
kafka:
  brokers: ["k1:9092", "k2:9092"]
business:
  store_timeout_ms: 1500
gateway:
  merchant_id: "1001"
  merchant_key: secret
products:
  - id: credits_150
    name: 150 积分
    price: "2.90"
    credits: 150
  - id: credits_16000
    name: 16000 积分
    price: "188.00"
    credits: 16000
    membership_tier: 2
    membership_days: 90
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.MySQL.Host)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1500*time.Millisecond, cfg.Business.StoreTimeout())

	// 未配置的项取默认值
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Business.OrderTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Business.AuditInterval())
	assert.Equal(t, int64(10), cfg.Business.CreditsPerYuan)
	assert.Equal(t, "credit-ledger.payment-result", cfg.Kafka.Topic.PaymentResult)
	assert.False(t, cfg.Redis.Enabled)

	require.Len(t, cfg.Products, 2)
	assert.Equal(t, "2.90", cfg.Products[0].Price.StringFixed(2))
	assert.Equal(t, 2, cfg.Products[1].MembershipTier)
	assert.Equal(t, 90, cfg.Products[1].MembershipDays)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CREDITLEDGER_MYSQL_HOST", "override.internal")
	t.Setenv("CREDITLEDGER_GATEWAY_MERCHANT_KEY", "from-env")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "override.internal", cfg.MySQL.Host)
	assert.Equal(t, "from-env", cfg.Gateway.MerchantKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
products:
  - id: broken
    price: "abc"
    credits: 1
`))
	assert.ErrorContains(t, err, "broken")
}

package config

import (
	"fmt"
	"strings"
	"time"

	"creditledger/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Log      LogConfig       `mapstructure:"log"`
	MySQL    MySQLConfig     `mapstructure:"mysql"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Business BusinessConfig  `mapstructure:"business"`
	Gateway  GatewayConfig   `mapstructure:"gateway"`
	Products []ProductConfig `mapstructure:"products"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Env string `mapstructure:"env"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
	ReviewRequest string `mapstructure:"review_request"`
}

type BusinessConfig struct {
	OrderTimeoutMinutes  int   `mapstructure:"order_timeout_minutes"`
	MaxRetryCount        int   `mapstructure:"max_retry_count"`
	StoreTimeoutMs       int   `mapstructure:"store_timeout_ms"`
	NotifyLookupAttempts int   `mapstructure:"notify_lookup_attempts"`
	NotifyLookupDelayMs  int   `mapstructure:"notify_lookup_delay_ms"`
	CallerRetryAttempts  int   `mapstructure:"caller_retry_attempts"`
	AuditIntervalSeconds int   `mapstructure:"audit_interval_seconds"`
	AuditBatchSize       int   `mapstructure:"audit_batch_size"`
	CreditsPerYuan       int64 `mapstructure:"credits_per_yuan"`
	DailyBonusCredits    int64 `mapstructure:"daily_bonus_credits"`
}

// StoreTimeout 单次存储操作的超时时间
func (b BusinessConfig) StoreTimeout() time.Duration {
	return time.Duration(b.StoreTimeoutMs) * time.Millisecond
}

func (b BusinessConfig) NotifyLookupDelay() time.Duration {
	return time.Duration(b.NotifyLookupDelayMs) * time.Millisecond
}

func (b BusinessConfig) AuditInterval() time.Duration {
	return time.Duration(b.AuditIntervalSeconds) * time.Second
}

func (b BusinessConfig) OrderTimeout() time.Duration {
	return time.Duration(b.OrderTimeoutMinutes) * time.Minute
}

type GatewayConfig struct {
	MerchantID  string `mapstructure:"merchant_id"`
	MerchantKey string `mapstructure:"merchant_key"`
	NotifyURL   string `mapstructure:"notify_url"`
	SubmitURL   string `mapstructure:"submit_url"`
	SignType    string `mapstructure:"sign_type"`
}

// ProductConfig 商品配置，价格单位为元
type ProductConfig struct {
	ID             string          `mapstructure:"id"`
	Name           string          `mapstructure:"name"`
	Price          decimal.Decimal `mapstructure:"-"`
	PriceText      string          `mapstructure:"price"`
	Credits        int64           `mapstructure:"credits"`
	MembershipTier int             `mapstructure:"membership_tier"`
	MembershipDays int             `mapstructure:"membership_days"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.env", "production")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.payment_result", "credit-ledger.payment-result")
	v.SetDefault("kafka.topic.review_request", "credit-ledger.review-request")
	v.SetDefault("business.order_timeout_minutes", 30)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.store_timeout_ms", 3000)
	v.SetDefault("business.notify_lookup_attempts", 4)
	v.SetDefault("business.notify_lookup_delay_ms", 200)
	v.SetDefault("business.caller_retry_attempts", 3)
	v.SetDefault("business.audit_interval_seconds", 600)
	v.SetDefault("business.audit_batch_size", 200)
	v.SetDefault("business.credits_per_yuan", 10)
	v.SetDefault("business.daily_bonus_credits", 20)
	v.SetDefault("gateway.sign_type", "MD5")
}

// Load 读取配置文件，环境变量 CREDITLEDGER_* 优先于文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("creditledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Products {
		p := &cfg.Products[i]
		price, err := decimal.NewFromString(p.PriceText)
		if err != nil {
			return nil, fmt.Errorf("product %s: invalid price %q: %w", p.ID, p.PriceText, err)
		}
		p.Price = price
	}

	return cfg, nil
}

// LoadConfig 加载配置文件，失败时直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		logger.Log.Fatal("load config failed", zap.String("path", configPath), zap.Error(err))
	}
	GlobalConfig = cfg
	return cfg
}

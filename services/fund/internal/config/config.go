package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/PariazaInteligent/fundcore/libs/config"
	"github.com/PariazaInteligent/fundcore/libs/kafka"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	AutoMigrate bool
}

// DSN is the pgx connection string.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	RiskKey  string
}

type KafkaTopics struct {
	TradeResults string
	TradeSettled string
	Audit        string
	DeadLetter   string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	MaxAttempts   int
	RetryTTL      time.Duration
	Topics        KafkaTopics
}

type LimitsConfig struct {
	MaxStakePct       decimal.Decimal
	SportExposureCap  decimal.Decimal
	MarketExposureCap decimal.Decimal
}

type FeeConfig struct {
	FixedPct decimal.Decimal
}

type CacheConfig struct {
	RiskTTL time.Duration
	TierTTL time.Duration
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Limits LimitsConfig
	Fees   FeeConfig
	Cache  CacheConfig
}

func Load() (*Config, error) {
	path := os.Getenv("FUND_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(base.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !base.IsNotFound(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	setDefaults(v)

	limits, err := loadLimits(v)
	if err != nil {
		return nil, err
	}
	fixedPct, err := decimalValue(v, "fees.fixed_pct")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:        envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:        envString("POSTGRES_DB", v.GetString("db.name")),
			User:        envString("POSTGRES_USER", v.GetString("db.user")),
			Password:    envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:     envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			AutoMigrate: v.GetBool("db.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
			RiskKey:  v.GetString("redis.risk_key"),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID:      v.GetString("kafka.client_id"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			RetryTTL:      envDuration("KAFKA_RETRY_TTL", v.GetDuration("kafka.retry_ttl")),
			Topics: KafkaTopics{
				TradeResults: v.GetString("kafka.topics.trade_results"),
				TradeSettled: v.GetString("kafka.topics.trade_settled"),
				Audit:        v.GetString("kafka.topics.audit"),
				DeadLetter:   v.GetString("kafka.topics.dead_letter"),
			},
		},
		Limits: limits,
		Fees:   FeeConfig{FixedPct: fixedPct},
		Cache: CacheConfig{
			RiskTTL: v.GetDuration("cache.risk_ttl"),
			TierTTL: v.GetDuration("cache.tier_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "fund")
	v.SetDefault("db.user", "fund")
	v.SetDefault("db.password", "fund")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.risk_key", "fund:system_risk")
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "fund-service")
	v.SetDefault("kafka.consumer_group", "fund-service")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.retry_ttl", "10m")
	v.SetDefault("kafka.topics.trade_results", kafka.TopicTradeResults)
	v.SetDefault("kafka.topics.trade_settled", kafka.TopicTradeSettled)
	v.SetDefault("kafka.topics.audit", kafka.TopicAudit)
	v.SetDefault("kafka.topics.dead_letter", kafka.TopicDeadLetter)
	v.SetDefault("limits.max_stake_pct", "5")
	v.SetDefault("limits.sport_exposure_cap", "50000")
	v.SetDefault("limits.market_exposure_cap", "20000")
	v.SetDefault("fees.fixed_pct", "1.5")
	v.SetDefault("cache.risk_ttl", "30s")
	v.SetDefault("cache.tier_ttl", "5m")
}

func loadLimits(v *viper.Viper) (LimitsConfig, error) {
	var limits LimitsConfig
	var err error
	if limits.MaxStakePct, err = decimalValue(v, "limits.max_stake_pct"); err != nil {
		return LimitsConfig{}, err
	}
	if limits.SportExposureCap, err = decimalValue(v, "limits.sport_exposure_cap"); err != nil {
		return LimitsConfig{}, err
	}
	if limits.MarketExposureCap, err = decimalValue(v, "limits.market_exposure_cap"); err != nil {
		return LimitsConfig{}, err
	}
	return limits, nil
}

func decimalValue(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func (c *Config) validate() error {
	if c.DB.Port <= 0 {
		return fmt.Errorf("POSTGRES_PORT must be positive")
	}
	if c.Limits.MaxStakePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("limits.max_stake_pct must not exceed 100, got %s", c.Limits.MaxStakePct)
	}
	if c.Redis.RiskKey == "" {
		return fmt.Errorf("redis risk key required")
	}
	if c.Cache.RiskTTL < 0 || c.Cache.TierTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	if !c.Kafka.Enabled {
		return nil
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.Topics.TradeResults == "" || c.Kafka.Topics.TradeSettled == "" {
		return fmt.Errorf("kafka trade topics required")
	}
	if c.Kafka.MaxAttempts <= 0 {
		return fmt.Errorf("kafka max attempts must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

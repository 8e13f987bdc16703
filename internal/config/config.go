package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds raw string settings. Typed values are read through the
// accessors, which fall back to defaults on unparsable input.
type Config struct {
	AppPort     string `yaml:"app_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	CORSOrigins string `yaml:"cors_origins"`

	DBDriver   string `yaml:"db_driver"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
	SQLitePath string `yaml:"sqlite_path"`
	Migrations string `yaml:"migrations_dir"`

	VoucherTTLValue        string `yaml:"voucher_ttl"`
	VoucherCodePrefix      string `yaml:"voucher_code_prefix"`
	VoucherDefaultCurrency string `yaml:"voucher_default_currency"`
	VoucherCodeAttempts    string `yaml:"voucher_code_attempts"`
	LoyaltyPointsPerUnit   string `yaml:"loyalty_points_per_unit"`

	KafkaBrokers           string `yaml:"kafka_brokers"`
	KafkaClientID          string `yaml:"kafka_client_id"`
	KafkaGroupID           string `yaml:"kafka_group_id"`
	KafkaRetryGroupID      string `yaml:"kafka_retry_group_id"`
	KafkaInstanceID        string `yaml:"kafka_instance_id"`
	KafkaTopicPartitions   string `yaml:"kafka_topic_partitions"`
	KafkaRetryPartitions   string `yaml:"kafka_retry_partitions"`
	KafkaReplicationFactor string `yaml:"kafka_replication_factor"`
	KafkaMinISR            string `yaml:"kafka_min_isr"`
	KafkaMaxRetries        string `yaml:"kafka_max_retries"`
	KafkaRetryBackoff      string `yaml:"kafka_retry_backoff"`
	KafkaRequestTimeout    string `yaml:"kafka_request_timeout"`
	EventDrivenEnabled     string `yaml:"event_driven_enabled"`
}

func defaults() *Config {
	return &Config{
		AppPort:   "8080",
		LogLevel:  "info",
		LogFormat: "json",

		DBDriver:   "postgres",
		DBHost:     "localhost",
		DBPort:     "5432",
		DBUser:     "postgres",
		DBPassword: "postgres",
		DBName:     "ledgerdb",
		DBSSLMode:  "disable",
		SQLitePath: "ledger.db",
		Migrations: "db/migrations",

		VoucherTTLValue:        "4320h",
		VoucherCodePrefix:      "GIFT-",
		VoucherDefaultCurrency: "PLN",
		VoucherCodeAttempts:    "5",
		LoyaltyPointsPerUnit:   "10",

		KafkaBrokers:           "kafka:9092",
		KafkaClientID:          "ledger-service",
		KafkaGroupID:           "ledger-consumers",
		KafkaRetryGroupID:      "ledger-retry",
		KafkaTopicPartitions:   "3",
		KafkaRetryPartitions:   "1",
		KafkaReplicationFactor: "1",
		KafkaMinISR:            "1",
		KafkaMaxRetries:        "3",
		KafkaRetryBackoff:      "2s",
		KafkaRequestTimeout:    "5s",
		EventDrivenEnabled:     "false",
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE, then the
// environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.AppPort = getEnv("APP_PORT", cfg.AppPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.CORSOrigins = getEnv("CORS_ORIGINS", cfg.CORSOrigins)

	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = getEnv("DB_SSLMODE", cfg.DBSSLMode)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.Migrations = getEnv("MIGRATIONS_DIR", cfg.Migrations)

	cfg.VoucherTTLValue = getEnv("VOUCHER_TTL", cfg.VoucherTTLValue)
	cfg.VoucherCodePrefix = getEnv("VOUCHER_CODE_PREFIX", cfg.VoucherCodePrefix)
	cfg.VoucherDefaultCurrency = getEnv("VOUCHER_DEFAULT_CURRENCY", cfg.VoucherDefaultCurrency)
	cfg.VoucherCodeAttempts = getEnv("VOUCHER_CODE_ATTEMPTS", cfg.VoucherCodeAttempts)
	cfg.LoyaltyPointsPerUnit = getEnv("LOYALTY_POINTS_PER_UNIT", cfg.LoyaltyPointsPerUnit)

	cfg.KafkaBrokers = getEnv("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaClientID = getEnv("KAFKA_CLIENT_ID", cfg.KafkaClientID)
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", cfg.KafkaGroupID)
	cfg.KafkaRetryGroupID = getEnv("KAFKA_RETRY_GROUP_ID", cfg.KafkaRetryGroupID)
	cfg.KafkaInstanceID = getEnv("KAFKA_INSTANCE_ID", cfg.KafkaInstanceID)
	cfg.KafkaTopicPartitions = getEnv("KAFKA_TOPIC_PARTITIONS", cfg.KafkaTopicPartitions)
	cfg.KafkaRetryPartitions = getEnv("KAFKA_RETRY_PARTITIONS", cfg.KafkaRetryPartitions)
	cfg.KafkaReplicationFactor = getEnv("KAFKA_REPLICATION_FACTOR", cfg.KafkaReplicationFactor)
	cfg.KafkaMinISR = getEnv("KAFKA_MIN_ISR", cfg.KafkaMinISR)
	cfg.KafkaMaxRetries = getEnv("KAFKA_MAX_RETRIES", cfg.KafkaMaxRetries)
	cfg.KafkaRetryBackoff = getEnv("KAFKA_RETRY_BACKOFF", cfg.KafkaRetryBackoff)
	cfg.KafkaRequestTimeout = getEnv("KAFKA_REQUEST_TIMEOUT", cfg.KafkaRequestTimeout)
	cfg.EventDrivenEnabled = getEnv("EVENT_DRIVEN_ENABLED", cfg.EventDrivenEnabled)

	if cfg.KafkaInstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			cfg.KafkaInstanceID = "unknown"
		} else {
			cfg.KafkaInstanceID = hostname
		}
	}

	switch cfg.DBDriver {
	case "postgres", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func (c *Config) EventDriven() bool {
	enabled, err := strconv.ParseBool(c.EventDrivenEnabled)
	return err == nil && enabled
}

func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

func (c *Config) VoucherTTL() time.Duration {
	return parseDuration(c.VoucherTTLValue, 4320*time.Hour)
}

func (c *Config) CodeAttempts() int {
	return parseInt(c.VoucherCodeAttempts, 5)
}

func (c *Config) PointsPerUnit() int64 {
	return int64(parseInt(c.LoyaltyPointsPerUnit, 10))
}

func (c *Config) TopicPartitions() int {
	return parseInt(c.KafkaTopicPartitions, 3)
}

func (c *Config) RetryPartitions() int {
	return parseInt(c.KafkaRetryPartitions, 1)
}

func (c *Config) ReplicationFactor() int16 {
	value := parseInt(c.KafkaReplicationFactor, 1)
	return int16(value)
}

func (c *Config) MaxRetries() int {
	return parseInt(c.KafkaMaxRetries, 3)
}

func (c *Config) RetryBackoff() time.Duration {
	return parseDuration(c.KafkaRetryBackoff, 2*time.Second)
}

func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.KafkaRequestTimeout, 5*time.Second)
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"spsc-transferflow/internal/core/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
type Config struct {
	AppMode  string
	Port     string
	Store    StoreConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Transfer TransferConfig
	Kafka    KafkaConfig
	Cron     CronConfig
	LINE     LINEConfig
}

// StoreConfig selects the transfer state store backend
type StoreConfig struct {
	Driver string // mysql | memory
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string

	MaxOpenConns int
	MaxIdleConns int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret          string
	AccessTokenMins int
}

// TransferConfig holds workflow tuning
type TransferConfig struct {
	DefaultRequiredCodes  int
	CodeLength            int
	CodeTTL               time.Duration
	CodeHashCost          int
	TickInterval          time.Duration
	ProgressStep          int
	SettlementDelay       time.Duration
	ReferenceMaxAttempts  int
	ReferenceBackoff      time.Duration
	DefaultDeliveryMethod domain.DeliveryMethod
	CodeFee               decimal.Decimal
}

// KafkaConfig holds the change-stream sink configuration (optional)
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether brokers are configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// CronConfig holds background job schedules
type CronConfig struct {
	SweepSpec         string
	ReconcileSpec     string
	CodeRetentionDays int
}

// LINEConfig holds LINE Notify configuration for code delivery
type LINEConfig struct {
	NotifyToken string
}

// Global config instance
var AppConfig *Config

// Load reads configuration from .env file and environment variables
func Load() (*Config, error) {
	// Load .env file (ignore error if file doesn't exist in production)
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Get APP_MODE (default to "dev") - trim spaces for Windows compatibility
	appMode := strings.TrimSpace(getEnv("APP_MODE", "dev"))
	if appMode != "dev" && appMode != "prod" {
		return nil, fmt.Errorf("invalid APP_MODE: '%s' (must be 'dev' or 'prod')", appMode)
	}

	transferCfg, err := loadTransferConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}

	storeDriver := strings.ToLower(strings.TrimSpace(getEnv("STORE_DRIVER", "mysql")))
	if storeDriver != "mysql" && storeDriver != "memory" {
		return nil, fmt.Errorf("invalid STORE_DRIVER: '%s' (must be 'mysql' or 'memory')", storeDriver)
	}

	config := &Config{
		AppMode:  appMode,
		Port:     getEnv("PORT", "3000"),
		Store:    StoreConfig{Driver: storeDriver},
		Database: loadDatabaseConfig(appMode),
		JWT:      loadJWTConfig(appMode),
		Transfer: transferCfg,
		Kafka:    loadKafkaConfig(),
		Cron:     loadCronConfig(),
		LINE:     LINEConfig{NotifyToken: getEnv("LINE_NOTIFY_TOKEN", "")},
	}

	// Set global config
	AppConfig = config

	log.Printf("✅ Configuration loaded successfully [MODE: %s, STORE: %s]", appMode, storeDriver)
	return config, nil
}

// loadDatabaseConfig loads database config based on mode
func loadDatabaseConfig(mode string) DatabaseConfig {
	prefix := "DEV_"
	if mode == "prod" {
		prefix = "PROD_"
	}

	maxOpen, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "100"))
	maxIdle, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "10"))

	return DatabaseConfig{
		Host:     getEnv(prefix+"DB_HOST", "localhost"),
		Port:     getEnv(prefix+"DB_PORT", "3306"),
		User:     getEnv(prefix+"DB_USER", "root"),
		Password: getEnv(prefix+"DB_PASS", ""),
		DBName:   getEnv(prefix+"DB_NAME", "spsc_transferflow"),

		MaxOpenConns: maxOpen,
		MaxIdleConns: maxIdle,
	}
}

// loadJWTConfig loads JWT config based on mode
func loadJWTConfig(mode string) JWTConfig {
	prefix := "DEV_"
	if mode == "prod" {
		prefix = "PROD_"
	}

	accessMins, _ := strconv.Atoi(getEnv("ACCESS_TOKEN_MINUTES", "15"))

	return JWTConfig{
		Secret:          getEnv(prefix+"JWT_SECRET", "default_secret"),
		AccessTokenMins: accessMins,
	}
}

// DefaultTransferConfig returns the workflow defaults
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		DefaultRequiredCodes:  2,
		CodeLength:            6,
		CodeTTL:               15 * time.Minute,
		CodeHashCost:          10,
		TickInterval:          2 * time.Second,
		ProgressStep:          5,
		SettlementDelay:       10 * time.Second,
		ReferenceMaxAttempts:  5,
		ReferenceBackoff:      20 * time.Millisecond,
		DefaultDeliveryMethod: domain.DeliveryEmail,
		CodeFee:               decimal.Zero,
	}
}

// loadTransferConfig loads workflow tuning on top of the defaults
func loadTransferConfig() (TransferConfig, error) {
	cfg := DefaultTransferConfig()
	var err error

	if cfg.DefaultRequiredCodes, err = getEnvInt("TRANSFER_REQUIRED_CODES", cfg.DefaultRequiredCodes); err != nil {
		return cfg, err
	}
	if cfg.DefaultRequiredCodes < domain.MinRequiredCodes || cfg.DefaultRequiredCodes > domain.MaxRequiredCodes {
		return cfg, fmt.Errorf("TRANSFER_REQUIRED_CODES must be between %d and %d", domain.MinRequiredCodes, domain.MaxRequiredCodes)
	}
	if cfg.CodeLength, err = getEnvInt("TRANSFER_CODE_LENGTH", cfg.CodeLength); err != nil {
		return cfg, err
	}
	if cfg.CodeLength < 4 || cfg.CodeLength > 10 {
		return cfg, fmt.Errorf("TRANSFER_CODE_LENGTH must be between 4 and 10")
	}
	if cfg.CodeHashCost, err = getEnvInt("TRANSFER_CODE_HASH_COST", cfg.CodeHashCost); err != nil {
		return cfg, err
	}
	if cfg.ProgressStep, err = getEnvInt("TRANSFER_PROGRESS_STEP", cfg.ProgressStep); err != nil {
		return cfg, err
	}
	if cfg.ProgressStep < 1 {
		return cfg, fmt.Errorf("TRANSFER_PROGRESS_STEP must be positive")
	}
	if cfg.ReferenceMaxAttempts, err = getEnvInt("TRANSFER_REFERENCE_ATTEMPTS", cfg.ReferenceMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.CodeTTL, err = getEnvDuration("TRANSFER_CODE_TTL", cfg.CodeTTL); err != nil {
		return cfg, err
	}
	if cfg.TickInterval, err = getEnvDuration("TRANSFER_TICK_INTERVAL", cfg.TickInterval); err != nil {
		return cfg, err
	}
	if cfg.SettlementDelay, err = getEnvDuration("TRANSFER_SETTLEMENT_DELAY", cfg.SettlementDelay); err != nil {
		return cfg, err
	}
	if cfg.ReferenceBackoff, err = getEnvDuration("TRANSFER_REFERENCE_BACKOFF", cfg.ReferenceBackoff); err != nil {
		return cfg, err
	}

	method := domain.DeliveryMethod(strings.ToLower(getEnv("TRANSFER_DELIVERY_METHOD", string(cfg.DefaultDeliveryMethod))))
	if !method.Valid() {
		return cfg, fmt.Errorf("invalid TRANSFER_DELIVERY_METHOD: '%s'", method)
	}
	cfg.DefaultDeliveryMethod = method

	if fee := getEnv("TRANSFER_CODE_FEE", ""); fee != "" {
		amount, err := decimal.NewFromString(fee)
		if err != nil {
			return cfg, fmt.Errorf("invalid TRANSFER_CODE_FEE: %w", err)
		}
		cfg.CodeFee = amount
	}

	return cfg, nil
}

// loadKafkaConfig loads the optional Kafka sink
func loadKafkaConfig() KafkaConfig {
	var brokers []string
	for _, b := range strings.Split(getEnv("KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return KafkaConfig{
		Brokers: brokers,
		Topic:   getEnv("KAFKA_TRANSFER_TOPIC", "transfer_changes"),
	}
}

// loadCronConfig loads background job schedules
func loadCronConfig() CronConfig {
	retention, _ := strconv.Atoi(getEnv("CODE_RETENTION_DAYS", "90"))
	return CronConfig{
		SweepSpec:         getEnv("CRON_CODE_SWEEP", "@daily"),
		ReconcileSpec:     getEnv("CRON_RECONCILE", "@every 1m"),
		CodeRetentionDays: retention,
	}
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

// IsDev returns true if running in development mode
func (c *Config) IsDev() bool {
	return c.AppMode == "dev"
}

// IsProd returns true if running in production mode
func (c *Config) IsProd() bool {
	return c.AppMode == "prod"
}

// GetAllowedOrigins returns allowed origins for CORS
func (c *Config) GetAllowedOrigins() string {
	origins := getEnv("ALLOWED_ORIGINS", "")
	if origins == "" {
		if c.IsDev() {
			return "*"
		}
		return "https://bank.spsc.or.th"
	}
	return origins
}

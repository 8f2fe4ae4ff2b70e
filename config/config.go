package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LoggingConfig  LoggingConfig  `json:"logging" yaml:"logging"`
	DatabaseConfig DatabaseConfig `json:"database" yaml:"database"`
	RedisConfig    RedisConfig    `json:"redis" yaml:"redis"`
	ServerConfig   ServerConfig   `json:"server" yaml:"server"`
	AuthConfig     AuthConfig     `json:"auth" yaml:"auth"`
	VaultConfig    VaultConfig    `json:"vault" yaml:"vault"`
	ExchangeConfig ExchangeConfig `json:"exchange" yaml:"exchange"`
	OracleConfig   OracleConfig   `json:"oracle" yaml:"oracle"`
	AIConfig       AIConfig       `json:"ai" yaml:"ai"`
	RiskConfig     RiskConfig     `json:"risk" yaml:"risk"`
	ExecutorConfig ExecutorConfig `json:"executor" yaml:"executor"`
	MonitorConfig  MonitorConfig  `json:"monitor" yaml:"monitor"`
	SignalsConfig  SignalsConfig  `json:"signals" yaml:"signals"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// RedisConfig holds Redis configuration for caching and signal intake
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// ServerConfig holds the stats server configuration
type ServerConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`         // seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`       // seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // seconds
}

// AuthConfig protects the admin stats surface
type AuthConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

// VaultConfig holds HashiCorp Vault settings for exchange credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// ExchangeConfig holds exchange client settings
type ExchangeConfig struct {
	SpotBaseURL    string        `json:"spot_base_url" yaml:"spot_base_url"`
	FuturesBaseURL string        `json:"futures_base_url" yaml:"futures_base_url"`
	StreamURL      string        `json:"stream_url" yaml:"stream_url"`
	PaperMode      bool          `json:"paper_mode" yaml:"paper_mode"` // in-memory exchange, no real orders
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	RequestsPerSec float64       `json:"requests_per_sec" yaml:"requests_per_sec"`
	ClientTTL      time.Duration `json:"client_ttl" yaml:"client_ttl"`
	EncryptionKey  string        `json:"encryption_key" yaml:"encryption_key"`
}

// OracleConfig holds price oracle settings
type OracleConfig struct {
	Sources         []string      `json:"sources" yaml:"sources"`
	SourceTimeout   time.Duration `json:"source_timeout" yaml:"source_timeout"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxErrors       int           `json:"max_errors" yaml:"max_errors"`
	BreakerCooldown time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	StreamEnabled   bool          `json:"stream_enabled" yaml:"stream_enabled"`
}

// AIConfig holds AI recommendation settings
type AIConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Provider  string        `json:"provider" yaml:"provider"` // "openai", "claude", or "deepseek"
	APIKey    string        `json:"api_key" yaml:"api_key"`
	BaseURL   string        `json:"base_url" yaml:"base_url"`
	Model     string        `json:"model" yaml:"model"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	CacheTTL  time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxTokens int           `json:"max_tokens" yaml:"max_tokens"`
}

// RiskConfig holds resolver settings
type RiskConfig struct {
	MinAdaptiveTrades int `json:"min_adaptive_trades" yaml:"min_adaptive_trades"`
}

// ExecutorConfig holds order execution settings
type ExecutorConfig struct {
	MinBalance      float64 `json:"min_balance" yaml:"min_balance"`           // quote currency floor
	SafetyMargin    float64 `json:"safety_margin" yaml:"safety_margin"`       // fraction of balance kept free
	DefaultLeverage int     `json:"default_leverage" yaml:"default_leverage"` // futures only
	MaxConcurrency  int     `json:"max_concurrency" yaml:"max_concurrency"`   // per-signal fan-out

	// Deadline for one subscription's execution, including exchange calls
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
}

// MonitorConfig holds position monitor settings
type MonitorConfig struct {
	Interval            time.Duration `json:"interval" yaml:"interval"`
	PositionTimeout     time.Duration `json:"position_timeout" yaml:"position_timeout"`
	ConfidenceThreshold float64       `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxParallel         int           `json:"max_parallel" yaml:"max_parallel"`
}

// SignalsConfig holds signal intake settings
type SignalsConfig struct {
	RedisChannel string `json:"redis_channel" yaml:"redis_channel"`
}

// Load reads the config file (JSON or YAML by extension), then applies
// environment overrides. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// No config file, start with empty config
		cfg = &Config{}
	}

	applyDefaults(cfg)

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.LoggingConfig.Level, "INFO")
	setString(&cfg.LoggingConfig.Output, "stdout")

	setString(&cfg.DatabaseConfig.Host, "localhost")
	setInt(&cfg.DatabaseConfig.Port, 5432)
	setString(&cfg.DatabaseConfig.User, "postgres")
	setString(&cfg.DatabaseConfig.Database, "signal_executor")
	setString(&cfg.DatabaseConfig.SSLMode, "disable")
	if cfg.DatabaseConfig.MaxConns <= 0 {
		cfg.DatabaseConfig.MaxConns = 25
	}

	setString(&cfg.RedisConfig.Address, "localhost:6379")
	setInt(&cfg.RedisConfig.PoolSize, 10)

	setString(&cfg.ServerConfig.Host, "0.0.0.0")
	setInt(&cfg.ServerConfig.Port, 8090)
	setString(&cfg.ServerConfig.AllowedOrigins, "*")
	setInt(&cfg.ServerConfig.ReadTimeout, 30)
	setInt(&cfg.ServerConfig.WriteTimeout, 30)
	setInt(&cfg.ServerConfig.ShutdownTimeout, 10)

	setString(&cfg.AuthConfig.Issuer, "signal-executor")

	setString(&cfg.VaultConfig.Address, "http://localhost:8200")
	setString(&cfg.VaultConfig.MountPath, "secret")
	setString(&cfg.VaultConfig.SecretPath, "signal-executor/api-keys")

	setString(&cfg.ExchangeConfig.SpotBaseURL, "https://api.binance.com")
	setString(&cfg.ExchangeConfig.FuturesBaseURL, "https://fapi.binance.com")
	setString(&cfg.ExchangeConfig.StreamURL, "wss://stream.binance.com:9443/ws/!miniTicker@arr")
	setDuration(&cfg.ExchangeConfig.RequestTimeout, 10*time.Second)
	setFloat(&cfg.ExchangeConfig.RequestsPerSec, 10)
	setDuration(&cfg.ExchangeConfig.ClientTTL, 30*time.Minute)

	if len(cfg.OracleConfig.Sources) == 0 {
		cfg.OracleConfig.Sources = []string{"binance", "binance-futures"}
	}
	setDuration(&cfg.OracleConfig.SourceTimeout, 5*time.Second)
	setDuration(&cfg.OracleConfig.CacheTTL, 30*time.Second)
	setInt(&cfg.OracleConfig.MaxErrors, 3)
	setDuration(&cfg.OracleConfig.BreakerCooldown, 5*time.Minute)

	setString(&cfg.AIConfig.Provider, "openai")
	setString(&cfg.AIConfig.Model, "gpt-4o-mini")
	setDuration(&cfg.AIConfig.Timeout, 30*time.Second)
	setDuration(&cfg.AIConfig.CacheTTL, 60*time.Second)
	setInt(&cfg.AIConfig.MaxTokens, 512)

	setInt(&cfg.RiskConfig.MinAdaptiveTrades, 5)

	setFloat(&cfg.ExecutorConfig.MinBalance, 10)
	setFloat(&cfg.ExecutorConfig.SafetyMargin, 0.005)
	setInt(&cfg.ExecutorConfig.DefaultLeverage, 1)
	setInt(&cfg.ExecutorConfig.MaxConcurrency, 8)
	setDuration(&cfg.ExecutorConfig.ExecutionTimeout, 45*time.Second)

	setDuration(&cfg.MonitorConfig.Interval, 5*time.Second)
	setDuration(&cfg.MonitorConfig.PositionTimeout, 10*time.Second)
	setFloat(&cfg.MonitorConfig.ConfidenceThreshold, 0.6)
	setInt(&cfg.MonitorConfig.MaxParallel, 16)

	setString(&cfg.SignalsConfig.RedisChannel, "signals:incoming")
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange API keys are never read from the environment; they are per-user.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("STATS_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("STATS_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Exchange config
	cfg.ExchangeConfig.SpotBaseURL = getEnvOrDefault("EXCHANGE_SPOT_BASE_URL", cfg.ExchangeConfig.SpotBaseURL)
	cfg.ExchangeConfig.FuturesBaseURL = getEnvOrDefault("EXCHANGE_FUTURES_BASE_URL", cfg.ExchangeConfig.FuturesBaseURL)
	cfg.ExchangeConfig.PaperMode = getEnvBoolOrDefault("PAPER_MODE", cfg.ExchangeConfig.PaperMode)
	cfg.ExchangeConfig.EncryptionKey = getEnvOrDefault("ENCRYPTION_KEY", cfg.ExchangeConfig.EncryptionKey)

	// Oracle config
	if sources := os.Getenv("ORACLE_SOURCES"); sources != "" {
		cfg.OracleConfig.Sources = splitList(sources)
	}
	cfg.OracleConfig.CacheTTL = getEnvDurationOrDefault("ORACLE_CACHE_TTL", cfg.OracleConfig.CacheTTL)
	cfg.OracleConfig.StreamEnabled = getEnvBoolOrDefault("ORACLE_STREAM_ENABLED", cfg.OracleConfig.StreamEnabled)

	// AI config
	cfg.AIConfig.Enabled = getEnvBoolOrDefault("AI_ENABLED", cfg.AIConfig.Enabled)
	cfg.AIConfig.Provider = getEnvOrDefault("AI_PROVIDER", cfg.AIConfig.Provider)
	cfg.AIConfig.APIKey = getEnvOrDefault("AI_API_KEY", cfg.AIConfig.APIKey)
	cfg.AIConfig.BaseURL = getEnvOrDefault("AI_BASE_URL", cfg.AIConfig.BaseURL)
	cfg.AIConfig.Model = getEnvOrDefault("AI_MODEL", cfg.AIConfig.Model)
	cfg.AIConfig.Timeout = getEnvDurationOrDefault("AI_TIMEOUT", cfg.AIConfig.Timeout)

	// Executor config
	cfg.ExecutorConfig.MinBalance = getEnvFloatOrDefault("EXECUTOR_MIN_BALANCE", cfg.ExecutorConfig.MinBalance)
	cfg.ExecutorConfig.SafetyMargin = getEnvFloatOrDefault("EXECUTOR_SAFETY_MARGIN", cfg.ExecutorConfig.SafetyMargin)
	cfg.ExecutorConfig.MaxConcurrency = getEnvIntOrDefault("EXECUTOR_MAX_CONCURRENCY", cfg.ExecutorConfig.MaxConcurrency)
	cfg.ExecutorConfig.ExecutionTimeout = getEnvDurationOrDefault("EXECUTOR_EXECUTION_TIMEOUT", cfg.ExecutorConfig.ExecutionTimeout)

	// Monitor config
	cfg.MonitorConfig.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", cfg.MonitorConfig.Interval)
	cfg.MonitorConfig.ConfidenceThreshold = getEnvFloatOrDefault("MONITOR_CONFIDENCE_THRESHOLD", cfg.MonitorConfig.ConfidenceThreshold)

	// Signals config
	cfg.SignalsConfig.RedisChannel = getEnvOrDefault("SIGNALS_REDIS_CHANNEL", cfg.SignalsConfig.RedisChannel)
}

// Validate checks ranges that the execution pipeline depends on
func (c *Config) Validate() error {
	if c.OracleConfig.CacheTTL <= 0 || c.OracleConfig.CacheTTL > 60*time.Second {
		return fmt.Errorf("oracle cache_ttl must be in (0, 60s], got %s", c.OracleConfig.CacheTTL)
	}
	if c.MonitorConfig.ConfidenceThreshold <= 0 || c.MonitorConfig.ConfidenceThreshold > 1 {
		return fmt.Errorf("monitor confidence_threshold must be in (0, 1], got %.2f", c.MonitorConfig.ConfidenceThreshold)
	}
	if c.MonitorConfig.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.ExecutorConfig.SafetyMargin < 0 || c.ExecutorConfig.SafetyMargin >= 1 {
		return fmt.Errorf("executor safety_margin must be in [0, 1), got %.4f", c.ExecutorConfig.SafetyMargin)
	}
	if c.ExecutorConfig.MinBalance < 0 {
		return fmt.Errorf("executor min_balance must not be negative")
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is empty")
	}
	return nil
}

// DSN builds a libpq-style connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst <= 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

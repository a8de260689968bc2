package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AllowedOrigin string
	Env           string
	LogLevel      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	LoginRatePerMinute    int

	DefaultCompanyID      string
	DefaultTaxRate        decimal.Decimal
	NumberPrefix          string
	LockTimeoutMS         int
	MaxNumberAttempts     int
	RequireConfirmation   bool
	IdempotencyTTLSeconds int
}

// Load reads settings from the environment, falling back to an optional .env
// file in the working directory. Environment variables win.
func Load() Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	cfg := Config{
		Port:          getString(v, "PORT", "8080"),
		AllowedOrigin: getString(v, "ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		Env:           getString(v, "APP_ENV", "development"),
		LogLevel:      getString(v, "LOG_LEVEL", "info"),

		DatabaseURL:   getString(v, "DATABASE_URL", ""),
		RedisAddr:     getString(v, "REDIS_ADDR", ""),
		RedisPassword: getString(v, "REDIS_PASSWORD", ""),
		RedisDB:       getInt(v, "REDIS_DB", 0),

		AuthSecret:            strings.TrimSpace(getString(v, "AUTH_SECRET", "")),
		AccessTokenTTLMinutes: positive(getInt(v, "ACCESS_TOKEN_TTL_MINUTES", 480), 480),
		LoginRatePerMinute:    positive(getInt(v, "LOGIN_RATE_PER_MINUTE", 10), 10),

		DefaultCompanyID:      getString(v, "DEFAULT_COMPANY_ID", "company-demo"),
		DefaultTaxRate:        getDecimal(v, "DEFAULT_TAX_RATE", decimal.RequireFromString("0.11")),
		NumberPrefix:          strings.ToUpper(getString(v, "TRANSACTION_NUMBER_PREFIX", "TRX")),
		LockTimeoutMS:         positive(getInt(v, "LOCK_TIMEOUT_MS", 3000), 3000),
		MaxNumberAttempts:     positive(getInt(v, "MAX_NUMBER_ATTEMPTS", 5), 5),
		RequireConfirmation:   getBool(v, "REQUIRE_CONFIRMATION", false),
		IdempotencyTTLSeconds: positive(getInt(v, "IDEMPOTENCY_TTL_SECONDS", 86400), 86400),
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func getString(v *viper.Viper, key string, fallback string) string {
	if v.IsSet(key) {
		if val := v.GetString(key); val != "" {
			return val
		}
	}
	return fallback
}

func getInt(v *viper.Viper, key string, fallback int) int {
	if !v.IsSet(key) {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return fallback
	}
	return n
}

func getBool(v *viper.Viper, key string, fallback bool) bool {
	if !v.IsSet(key) {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return fallback
	}
	return b
}

func getDecimal(v *viper.Viper, key string, fallback decimal.Decimal) decimal.Decimal {
	if !v.IsSet(key) {
		return fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return fallback
	}
	return d
}

func positive(n int, fallback int) int {
	if n < 1 {
		return fallback
	}
	return n
}

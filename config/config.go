package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Scope identity for this credential set
	CredentialName string
	Market         string

	// Lifecycle Parameters
	ReconcileInterval time.Duration // Cadence of the reconciliation loop
	ExpirySweep       time.Duration // Cadence of the expiry sweep loop
	MaxPositionAge    time.Duration // Default time box per position
	WarningLead       time.Duration // How long before expiry the warning fires
	ForceCloseLead    time.Duration // How long before expiry the force close fires
	BreakEvenBuffer   float64       // Fractional offset of the break-even stop (e.g. 0.0005)

	// Tier profiles
	TierProfilePath string // Optional YAML file with per-symbol tier fractions

	// Database
	DBPath string

	// HTTP admin surface
	HTTPAddr string

	// Notifications (optional; empty disables Telegram)
	TelegramBotToken string
	TelegramChatID   string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Scope identity
	cfg.CredentialName = getEnv("CREDENTIAL_NAME", "main")
	cfg.Market = getEnv("MARKET", "usdm")

	// Lifecycle Parameters
	reconcileSeconds := getEnvAsInt("RECONCILE_INTERVAL_SECONDS", 30)
	if reconcileSeconds <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	sweepMinutes := getEnvAsInt("EXPIRY_SWEEP_MINUTES", 15)
	if sweepMinutes <= 0 {
		errs = append(errs, "EXPIRY_SWEEP_MINUTES must be positive")
	}
	cfg.ExpirySweep = time.Duration(sweepMinutes) * time.Minute

	maxAgeHours, err := getEnvAsFloatRequired("MAX_POSITION_AGE_HOURS", 4.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_AGE_HOURS: %v", err))
	} else if maxAgeHours <= 0 {
		errs = append(errs, "MAX_POSITION_AGE_HOURS must be positive")
	}
	cfg.MaxPositionAge = time.Duration(maxAgeHours * float64(time.Hour))

	warningLeadMinutes := getEnvAsInt("WARNING_LEAD_MINUTES", 30)
	forceCloseLeadMinutes := getEnvAsInt("FORCE_CLOSE_LEAD_MINUTES", 5)
	if warningLeadMinutes <= 0 || forceCloseLeadMinutes <= 0 {
		errs = append(errs, "WARNING_LEAD_MINUTES and FORCE_CLOSE_LEAD_MINUTES must be positive")
	}
	if forceCloseLeadMinutes >= warningLeadMinutes {
		errs = append(errs, "FORCE_CLOSE_LEAD_MINUTES must be less than WARNING_LEAD_MINUTES")
	}
	cfg.WarningLead = time.Duration(warningLeadMinutes) * time.Minute
	cfg.ForceCloseLead = time.Duration(forceCloseLeadMinutes) * time.Minute

	cfg.BreakEvenBuffer, err = getEnvAsFloatRequired("BREAKEVEN_BUFFER", 0.0005)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAKEVEN_BUFFER: %v", err))
	} else if cfg.BreakEvenBuffer <= 0 || cfg.BreakEvenBuffer >= 1.0 {
		errs = append(errs, "BREAKEVEN_BUFFER must be between 0.0 and 1.0 (exclusive)")
	}

	// Tier profiles
	cfg.TierProfilePath = getEnv("TIER_PROFILE_PATH", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/position_guard.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// HTTP admin surface
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Notifications
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID == "" {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

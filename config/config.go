package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sfrdragon/11-19-strat/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Instrument
	Symbol      string
	TickSize    float64
	LotStep     float64
	MinQuantity float64

	// Entry sizing
	EntryQuantity float64

	// Protection placement budgets
	PlacementMaxAttempts int
	PlacementBackoffMin  time.Duration
	PlacementBackoffMax  time.Duration
	ValidateTimeout      time.Duration

	// Risk parameters
	FallbackStopTicks float64
	MinDistanceTicks  float64
	RewardRatio       float64
	MaxDailyLoss      float64
	MaxOpenPositions  int

	// Enforcement / health budgets
	HealthInterval      time.Duration
	MaxRepairAttempts   int
	EmergencyAfter      time.Duration
	OrphanSweepInterval time.Duration

	// Liquidation budgets
	LiquidationMaxAttempts int
	LiquidationRetryDelay  time.Duration
	LiquidationVerifyPolls int

	// Reversal
	ReversalCancelBeforeSubmit bool
	ReversalNewPositionWait    time.Duration
	ReversalAbandonAfter       time.Duration

	// Trading session (UTC hours; equal values disable the gate)
	SessionStartHour int
	SessionEndHour   int

	// Signal
	BreakoutTicks float64

	// Market data
	KlineInterval string

	// Database
	DBPath string

	// Metrics
	MetricsAddr string

	// Logging
	LogLevel logger.LogLevel

	// Connection settings
	RequestsPerSecond    float64
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

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

	// Instrument
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.TickSize, err = getEnvAsFloatRequired("TICK_SIZE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TICK_SIZE: %v", err))
	} else if cfg.TickSize <= 0 {
		errs = append(errs, "TICK_SIZE must be positive")
	}
	cfg.LotStep, err = getEnvAsFloatRequired("LOT_STEP", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOT_STEP: %v", err))
	} else if cfg.LotStep <= 0 {
		errs = append(errs, "LOT_STEP must be positive")
	}
	cfg.MinQuantity, err = getEnvAsFloatRequired("MIN_QUANTITY", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_QUANTITY: %v", err))
	} else if cfg.MinQuantity <= 0 {
		errs = append(errs, "MIN_QUANTITY must be positive")
	}

	cfg.EntryQuantity, err = getEnvAsFloatRequired("ENTRY_QUANTITY", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ENTRY_QUANTITY: %v", err))
	} else if cfg.EntryQuantity <= 0 {
		errs = append(errs, "ENTRY_QUANTITY must be positive")
	}

	// Protection placement budgets
	cfg.PlacementMaxAttempts = getEnvAsInt("PLACEMENT_MAX_ATTEMPTS", 3)
	if cfg.PlacementMaxAttempts <= 0 {
		errs = append(errs, "PLACEMENT_MAX_ATTEMPTS must be positive")
	}
	cfg.PlacementBackoffMin = getEnvAsDuration("PLACEMENT_BACKOFF_MIN", 200*time.Millisecond)
	cfg.PlacementBackoffMax = getEnvAsDuration("PLACEMENT_BACKOFF_MAX", time.Second)
	cfg.ValidateTimeout = getEnvAsDuration("VALIDATE_TIMEOUT", 2*time.Second)

	// Risk parameters
	cfg.FallbackStopTicks = getEnvAsFloat("FALLBACK_STOP_TICKS", 40)
	cfg.MinDistanceTicks = getEnvAsFloat("MIN_DISTANCE_TICKS", 2)
	if cfg.FallbackStopTicks <= 0 || cfg.MinDistanceTicks <= 0 {
		errs = append(errs, "FALLBACK_STOP_TICKS and MIN_DISTANCE_TICKS must be positive")
	}
	cfg.RewardRatio = getEnvAsFloat("REWARD_RATIO", 1.5)
	if cfg.RewardRatio <= 0 {
		errs = append(errs, "REWARD_RATIO must be positive")
	}
	cfg.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss < 0 {
		errs = append(errs, "MAX_DAILY_LOSS cannot be negative")
	}
	cfg.MaxOpenPositions = getEnvAsInt("MAX_OPEN_POSITIONS", 1)
	if cfg.MaxOpenPositions <= 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS must be positive")
	}

	// Enforcement / health budgets
	cfg.HealthInterval = getEnvAsDuration("HEALTH_INTERVAL", time.Second)
	cfg.MaxRepairAttempts = getEnvAsInt("MAX_REPAIR_ATTEMPTS", 3)
	if cfg.MaxRepairAttempts <= 0 {
		errs = append(errs, "MAX_REPAIR_ATTEMPTS must be positive")
	}
	cfg.EmergencyAfter = getEnvAsDuration("EMERGENCY_AFTER", 10*time.Second)
	cfg.OrphanSweepInterval = getEnvAsDuration("ORPHAN_SWEEP_INTERVAL", 2*time.Second)

	// Liquidation budgets
	cfg.LiquidationMaxAttempts = getEnvAsInt("LIQUIDATION_MAX_ATTEMPTS", 3)
	if cfg.LiquidationMaxAttempts <= 0 {
		errs = append(errs, "LIQUIDATION_MAX_ATTEMPTS must be positive")
	}
	cfg.LiquidationRetryDelay = getEnvAsDuration("LIQUIDATION_RETRY_DELAY", time.Second)
	cfg.LiquidationVerifyPolls = getEnvAsInt("LIQUIDATION_VERIFY_POLLS", 3)

	// Reversal
	cfg.ReversalCancelBeforeSubmit = getEnvAsBool("REVERSAL_CANCEL_BEFORE_SUBMIT", false)
	cfg.ReversalNewPositionWait = getEnvAsDuration("REVERSAL_NEW_POSITION_WAIT", 5*time.Second)
	cfg.ReversalAbandonAfter = getEnvAsDuration("REVERSAL_ABANDON_AFTER", 30*time.Second)

	// Trading session
	cfg.SessionStartHour = getEnvAsInt("SESSION_START_HOUR", 0)
	cfg.SessionEndHour = getEnvAsInt("SESSION_END_HOUR", 0)
	if cfg.SessionStartHour < 0 || cfg.SessionStartHour > 23 || cfg.SessionEndHour < 0 || cfg.SessionEndHour > 23 {
		errs = append(errs, "SESSION_START_HOUR and SESSION_END_HOUR must be within 0-23")
	}

	// Signal
	cfg.BreakoutTicks = getEnvAsFloat("BREAKOUT_TICKS", 2)
	if cfg.BreakoutTicks < 0 {
		errs = append(errs, "BREAKOUT_TICKS cannot be negative")
	}

	// Market data
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/engine_events.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9100")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Connection settings
	cfg.RequestsPerSecond = getEnvAsFloat("REQUESTS_PER_SECOND", 8)
	if cfg.RequestsPerSecond <= 0 {
		errs = append(errs, "REQUESTS_PER_SECOND must be positive")
	}
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", time.Second)
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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

// getEnvAsDuration accepts Go duration strings ("750ms", "10s").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

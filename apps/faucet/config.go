package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// config holds process-wide settings, read once at startup. YAML (optional,
// path in FAUCET_CONFIG) is applied over defaults, then env over YAML.
type config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Network     string `yaml:"network" validate:"oneof=testnet mainnet previewnet"`
	OperatorID  string `yaml:"operator_id" validate:"required"`
	OperatorKey string `yaml:"-" validate:"required"` // env only, never in files

	// TokenID empty means native HBAR.
	TokenID       string `yaml:"token_id"`
	Amount        string `yaml:"amount" validate:"required"`
	TokenDecimals int32  `yaml:"token_decimals" validate:"gte=0,lte=18"`

	Cooldown        time.Duration `yaml:"cooldown" validate:"gt=0"`
	StrictAddress   bool          `yaml:"strict_address"`
	LedgerTimeout   time.Duration `yaml:"ledger_timeout" validate:"gt=0"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl" validate:"gt=0"`
	MaxClaimsPerSec float64       `yaml:"max_claims_per_sec" validate:"gte=0"`
	ForceErrorRate  float64       `yaml:"force_error_rate" validate:"gte=0,lte=1"`

	Store         string        `yaml:"store" validate:"oneof=memory redis postgres"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Store redis"`
	RedisPassword string        `yaml:"-"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	DatabaseURL   string        `yaml:"-" validate:"required_if=Store postgres"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

func defaultConfig() config {
	return config{
		Port:           "8080",
		LogLevel:       "info",
		Network:        "testnet",
		TokenID:        "0.0.8198347",
		Amount:         "10",
		Cooldown:       24 * time.Hour,
		StrictAddress:  true,
		LedgerTimeout:  30 * time.Second,
		ReservationTTL: 2 * time.Minute,
		Store:          "memory",
		RedisAddr:      "localhost:6379",
		SweepInterval:  10 * time.Minute,
	}
}

// loadConfig reads .env (if present), the optional YAML file and the
// environment, then validates the result.
func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("FAUCET_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *config) error {
	if p, ok := lookupEnv("PORT"); ok {
		cfg.Port = strings.TrimPrefix(p, ":") // allow PORT=8080 or PORT=:8080
	}
	envString("FAUCET_LOG_LEVEL", &cfg.LogLevel)
	envString("HEDERA_NETWORK", &cfg.Network)
	envString("HEDERA_ACCOUNT_ID", &cfg.OperatorID)
	envString("HEDERA_PRIVATE_KEY", &cfg.OperatorKey)
	envString("FAUCET_AMOUNT", &cfg.Amount)
	envString("FAUCET_STORE", &cfg.Store)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	// FAUCET_TOKEN_ID may be set to "hbar" to select the native coin
	if v, ok := os.LookupEnv("FAUCET_TOKEN_ID"); ok {
		v = strings.TrimSpace(v)
		if strings.EqualFold(v, "hbar") {
			v = ""
		}
		cfg.TokenID = v
	}

	if v, ok := lookupEnv("FAUCET_TOKEN_DECIMALS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid FAUCET_TOKEN_DECIMALS: %w", err)
		}
		cfg.TokenDecimals = int32(n)
	}
	if v, ok := lookupEnv("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v, ok := lookupEnv("FAUCET_STRICT_ADDRESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FAUCET_STRICT_ADDRESS: %w", err)
		}
		cfg.StrictAddress = b
	}
	for key, dst := range map[string]*time.Duration{
		"FAUCET_COOLDOWN":        &cfg.Cooldown,
		"FAUCET_LEDGER_TIMEOUT":  &cfg.LedgerTimeout,
		"FAUCET_RESERVATION_TTL": &cfg.ReservationTTL,
		"FAUCET_SWEEP_INTERVAL":  &cfg.SweepInterval,
	} {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*float64{
		"FAUCET_MAX_CLAIMS_PER_SEC": &cfg.MaxClaimsPerSec,
		"FORCE_ERROR_RATE":          &cfg.ForceErrorRate,
	} {
		if v, ok := lookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = f
		}
	}
	return nil
}

var configValidator = validator.New()

func (c config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// association and transfer each get LedgerTimeout; the hold must outlive both
	if c.ReservationTTL <= 2*c.LedgerTimeout {
		return fmt.Errorf("invalid config: reservation ttl %s must exceed twice the ledger timeout %s",
			c.ReservationTTL, c.LedgerTimeout)
	}
	if c.TokenID != "" && !accountIDPattern.MatchString(c.TokenID) {
		return fmt.Errorf("invalid config: token id %q is not of the form 0.0.N", c.TokenID)
	}
	return nil
}

func (c config) addr() string {
	return ":" + c.Port
}

func (c config) slogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookupEnv(key); ok {
		*dst = v
	}
}

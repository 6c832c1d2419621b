package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "GUARD_"

type Config struct {
	Port              int
	DataDir           string
	PolicyPath        string
	SharedSecret      string
	BatchSize         int
	MaxAuditEntries   int
	KAnonymity        int
	DPEpsilon         float64
	DPSeed            int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AuditWriteTimeout time.Duration
	LogLevel          string
	LogFormat         string
	PostgresDSN       string
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaClientID     string
	RedisAddr         string
	RateLimitPerMin   int
}

// Load reads GUARD_* variables. Variables already set in the environment win
// over values from the .env files; with no files given, ./.env is read if it
// exists.
func Load(envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	var errs []error
	get := func(key string) string {
		return strings.TrimSpace(os.Getenv(envPrefix + key))
	}
	getInt := func(key string, def int) int {
		val := get(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, key, val))
			return def
		}
		return n
	}
	getFloat := func(key string, def float64) float64 {
		val := get(key)
		if val == "" {
			return def
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, key, val))
			return def
		}
		return f
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		val := get(key)
		if val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s=%q", envPrefix, key, val))
			return def
		}
		return d
	}
	getString := func(key, def string) string {
		if val := get(key); val != "" {
			return val
		}
		return def
	}

	cfg := Config{
		Port:              getInt("PORT", 9010),
		DataDir:           getString("DATA_DIR", "./data"),
		PolicyPath:        get("POLICY_PATH"),
		SharedSecret:      get("SHARED_SECRET"),
		BatchSize:         getInt("BATCH_SIZE", 100),
		MaxAuditEntries:   getInt("MAX_AUDIT_ENTRIES", 10000),
		KAnonymity:        getInt("K_ANON", 5),
		DPEpsilon:         getFloat("DP_EPS", 0.7),
		DPSeed:            int64(getInt("DP_SEED", 0)),
		ReadTimeout:       getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:      getDuration("WRITE_TIMEOUT", 5*time.Second),
		AuditWriteTimeout: getDuration("AUDIT_WRITE_TIMEOUT", 2*time.Second),
		LogLevel:          getString("LOG_LEVEL", "info"),
		LogFormat:         getString("LOG_FORMAT", "json"),
		PostgresDSN:       get("POSTGRES_DSN"),
		KafkaBrokers:      splitList(get("KAFKA_BROKERS")),
		KafkaTopic:        getString("KAFKA_TOPIC", "guard.audit"),
		KafkaClientID:     getString("KAFKA_CLIENT_ID", "content-guard"),
		RedisAddr:         get("REDIS_ADDR"),
		RateLimitPerMin:   getInt("RATE_LIMIT_PER_MINUTE", 0),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("%sPORT %d out of range", envPrefix, cfg.Port))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAuditEntries <= 0 {
		errs = append(errs, fmt.Errorf("%sMAX_AUDIT_ENTRIES must be positive", envPrefix))
	}
	if cfg.KAnonymity <= 1 {
		cfg.KAnonymity = 2
	}
	if cfg.DPEpsilon <= 0 {
		cfg.DPEpsilon = 0.7
	}
	if cfg.RateLimitPerMin < 0 {
		errs = append(errs, fmt.Errorf("%sRATE_LIMIT_PER_MINUTE must be >= 0", envPrefix))
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be json or console, got %q", envPrefix, cfg.LogFormat))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

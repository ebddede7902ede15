package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	Round1RadiusKm float64
	Round2RadiusKm float64
	RoundWindow    time.Duration

	RelayInterval time.Duration
	GracePeriod   time.Duration
	PingInterval  time.Duration

	PickupCodeLen int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "driver-locations",
		Round1RadiusKm:  3,
		Round2RadiusKm:  7,
		RoundWindow:     30 * time.Second,
		RelayInterval:   6 * time.Second,
		GracePeriod:     30 * time.Second,
		PingInterval:    15 * time.Second,
		PickupCodeLen:   4,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.Round1RadiusKm, "DISPATCH_ROUND1_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Round2RadiusKm, "DISPATCH_ROUND2_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.RoundWindow, "DISPATCH_ROUND_WINDOW", &errs)
	setDurationFromEnv(&cfg.RelayInterval, "LOCATION_RELAY_INTERVAL", &errs)
	setDurationFromEnv(&cfg.GracePeriod, "LIVENESS_GRACE_PERIOD", &errs)
	setDurationFromEnv(&cfg.PingInterval, "LIVENESS_PING_INTERVAL", &errs)
	setIntFromEnv(&cfg.PickupCodeLen, "PICKUP_CODE_LEN", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Round1RadiusKm <= 0 || cfg.Round2RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("dispatch radii must be > 0"))
	}
	if cfg.Round2RadiusKm < cfg.Round1RadiusKm {
		errs = append(errs, fmt.Errorf("DISPATCH_ROUND2_RADIUS_KM must be >= round 1 radius"))
	}
	if cfg.RoundWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ROUND_WINDOW must be > 0"))
	}
	if cfg.PickupCodeLen < 4 {
		errs = append(errs, fmt.Errorf("PICKUP_CODE_LEN must be >= 4"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

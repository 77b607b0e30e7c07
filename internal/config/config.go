// Package config loads service configuration from the environment and
// resolves dynamic policy references from etcd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vaultedge/coreledger/internal/eod"
)

// Config holds every setting the ledger service reads at startup.
type Config struct {
	Port string

	DatabaseURL   string
	NATSURL       string
	RedisAddr     string
	EtcdEndpoints []string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	ValidationBudget time.Duration
	CommitBudget     time.Duration
	MaxCommitRetries int

	DispatchInterval time.Duration
	ScheduleInterval time.Duration
	EODTickInterval  time.Duration

	OvernightAttribution eod.Attribution
}

// FromEnv reads configuration from the environment. Most settings have
// sensible defaults; the overnight attribution deliberately has none and
// must be set explicitly per deployment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8084"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		InfluxURL:        os.Getenv("INFLUXDB_URL"),
		InfluxToken:      os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:        getEnv("INFLUXDB_ORG", "coreledger"),
		InfluxBucket:     getEnv("INFLUXDB_BUCKET", "ledger_metrics"),
		ValidationBudget: getDuration("VALIDATION_BUDGET", 500*time.Millisecond),
		CommitBudget:     getDuration("COMMIT_BUDGET", 2*time.Second),
		MaxCommitRetries: getInt("MAX_COMMIT_RETRIES", 3),
		DispatchInterval: getDuration("OUTBOX_DISPATCH_INTERVAL", time.Second),
		ScheduleInterval: getDuration("SCHEDULE_POLL_INTERVAL", time.Second),
		EODTickInterval:  getDuration("EOD_TICK_INTERVAL", time.Second),
	}

	if eps := os.Getenv("ETCD_ENDPOINTS"); eps != "" {
		cfg.EtcdEndpoints = strings.Split(eps, ",")
	}

	attribution := os.Getenv("EOD_OVERNIGHT_ATTRIBUTION")
	switch eod.Attribution(attribution) {
	case eod.AttributionSameDay, eod.AttributionPriorDay:
		cfg.OvernightAttribution = eod.Attribution(attribution)
	default:
		return nil, fmt.Errorf(
			"EOD_OVERNIGHT_ATTRIBUTION must be set to %s or %s, got %q",
			eod.AttributionSameDay, eod.AttributionPriorDay, attribution)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

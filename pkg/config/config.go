// Package config loads Maestro server configuration from environment
// variables, with an optional YAML profile overlay.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Driver selects the persistence backend for Model HR and the run ledger.
type Driver string

const (
	DriverFile Driver = "file"
	DriverDB   Driver = "db"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Persistence
	PersistenceDriver Driver
	DataDir           string // Model HR data root
	RunsDir           string // per-run outputs and deliverables
	DatabaseDSN       string // used when PersistenceDriver == db

	// Retention / caps
	ObservationsCap      int // per-model hard ceiling
	SignalsRetentionDays int
	ActionsRetentionDays int

	// Portfolio cache
	RedisAddr       string // empty = in-memory cache only
	PortfolioTTLSec int

	// Deliverables
	GitCommitDeliverable bool
	DeliverableStore     string // "local" | "s3"
	S3Bucket             string

	// Observability
	OTLPEndpoint string
	OTELEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cwd, _ := os.Getwd()

	dataDir := os.Getenv("MODEL_HR_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(cwd, ".data", "model-hr")
	}

	driver := Driver(os.Getenv("PERSISTENCE_DRIVER"))
	if driver != DriverDB {
		driver = DriverFile
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Default to an embedded sqlite database inside the data dir.
		dsn = "file:" + filepath.Join(dataDir, "model-hr.db")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	store := os.Getenv("DELIVERABLE_STORE")
	if store == "" {
		store = "local"
	}

	return &Config{
		Port:                 port,
		LogLevel:             logLevel,
		PersistenceDriver:    driver,
		DataDir:              dataDir,
		RunsDir:              filepath.Join(cwd, ".data", "runs"),
		DatabaseDSN:          dsn,
		ObservationsCap:      envInt("MODEL_HR_OBSERVATIONS_CAP", 500),
		SignalsRetentionDays: envInt("MODEL_HR_SIGNALS_RETENTION_DAYS", 30),
		ActionsRetentionDays: envInt("MODEL_HR_ACTIONS_RETENTION_DAYS", 14),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PortfolioTTLSec:      envInt("PORTFOLIO_CACHE_TTL_SECONDS", 60),
		GitCommitDeliverable: os.Getenv("MATERIALIZE_DELIVERABLE_GIT_COMMIT") == "true",
		DeliverableStore:     store,
		S3Bucket:             os.Getenv("DELIVERABLE_S3_BUCKET"),
		OTLPEndpoint:         envDefault("OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:          os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

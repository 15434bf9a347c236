// Package config loads runtime configuration from the environment and from
// the committee weights file. Load never fails; Validate reports what a
// given run mode is missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full runtime configuration of the order desk.
type Config struct {
	Port     string
	LogLevel string

	// State store (cases, events, fingerprints, retry queue, outbox).
	StateStoreDriver   string // postgres | sqlite
	StateStoreEndpoint string

	// Evidence store (original files and audit artifacts).
	BlobStoreType      string // fs | s3 | gcs
	BlobEndpoint       string
	BlobIncomingBucket string
	BlobAuditBucket    string
	BlobSigningKey     string

	// SecretStoreURL selects where integration credentials live: empty or
	// "env" for environment-only, "state" for the encrypted table in the
	// state store.
	SecretStoreURL string
	// RedisAddr enables the shared rate limiter. Empty keeps limiting local
	// to the process.
	RedisAddr string

	// Extractor.
	StrictFormulas bool

	// Committee.
	ProviderPool []string
	WeightsFile  string
	// WeightsKey, when set, requires a valid detached signature next to the
	// weights file before the calibration is trusted.
	WeightsKey       string
	CommitteeTimeout time.Duration
	// ProviderRPS caps invocations per second per vendor family. Zero
	// disables the limiter.
	ProviderRPS float64

	// Resolver.
	FuzzyEnabled      bool
	CustomerFuzzyHigh float64
	CatalogTTL        time.Duration
	CatalogRefresh    time.Duration

	// Submitter retry policy.
	RetryBase        time.Duration
	RetryCap         time.Duration
	RetryMaxAttempts int
	RetryJitter      bool

	// Orchestrator.
	CaseWaitTimeout time.Duration
	WorkerCount     int
	LeaseTTL        time.Duration

	// Boundary.
	MaxUploadBytes       int64
	ToolsSubscriptionKey string
	JWTSecret            string
	ApprovalPolicy       string
	BotCallbackURL       string

	// External accounting system.
	BooksBaseURL     string
	BooksAccountsURL string
	BooksOrgID       string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		Port:     getString("PORT", "8080"),
		LogLevel: getString("LOG_LEVEL", "INFO"),

		StateStoreDriver:   getString("STATE_STORE_DRIVER", "postgres"),
		StateStoreEndpoint: getString("STATE_STORE_ENDPOINT", os.Getenv("DATABASE_URL")),

		BlobStoreType:      getString("BLOB_STORE_TYPE", "fs"),
		BlobEndpoint:       os.Getenv("BLOB_ENDPOINT"),
		BlobIncomingBucket: getString("BLOB_INCOMING_BUCKET", "orders-incoming"),
		BlobAuditBucket:    getString("BLOB_AUDIT_BUCKET", "orders-audit"),
		BlobSigningKey:     os.Getenv("BLOB_SIGNING_KEY"),

		SecretStoreURL: os.Getenv("SECRET_STORE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),

		StrictFormulas: getBool("EXTRACTOR_STRICT_FORMULAS", true),

		ProviderPool:     splitList(getString("COMMITTEE_PROVIDER_POOL", "claude-sonnet,gpt-4o,gemini-pro")),
		WeightsFile:      os.Getenv("COMMITTEE_WEIGHTS_FILE"),
		WeightsKey:       os.Getenv("COMMITTEE_WEIGHTS_KEY"),
		CommitteeTimeout: getMillis("COMMITTEE_TIMEOUT_MS", 30000),
		ProviderRPS:      getFloat("PROVIDER_RATE_LIMIT", 2),

		FuzzyEnabled:      getBool("RESOLVER_FUZZY_ENABLED", false),
		CustomerFuzzyHigh: getFloat("CUSTOMER_FUZZY_HIGH", 0.75),
		CatalogTTL:        getDuration("CATALOG_TTL", time.Hour),
		CatalogRefresh:    getDuration("CATALOG_REFRESH_INTERVAL", 15*time.Minute),

		RetryBase:        getMillis("RETRY_BASE_MS", 1000),
		RetryCap:         getMillis("RETRY_CAP_MS", 16000),
		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 5),
		RetryJitter:      getBool("RETRY_JITTER", false),

		CaseWaitTimeout: getDuration("CASE_WAIT_TIMEOUT", 168*time.Hour),
		WorkerCount:     getInt("WORKER_COUNT", 4),
		LeaseTTL:        getDuration("LEASE_TTL", 30*time.Second),

		MaxUploadBytes:       getInt64("MAX_UPLOAD_BYTES", 25*1024*1024),
		ToolsSubscriptionKey: os.Getenv("TOOLS_SUBSCRIPTION_KEY"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		ApprovalPolicy:       getString("APPROVAL_POLICY", "true"),
		BotCallbackURL:       os.Getenv("BOT_CALLBACK_URL"),

		BooksBaseURL:     getString("BOOKS_BASE_URL", "https://www.zohoapis.com/books/v3"),
		BooksAccountsURL: getString("BOOKS_ACCOUNTS_URL", "https://accounts.zoho.com"),
		BooksOrgID:       os.Getenv("BOOKS_ORG_ID"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.StateStoreEndpoint == "" {
		missing = append(missing, "STATE_STORE_ENDPOINT")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.ToolsSubscriptionKey == "" {
		missing = append(missing, "TOOLS_SUBSCRIPTION_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment: %s", strings.Join(missing, ", "))
	}
	switch c.StateStoreDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown STATE_STORE_DRIVER %q", c.StateStoreDriver)
	}
	switch c.BlobStoreType {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown BLOB_STORE_TYPE %q", c.BlobStoreType)
	}
	if len(c.ProviderPool) < 3 {
		return fmt.Errorf("config: COMMITTEE_PROVIDER_POOL needs at least 3 providers, got %d", len(c.ProviderPool))
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.CustomerFuzzyHigh <= 0 || c.CustomerFuzzyHigh > 1 {
		return fmt.Errorf("config: CUSTOMER_FUZZY_HIGH must be in (0, 1]")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getMillis(key string, defMs int64) time.Duration {
	return time.Duration(getInt64(key, defMs)) * time.Millisecond
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

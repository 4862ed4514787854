// Package config provides runtime configuration values for the service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Marketplace modes.
const (
	ModeLive     = "live"
	ModeSandbox  = "sandbox"
	ModeScripted = "scripted"
)

// Marketplace holds the per-marketplace adapter settings.
type Marketplace struct {
	Enabled     bool          `yaml:"enabled"`
	Mode        string        `yaml:"mode"`
	BaseURL     string        `yaml:"base_url"`
	TokenURL    string        `yaml:"token_url"`
	MaxAttempts int           `yaml:"max_attempts"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`

	// eBay business policies and inventory location.
	FulfillmentPolicyID string `yaml:"fulfillment_policy_id"`
	PaymentPolicyID     string `yaml:"payment_policy_id"`
	ReturnPolicyID      string `yaml:"return_policy_id"`
	MerchantLocationKey string `yaml:"merchant_location_key"`
	CategoryID          string `yaml:"category_id"`

	// Amazon selling partner.
	SellerID      string `yaml:"seller_id"`
	MarketplaceID string `yaml:"marketplace_id"`
	ProductType   string `yaml:"product_type"`
}

// Retry configures the retry scheduler backoff.
type Retry struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config holds configuration knobs for HTTP server, workers and the sync engine.
type Config struct {
	HTTPAddr                string        `yaml:"http_addr"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	InitialWorkerCount      int           `yaml:"worker_count"`
	WorkerMin               int           `yaml:"worker_min"`
	WorkerMax               int           `yaml:"worker_max"`
	ScaleInterval           time.Duration `yaml:"scale_interval"`
	ScaleUpBacklogPerWorker int           `yaml:"scale_up_backlog_per_worker"`
	ScaleDownIdleTicks      int           `yaml:"scale_down_idle_ticks"`
	QueueHighWatermark      int           `yaml:"queue_high_watermark"`

	Retry Retry `yaml:"retry"`

	LedgerBackend string `yaml:"ledger_backend"`
	DatabaseURL   string `yaml:"database_url"`

	LockBackend string        `yaml:"lock_backend"`
	RedisAddr   string        `yaml:"redis_addr"`
	LockTTL     time.Duration `yaml:"lock_ttl"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	EBay   Marketplace `yaml:"ebay"`
	Amazon Marketplace `yaml:"amazon"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatenv(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func listenv(key string) []string {
	var out []string
	for _, s := range strings.Split(getenv(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

func marketplaceEnv(prefix string, maxAttempts int, rate float64) Marketplace {
	return Marketplace{
		Enabled:      boolenv(prefix+"_ENABLED", true),
		Mode:         strings.ToLower(getenv(prefix+"_MODE", ModeScripted)),
		BaseURL:      getenv(prefix+"_BASE_URL", ""),
		TokenURL:     getenv(prefix+"_TOKEN_URL", ""),
		MaxAttempts:  atoienv(prefix+"_MAX_ATTEMPTS", maxAttempts),
		CallTimeout:  durenvms(prefix+"_CALL_TIMEOUT_MS", 20000),
		RatePerSec:   floatenv(prefix+"_RATE_PER_SEC", rate),
		Burst:        atoienv(prefix+"_BURST", 1),
		ClientID:     getenv(prefix+"_CLIENT_ID", ""),
		ClientSecret: getenv(prefix+"_CLIENT_SECRET", ""),
		RefreshToken: getenv(prefix+"_REFRESH_TOKEN", ""),
	}
}

// Load collects configuration from environment with defaults, then applies
// the YAML document named by CONFIG_FILE on top when set.
func Load() (Config, error) {
	minWorkers := atoienv("WORKER_MIN", 2)
	maxWorkers := atoienv("WORKER_MAX", 8)
	initialWorkers := atoienv("WORKER_COUNT", minWorkers)

	ebay := marketplaceEnv("EBAY", 5, 5)
	ebay.FulfillmentPolicyID = getenv("EBAY_FULFILLMENT_POLICY_ID", "")
	ebay.PaymentPolicyID = getenv("EBAY_PAYMENT_POLICY_ID", "")
	ebay.ReturnPolicyID = getenv("EBAY_RETURN_POLICY_ID", "")
	ebay.MerchantLocationKey = getenv("EBAY_MERCHANT_LOCATION_KEY", "")
	ebay.CategoryID = getenv("EBAY_CATEGORY_ID", "")

	amazon := marketplaceEnv("AMAZON", 3, 1)
	amazon.SellerID = getenv("AMAZON_SELLER_ID", "")
	amazon.MarketplaceID = getenv("AMAZON_MARKETPLACE_ID", "ATVPDKIKX0DER")
	amazon.ProductType = getenv("AMAZON_PRODUCT_TYPE", "PRODUCT")

	c := Config{
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:         durenvs("SHUTDOWN_TIMEOUT", 15),
		InitialWorkerCount:      initialWorkers,
		WorkerMin:               minWorkers,
		WorkerMax:               maxWorkers,
		ScaleInterval:           durenvms("SCALE_INTERVAL_MS", 500),
		ScaleUpBacklogPerWorker: atoienv("SCALE_UP_BACKLOG_PER_WORKER", 20),
		ScaleDownIdleTicks:      atoienv("SCALE_DOWN_IDLE_TICKS", 6),
		QueueHighWatermark:      atoienv("QUEUE_HIGH_WATERMARK", 5000),
		Retry: Retry{
			BaseDelay:    durenvms("RETRY_BASE_DELAY_MS", 2000),
			MaxDelay:     durenvms("RETRY_MAX_DELAY_MS", 300000),
			Jitter:       floatenv("RETRY_JITTER", 0.5),
			PollInterval: durenvms("RETRY_POLL_MS", 250),
		},
		LedgerBackend: strings.ToLower(getenv("LEDGER_BACKEND", "memory")),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LockBackend:   strings.ToLower(getenv("LOCK_BACKEND", "local")),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		LockTTL:       durenvms("LOCK_TTL_MS", 30000),
		KafkaBrokers:  listenv("KAFKA_BROKERS"),
		KafkaTopic:    getenv("KAFKA_TOPIC", "marketplace.sync.events"),
		EBay:          ebay,
		Amazon:        amazon,
	}

	if path := getenv("CONFIG_FILE", ""); path != "" {
		if err := LoadFile(path, &c); err != nil {
			return Config{}, err
		}
	}
	return c, c.Validate()
}

// LoadFile decodes the YAML document at path onto c. Keys absent from the
// document keep their current values.
func LoadFile(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.WorkerMin < 1 || c.WorkerMax < c.WorkerMin {
		return fmt.Errorf("invalid worker bounds %d..%d", c.WorkerMin, c.WorkerMax)
	}
	switch c.LedgerBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	if c.LockBackend != "local" && c.LockBackend != "redis" {
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	for name, m := range map[string]Marketplace{"ebay": c.EBay, "amazon": c.Amazon} {
		if !m.Enabled {
			continue
		}
		switch m.Mode {
		case ModeLive, ModeSandbox, ModeScripted:
		default:
			return fmt.Errorf("%s: unknown mode %q", name, m.Mode)
		}
		if m.MaxAttempts < 0 {
			return fmt.Errorf("%s: max_attempts must not be negative", name)
		}
	}
	return nil
}

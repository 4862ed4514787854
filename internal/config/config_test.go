package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "SHUTDOWN_TIMEOUT", "WORKER_MIN", "WORKER_MAX", "WORKER_COUNT",
		"SCALE_INTERVAL_MS", "SCALE_UP_BACKLOG_PER_WORKER", "SCALE_DOWN_IDLE_TICKS", "QUEUE_HIGH_WATERMARK",
		"RETRY_BASE_DELAY_MS", "RETRY_MAX_DELAY_MS", "RETRY_JITTER", "LEDGER_BACKEND", "LOCK_BACKEND",
		"KAFKA_BROKERS", "EBAY_MAX_ATTEMPTS", "AMAZON_MAX_ATTEMPTS", "EBAY_MODE", "AMAZON_MODE", "CONFIG_FILE"} {
		t.Setenv(k, "")
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr default")
	}
	if c.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout default")
	}
	if c.WorkerMin != 2 || c.WorkerMax != 8 || c.InitialWorkerCount != 2 {
		t.Fatalf("worker bounds default")
	}
	if c.ScaleInterval != 500*time.Millisecond {
		t.Fatalf("ScaleInterval default")
	}
	if c.ScaleUpBacklogPerWorker != 20 || c.ScaleDownIdleTicks != 6 {
		t.Fatalf("scale thresholds default")
	}
	if c.Retry.BaseDelay != 2*time.Second || c.Retry.MaxDelay != 5*time.Minute || c.Retry.Jitter != 0.5 {
		t.Fatalf("retry default: %+v", c.Retry)
	}
	if c.LedgerBackend != "memory" || c.LockBackend != "local" || len(c.KafkaBrokers) != 0 {
		t.Fatalf("backend defaults")
	}
	if c.EBay.MaxAttempts != 5 || c.Amazon.MaxAttempts != 3 {
		t.Fatalf("max attempts default")
	}
	if c.EBay.Mode != ModeScripted || c.Amazon.MarketplaceID != "ATVPDKIKX0DER" {
		t.Fatalf("marketplace defaults: %+v %+v", c.EBay, c.Amazon)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("SHUTDOWN_TIMEOUT", "2")
	t.Setenv("WORKER_MIN", "2")
	t.Setenv("WORKER_MAX", "3")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("RETRY_BASE_DELAY_MS", "10")
	t.Setenv("RETRY_JITTER", "0")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AMAZON_MAX_ATTEMPTS", "7")
	t.Setenv("AMAZON_RATE_PER_SEC", "0.5")
	t.Setenv("EBAY_ENABLED", "false")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":9090" || c.ShutdownTimeout != 2*time.Second {
		t.Fatalf("http env")
	}
	if c.WorkerMin != 2 || c.WorkerMax != 3 || c.InitialWorkerCount != 3 {
		t.Fatalf("workers env")
	}
	if c.Retry.BaseDelay != 10*time.Millisecond || c.Retry.Jitter != 0 {
		t.Fatalf("retry env: %+v", c.Retry)
	}
	if len(c.KafkaBrokers) != 2 || c.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers env: %v", c.KafkaBrokers)
	}
	if c.Amazon.MaxAttempts != 7 || c.Amazon.RatePerSec != 0.5 || c.EBay.Enabled {
		t.Fatalf("marketplace env")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
http_addr: ":7070"
retry:
  base_delay: 500ms
ebay:
  mode: sandbox
  max_attempts: 2
  category_id: "31388"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("AMAZON_MAX_ATTEMPTS", "")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":7070" {
		t.Fatalf("file should override env, got %s", c.HTTPAddr)
	}
	if c.Retry.BaseDelay != 500*time.Millisecond {
		t.Fatalf("duration from yaml: %v", c.Retry.BaseDelay)
	}
	if c.EBay.Mode != ModeSandbox || c.EBay.MaxAttempts != 2 || c.EBay.CategoryID != "31388" {
		t.Fatalf("ebay overlay: %+v", c.EBay)
	}
	if c.Amazon.MaxAttempts != 3 {
		t.Fatalf("untouched keys must keep defaults")
	}
}

func TestValidateRejectsBadBackends(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing DATABASE_URL to fail")
	}
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("EBAY_MODE", "bogus")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

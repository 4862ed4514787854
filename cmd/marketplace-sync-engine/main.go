// Package main boots the marketplace sync engine HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/config"
	httpapi "github.com/fairyhunter13/marketplace-sync-engine/internal/http"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/keylock"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace/amazon"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace/ebay"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/notify"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/orchestrator"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/queue"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// backend is what both ledger implementations provide.
type backend interface {
	store.Ledger
	store.RequestLog
}

func main() {
	obs.InitLogger()
	cfg, err := config.Load()
	if err != nil {
		obs.Logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	obs.Logger.Info("service_starting", "ledger", cfg.LedgerBackend, "lock", cfg.LockBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		obs.Logger.Error("ledger_open_failed", "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	locker, closeLocker := openLocker(cfg)
	defer closeLocker()

	publisher, closePublisher := openPublisher(cfg)
	defer closePublisher()

	adapters := buildAdapters(cfg, ledger)
	if len(adapters) == 0 {
		obs.Logger.Error("no_marketplace_enabled")
		os.Exit(1)
	}

	engine := orchestrator.New(orchestrator.Options{
		Ledger:    ledger,
		Adapters:  adapters,
		Locker:    locker,
		Publisher: publisher,
		Retry:     queue.NewPolicy(cfg),
	})
	mgr := queue.NewManager(cfg, queue.New(128), engine, ledger)
	engine.SetScheduler(mgr)
	if n, err := mgr.Recover(ctx); err != nil {
		obs.Logger.Error("retry_recovery_failed", "error", err)
	} else if n > 0 {
		obs.Logger.Info("retry_recovery_complete", "tasks", n)
	}
	mgr.Start(ctx)

	app := httpapi.NewApp(cfg, engine, ledger, mgr)
	mux := httpapi.NewRouter(app)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// an intent waits for its whole fan-out
		WriteTimeout: 2 * maxCallTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr, "marketplaces", fmt.Sprint(engine.Marketplaces()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Logger.Error("http_server_error", "error", err)
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigc
	obs.Logger.Info("shutdown_signal", "signal", s.String())

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin", "backlog_size", mgr.BacklogSize(), "worker_count", mgr.WorkerCount())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := mgr.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout")
	} else {
		obs.Logger.Info("shutdown_drain_complete", "scheduled_retries", mgr.BacklogSize())
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	mgr.Stop()
	obs.Logger.Info("service_stopped")
}

func openLedger(ctx context.Context, cfg config.Config) (backend, func(), error) {
	if cfg.LedgerBackend != "postgres" {
		return store.New(), func() {}, nil
	}
	db, err := store.InitDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

func openLocker(cfg config.Config) (keylock.Locker, func()) {
	if cfg.LockBackend != "redis" {
		return keylock.NewLocal(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return keylock.NewRedis(client, cfg.LockTTL), func() { _ = client.Close() }
}

func openPublisher(cfg config.Config) (notify.Publisher, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		return notify.Log{}, func() {}
	}
	k := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
	return k, func() {
		if err := k.Close(); err != nil {
			obs.Logger.Error("kafka_close_failed", "error", err)
		}
	}
}

func buildAdapters(cfg config.Config, log store.RequestLog) []marketplace.Adapter {
	var out []marketplace.Adapter
	if m := cfg.EBay; m.Enabled {
		if m.Mode == config.ModeScripted {
			out = append(out, marketplace.NewScripted(model.EBay, log))
		} else {
			out = append(out, ebay.New(ebay.Config{
				BaseURL:             m.BaseURL,
				TokenURL:            m.TokenURL,
				Sandbox:             m.Mode == config.ModeSandbox,
				ClientID:            m.ClientID,
				ClientSecret:        m.ClientSecret,
				RefreshToken:        m.RefreshToken,
				FulfillmentPolicyID: m.FulfillmentPolicyID,
				PaymentPolicyID:     m.PaymentPolicyID,
				ReturnPolicyID:      m.ReturnPolicyID,
				MerchantLocationKey: m.MerchantLocationKey,
				CategoryID:          m.CategoryID,
				Timeout:             m.CallTimeout,
				RatePerSec:          m.RatePerSec,
				Burst:               m.Burst,
			}, log))
		}
		obs.Logger.Info("marketplace_enabled", "marketplace", model.EBay, "mode", m.Mode, "max_attempts", m.MaxAttempts)
	}
	if m := cfg.Amazon; m.Enabled {
		if m.Mode == config.ModeScripted {
			out = append(out, marketplace.NewScripted(model.Amazon, log))
		} else {
			out = append(out, amazon.New(amazon.Config{
				BaseURL:       m.BaseURL,
				TokenURL:      m.TokenURL,
				Sandbox:       m.Mode == config.ModeSandbox,
				ClientID:      m.ClientID,
				ClientSecret:  m.ClientSecret,
				RefreshToken:  m.RefreshToken,
				SellerID:      m.SellerID,
				MarketplaceID: m.MarketplaceID,
				ProductType:   m.ProductType,
				Timeout:       m.CallTimeout,
				RatePerSec:    m.RatePerSec,
				Burst:         m.Burst,
			}, log))
		}
		obs.Logger.Info("marketplace_enabled", "marketplace", model.Amazon, "mode", m.Mode, "max_attempts", m.MaxAttempts)
	}
	return out
}

func maxCallTimeout(cfg config.Config) time.Duration {
	d := 30 * time.Second
	for _, m := range []config.Marketplace{cfg.EBay, cfg.Amazon} {
		// eBay listing takes up to four sequential calls
		if t := 4 * m.CallTimeout; t > d {
			d = t
		}
	}
	return d
}

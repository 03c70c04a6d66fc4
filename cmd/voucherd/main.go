package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/api"
	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/contract"
	"github.com/0gfoundation/0g-voucher/internal/ledger"
	"github.com/0gfoundation/0g-voucher/internal/settler"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	policy, _ := cfg.InitPolicy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (queue, receipts, nonces; ledger when backend=redis) ─────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Merchant account bootstrap (optional) ─────────────────────────────────
	if cfg.WaitForMerchant() {
		if err := waitForMerchant(ctx, cfg, log); err != nil {
			log.Fatal("merchant account wait failed", zap.Error(err))
		}
	}

	// ── Ledger + contract ─────────────────────────────────────────────────────
	l, closeLedger, err := ledger.Open(cfg, rdb)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	defer closeLedger()
	registry := contract.New(l, policy, log)
	log.Info("ledger ready",
		zap.String("backend", cfg.Ledger.Backend),
		zap.String("init_policy", policy.String()),
	)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go settler.Run(ctx, cfg, rdb, registry, log)
	if comp, ok := l.(ledger.Compactor); ok {
		go ledger.RunCompactor(ctx, cfg, comp, log)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(registry, rdb, log),
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// newRouter mounts the health check and the registry API.
func newRouter(registry *contract.Contract, rdb *redis.Client, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.NewHandler(registry, rdb, log).Register(r.Group("/api"))
	return r
}

// waitForMerchant blocks until the configured merchant account exists on
// chain.
func waitForMerchant(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	addr := common.HexToAddress(cfg.Chain.MerchantAddress)
	info, err := chain.WaitUntilAccountExists(ctx, eth, addr, chain.WaitOptions{
		RequireCode: cfg.Chain.RequireCode,
		Interval:    time.Duration(cfg.Chain.PollIntervalSec) * time.Second,
		OnMissing: func(attempt int, err error) {
			log.Info("merchant account does not exist yet",
				zap.String("address", addr.Hex()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		return err
	}
	log.Info("merchant account found",
		zap.String("address", addr.Hex()),
		zap.Uint64("nonce", info.Nonce),
		zap.String("balance", info.Balance.String()),
	)
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	multisettle "github.com/x402-foundation/multisettle"
	"github.com/x402-foundation/multisettle/chain/evm"
	"github.com/x402-foundation/multisettle/config"
	"github.com/x402-foundation/multisettle/httpapi"
	"github.com/x402-foundation/multisettle/obs"
	"github.com/x402-foundation/multisettle/store/memory"
	"github.com/x402-foundation/multisettle/store/postgres"
	"github.com/x402-foundation/multisettle/verifier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	log := obs.InitLogger(cfg.LogLevel, cfg.Development)
	defer log.Sync()
	obs.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		auths       multisettle.AuthorizationStore
		settlements multisettle.SettlementRecordStore
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		auths = pg
		settlements = pg.Settlements()
		log.Info("using postgres store")
	} else {
		mem := memory.New()
		auths = mem
		settlements = mem.Settlements()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	executor, err := evm.NewExecutor(cfg.OperatorPrivateKey, cfg.RPCEndpoints, log)
	if err != nil {
		log.Fatal("failed to create chain executor", zap.Error(err))
	}
	defer executor.Close()

	registry := multisettle.NewExecutorRegistry()
	for _, network := range executor.Networks() {
		registry.Register(network, executor)
	}

	engine := multisettle.NewEngine(auths, settlements,
		verifier.NewClient(verifier.Config{URL: cfg.FacilitatorURL}),
		registry,
		multisettle.WithSettleCache(multisettle.NewSettleCache(cfg.SettleCacheTTL)))
	engine.OnSettle(func(e multisettle.SettleEvent) {
		obs.RecordSettlement(string(e.Network), e.Success)
		if e.Success {
			log.Info("settlement completed",
				zap.String("authorizationId", e.AuthorizationID),
				zap.String("settlementId", e.SettlementID),
				zap.String("amount", e.Amount.String()),
				zap.String("remaining", e.Remaining.String()),
				zap.String("txHash", e.TxHash))
		} else {
			log.Warn("settlement failed",
				zap.String("authorizationId", e.AuthorizationID),
				zap.String("settlementId", e.SettlementID),
				zap.String("reason", e.ErrorReason))
		}
	})

	go runExpirySweep(ctx, engine, cfg.ExpirySweepInterval, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewServer(engine, cfg.JWTSecret, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("facilitator", cfg.FacilitatorURL),
			zap.String("operator", executor.OperatorAddress()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// runExpirySweep periodically flips overdue authorizations. Correctness does
// not depend on it; reads and reservations expire lazily.
func runExpirySweep(ctx context.Context, engine *multisettle.Engine, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireDue(ctx)
			if err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				obs.RecordExpired(n)
				log.Info("expired authorizations", zap.Int("count", n))
			}
		}
	}
}

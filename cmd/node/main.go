package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/params"
	"metricdex/pkg/api"
	"metricdex/pkg/core/factory"
	"metricdex/pkg/core/router"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/events"
	"metricdex/pkg/metrics"
	"metricdex/pkg/oracle"
	"metricdex/pkg/storage"
	"metricdex/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("node_starting", zap.String("data_dir", cfg.Node.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin := common.HexToAddress(cfg.Exchange.Admin)
	treasury := common.HexToAddress(cfg.Exchange.Treasury)
	settler := common.HexToAddress(cfg.Exchange.Settler)

	bus := events.NewBus()
	clock := util.RealClock{}

	v, err := vault.NewWithStore(admin, filepath.Join(cfg.Node.DataDir, "vault"), logger)
	if err != nil {
		logger.Fatal("vault", zap.Error(err))
	}
	defer v.Close()

	store, err := storage.NewStore(filepath.Join(cfg.Node.DataDir, "exchange"))
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer store.Close()
	go storage.NewWriter(store, bus, logger).Run(ctx)

	orc := oracle.NewManual(cfg.Exchange.OracleWindow, clock, logger)
	rtr := router.New(bus, clock, logger)
	f := factory.New(factory.Config{
		Admin:       admin,
		Treasury:    treasury,
		Settler:     settler,
		CreationFee: cfg.Exchange.CreationFee,
	}, v, orc, rtr, bus, clock, logger)

	if cfg.Node.MarketsFile != "" {
		n, err := f.LoadMarketsFile(cfg.Node.MarketsFile)
		if err != nil {
			logger.Fatal("markets_seed", zap.Error(err))
		}
		logger.Info("markets_seeded", zap.Int("count", n))
	}

	m := metrics.New()
	go m.Run(ctx, bus)
	go func() {
		if err := m.Serve(ctx, cfg.Node.MetricsAddr, logger); err != nil {
			logger.Error("metrics_server", zap.Error(err))
		}
	}()

	// Housekeeping: reap expired GTD orders and close out markets whose
	// trading window has passed.
	go func() {
		ticker := time.NewTicker(cfg.Node.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rtr.SweepExpired()
				orc.Tick()
				for _, b := range f.ListMarkets() {
					if b.MaybeEndTrading() && b.Config().AutoSettle {
						if err := b.RequestSettlement(); err != nil {
							logger.Warn("auto_settlement_request",
								zap.String("market", b.Config().MarketID), zap.Error(err))
						}
					}
				}
			}
		}
	}()

	srv := api.NewServer(rtr, f, v, bus, clock, cfg.Node.AllowedOrigins, logger)
	if err := srv.Run(ctx, cfg.Node.APIAddr); err != nil {
		logger.Error("api_server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("node_stopped")
}

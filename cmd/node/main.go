package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wattlane/wattlane/params"
	"github.com/wattlane/wattlane/pkg/api"
	"github.com/wattlane/wattlane/pkg/app/core/events"
	"github.com/wattlane/wattlane/pkg/app/core/manager"
	"github.com/wattlane/wattlane/pkg/app/core/market"
	"github.com/wattlane/wattlane/pkg/app/core/marketdata"
	"github.com/wattlane/wattlane/pkg/storage"
	"github.com/wattlane/wattlane/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("node starting", zap.String("ledger", cfg.Ledger.Path))

	ledger, err := storage.OpenTradeLedger(cfg.Ledger.Path)
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}
	defer ledger.Close()

	clock := util.RealClock{}
	registry := market.NewRegistry()
	bcast := events.NewBroadcaster(cfg.Events.SubscriberBuffer, logger)
	agg := marketdata.NewAggregator(clock, 24*time.Hour)

	engine := manager.NewEngine(registry, ledger, bcast, agg, manager.Options{
		SweepInterval: cfg.Trading.SweepInterval,
		LedgerQueue:   cfg.Ledger.QueueSize,
	}, clock, logger)
	defer engine.Close()

	for _, name := range cfg.Node.Markets {
		key, err := market.ParseKey(name)
		if err != nil {
			logger.Fatal("bad market in config", zap.String("market", name), zap.Error(err))
		}
		m, err := market.New(key,
			cfg.Trading.MaxOrderKWh,
			cfg.Trading.MaxPrice,
			cfg.Fees.MakerBps,
			cfg.Fees.TakerBps,
			cfg.Fees.GridBpsFor(key.Location),
		)
		if err != nil {
			logger.Fatal("bad market params", zap.String("market", name), zap.Error(err))
		}
		if err := engine.OpenMarket(m); err != nil {
			logger.Fatal("open market", zap.String("market", name), zap.Error(err))
		}
		logger.Info("market open", zap.String("market", key.String()))
	}

	hub := api.NewHub(bcast, logger)
	server := api.NewServer(engine, registry, ledger, hub, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Node.ListenAddr) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("api server stopped", zap.Error(err))
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}
}

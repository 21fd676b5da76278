package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sfrdragon/11-19-strat/config"
	"github.com/sfrdragon/11-19-strat/internal/adapters/binancebroker"
	"github.com/sfrdragon/11-19-strat/internal/adapters/clock"
	"github.com/sfrdragon/11-19-strat/internal/adapters/logger"
	"github.com/sfrdragon/11-19-strat/internal/adapters/sqlite"
	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/engine"
	"github.com/sfrdragon/11-19-strat/internal/health"
	"github.com/sfrdragon/11-19-strat/internal/liquidation"
	"github.com/sfrdragon/11-19-strat/internal/protection"
	"github.com/sfrdragon/11-19-strat/internal/reversal"
	"github.com/sfrdragon/11-19-strat/internal/risk"
	"github.com/sfrdragon/11-19-strat/internal/signal"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	instr := domain.Instrument{
		Symbol:   cfg.Symbol,
		TickSize: cfg.TickSize,
		LotStep:  cfg.LotStep,
		MinQty:   cfg.MinQuantity,
	}

	// 3. Initialize Event Journal
	journal, err := sqlite.NewJournal(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize event journal")
		log.Fatalf("FATAL: Failed to initialize event journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing event journal")
		}
	}()

	// 4. Initialize Broker (Binance Adapter)
	broker, err := binancebroker.New(binancebroker.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		TickSize:             cfg.TickSize,
		KlineInterval:        cfg.KlineInterval,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance broker")
		log.Fatalf("FATAL: Failed to initialize Binance broker: %v", err)
	}
	appLogger.Info(context.Background(), "Binance broker initialized")

	clk := clock.New()

	// 5. Risk layer
	calculator, err := risk.NewCalculator(risk.CalculatorConfig{
		FallbackStopTicks: cfg.FallbackStopTicks,
		MinDistanceTicks:  cfg.MinDistanceTicks,
		RewardRatio:       cfg.RewardRatio,
	}, instr)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price calculator")
		log.Fatalf("FATAL: Failed to initialize price calculator: %v", err)
	}
	guard := risk.NewGuard(risk.GuardConfig{
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxOpenPositions: cfg.MaxOpenPositions,
	})

	// 6. Protection stack
	placer, err := protection.NewPlacer(protection.PlacerConfig{
		MaxAttempts:     cfg.PlacementMaxAttempts,
		BackoffMin:      cfg.PlacementBackoffMin,
		BackoffMax:      cfg.PlacementBackoffMax,
		ValidateTimeout: cfg.ValidateTimeout,
	}, broker, clk, appLogger, instr)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize protective order placer")
		log.Fatalf("FATAL: Failed to initialize protective order placer: %v", err)
	}

	liquidator, err := liquidation.New(liquidation.Config{
		MaxMarketAttempts: cfg.LiquidationMaxAttempts,
		RetryDelay:        cfg.LiquidationRetryDelay,
		VerifyPolls:       cfg.LiquidationVerifyPolls,
	}, broker, clk, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize liquidator")
		log.Fatalf("FATAL: Failed to initialize liquidator: %v", err)
	}

	enforcer := protection.NewEnforcer(protection.EnforcerConfig{}, placer, liquidator, calculator, broker, clk, appLogger)

	monitor, err := health.NewMonitor(health.Config{
		MaxRepairAttempts:   cfg.MaxRepairAttempts,
		EmergencyAfter:      cfg.EmergencyAfter,
		OrphanSweepInterval: cfg.OrphanSweepInterval,
	}, placer, liquidator, calculator, broker, clk, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize health monitor")
		log.Fatalf("FATAL: Failed to initialize health monitor: %v", err)
	}

	// 7. Session guard and signal provider
	session, err := signal.NewSession(signal.SessionConfig{
		StartHour: cfg.SessionStartHour,
		EndHour:   cfg.SessionEndHour,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize session guard")
		log.Fatalf("FATAL: Failed to initialize session guard: %v", err)
	}
	signals, err := signal.NewPivotBreakout(signal.PivotConfig{
		BreakoutTicks: cfg.BreakoutTicks,
		TickSize:      cfg.TickSize,
	}, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal provider")
		log.Fatalf("FATAL: Failed to initialize signal provider: %v", err)
	}

	// 8. Reversal coordinator
	coordinator, err := reversal.NewCoordinator(reversal.Config{
		CancelBeforeSubmit: cfg.ReversalCancelBeforeSubmit,
		NewPositionWait:    cfg.ReversalNewPositionWait,
		AbandonAfter:       cfg.ReversalAbandonAfter,
	}, broker, placer, liquidator, calculator, enforcer, guard, session, clk, appLogger, journal)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize reversal coordinator")
		log.Fatalf("FATAL: Failed to initialize reversal coordinator: %v", err)
	}

	// 9. Engine
	eng, err := engine.New(engine.Config{
		HealthInterval: cfg.HealthInterval,
		EntryQuantity:  cfg.EntryQuantity,
	}, appLogger, broker, broker, broker, signals, session, placer, enforcer, monitor, liquidator, coordinator, calculator, guard, journal, clk)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine")
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	// 10. Metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			appLogger.Error(context.Background(), err, "Metrics endpoint stopped")
		}
	}()

	// 11. Run
	if err := eng.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Engine exited with error")
		log.Fatalf("FATAL: Engine exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

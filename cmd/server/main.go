package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/retrograde/internal/config"
	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/engine"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/modules/bonds"
	"github.com/aristath/retrograde/internal/modules/cashflows"
	"github.com/aristath/retrograde/internal/modules/corporate"
	"github.com/aristath/retrograde/internal/modules/indexfunds"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/loans"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/modules/pricing"
	"github.com/aristath/retrograde/internal/modules/retention"
	"github.com/aristath/retrograde/internal/modules/trading"
	"github.com/aristath/retrograde/internal/modules/views"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/reliability"
	"github.com/aristath/retrograde/internal/scheduler"
	"github.com/aristath/retrograde/internal/server"
	"github.com/aristath/retrograde/internal/simclock"
	"github.com/aristath/retrograde/pkg/logger"
)

// accountID is the single player account of a savegame.
const accountID = "player"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Retrograde")

	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	for _, db := range []*database.DB{stateDB, ledgerDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to run migrations")
		}
	}

	cat, err := refdata.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load reference data")
	}

	// Simulation core.
	clock := simclock.New(cfg.StartAt, cat.Halts(), log)
	overlay := pricing.NewOverlay(cat.CrashScenarios(), log)
	prices := pricing.NewEngine(cat, overlay, cfg.Seed, log)
	bondSvc := bonds.NewService(cat)
	funds := indexfunds.NewService(cat, prices)

	accounts := portfolio.NewRepository(stateDB.Conn(), log)
	if err := accounts.EnsureAccount(accountID, "Player", domain.Cents(cfg.StartCash), cfg.StartAt); err != nil {
		log.Fatal().Err(err).Msg("Failed to create account")
	}
	avail := availability.NewService(stateDB.Conn(), cat, cfg.Seed, log)
	if err := avail.Seed(cfg.StartAt); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed share availability")
	}

	led := ledger.NewRepository(ledgerDB.Conn(), log)
	loanSvc := loans.NewService(stateDB.Conn(), cat, accounts, led, log)
	valuation := portfolio.NewService(accounts, prices, bondSvc, funds, loanSvc, log)
	orders := trading.NewOrderRepository(stateDB.Conn())
	gate := trading.NewGate(clock, cat, prices, bondSvc, funds, avail, accounts, valuation, led, orders, 0, log)
	corp := corporate.NewProcessor(cat, avail, accounts, led, prices, log)
	flows := cashflows.NewScheduler(stateDB.Conn(), cat, prices, funds, overlay, accounts, avail, led, loanSvc, cfg.StartAt, log)

	eng := engine.New(clock, prices, overlay, corp, flows, gate, led, stateDB.Conn(), accountID, log)
	loaded, err := eng.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to restore savegame")
	}
	if loaded {
		log.Info().Time("sim_now", eng.Now()).Msg("Resuming savegame")
	} else {
		log.Info().Time("sim_now", cfg.StartAt).Msg("Starting fresh savegame")
	}
	eng.Start()
	defer eng.Stop()

	viewSvc := views.NewService(cat, prices, funds, avail, cfg.Seed, log)
	retSvc := retention.NewService(stateDB.Conn(), ledgerDB.Conn(), log)

	// Wall-clock background jobs.
	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", scheduler.NewMaintenanceJob([]*database.DB{stateDB, ledgerDB}, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance job")
	}
	if err := sched.AddJob("@every 6h", scheduler.NewRetentionJob(retSvc, clock, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register retention job")
	}

	var backupSvc *reliability.BackupService
	if cfg.Backup.Enabled() {
		s3, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure backup storage")
		}
		backupSvc = reliability.NewBackupService(s3, []*database.DB{stateDB, ledgerDB}, cfg.DataDir, log)
		if err := sched.AddJob("0 0 */6 * * *", scheduler.NewBackupJob(backupSvc, 30, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Deps{
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		AccountID: accountID,
		DataDir:   cfg.DataDir,
		Engine:    eng,
		Clock:     clock,
		Catalog:   cat,
		Views:     viewSvc,
		Valuation: valuation,
		Loans:     loanSvc,
		Retention: retSvc,
		Backup:    backupSvc,
		Databases: []*database.DB{stateDB, ledgerDB},
		Log:       log,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
}

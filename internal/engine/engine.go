// Package engine drives the simulation: it owns the tick loop that
// advances the virtual clock, runs the per-tick batch (corporate events,
// scheduled cashflows, pending orders) and persists the savegame. Every
// mutation of shared state funnels through the engine's single lock, so
// handlers never race the tick loop.
package engine

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/cashflows"
	"github.com/aristath/retrograde/internal/modules/corporate"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/pricing"
	"github.com/aristath/retrograde/internal/modules/trading"
	"github.com/aristath/retrograde/internal/simclock"
)

// tickInterval is the wall-clock cadence of the loop. Each tick advances
// simulated time by tickInterval times the clock multiplier.
const tickInterval = time.Second

// Engine orchestrates the simulation loop and the command surface.
type Engine struct {
	clock     *simclock.Clock
	prices    *pricing.Engine
	overlay   *pricing.Overlay
	corporate *corporate.Processor
	cashflows *cashflows.Scheduler
	gate      *trading.Gate
	ledger    *ledger.Repository
	stateDB   *sql.DB
	accountID string
	log       zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New wires the engine. The account is the single player account every
// batch runs against.
func New(clock *simclock.Clock, prices *pricing.Engine, overlay *pricing.Overlay,
	corp *corporate.Processor, flows *cashflows.Scheduler, gate *trading.Gate,
	led *ledger.Repository, stateDB *sql.DB, accountID string, log zerolog.Logger) *Engine {
	return &Engine{
		clock:     clock,
		prices:    prices,
		overlay:   overlay,
		corporate: corp,
		cashflows: flows,
		gate:      gate,
		ledger:    led,
		stateDB:   stateDB,
		accountID: accountID,
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// Start launches the tick loop. Stop shuts it down and flushes state.
func (e *Engine) Start() {
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop()
	e.log.Info().Int64("multiplier", e.clock.Multiplier()).
		Time("sim_now", e.clock.Now()).Msg("Engine started")
}

// Stop halts the loop, waits for the in-flight tick and saves.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveLocked(); err != nil {
		e.log.Error().Err(err).Msg("Failed to save on shutdown")
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.clock.Paused() {
				continue
			}
			e.Tick(tickInterval)
		}
	}
}

// Tick advances simulated time by one wall interval and runs the batch.
// Exposed so tests and catch-up paths can drive the loop directly.
func (e *Engine) Tick(wallDt time.Duration) {
	now := e.clock.AdvanceBy(wallDt)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.runBatchLocked(now)
}

// runBatchLocked applies everything due at now, in dependency order:
// corporate events reshape holdings before cashflows accrue on them, and
// pending orders evaluate against post-event prices. A failing stage is
// logged and skipped; the markers make the next tick retry it.
func (e *Engine) runBatchLocked(now time.Time) {
	if err := e.corporate.ProcessDue(e.accountID, now); err != nil {
		e.log.Error().Err(err).Msg("Corporate event batch failed")
	}
	if err := e.cashflows.Run(e.accountID, now); err != nil {
		e.log.Error().Err(err).Msg("Cashflow batch failed")
	}
	if err := e.gate.EvaluatePending(e.accountID); err != nil {
		e.log.Error().Err(err).Msg("Pending order sweep failed")
	}
	if err := e.saveLocked(); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist engine state")
	}
}

// savegame is the msgpack blob carrying state the relational tables do not:
// dynamically applied splits and cash overrides, plus the player-triggered
// crash scenarios and their deactivations. The market-controls trajectory is
// never persisted; the price engine re-derives it from the horizon so a
// restored process sees the exact prices the saving process saw.
type savegame struct {
	Splits        map[string][]pricing.SplitRecord `msgpack:"splits"`
	CashOverrides map[string]pricing.CashOverride  `msgpack:"cash_overrides"`
	Dynamic       []*domain.CrashScenario          `msgpack:"dynamic_scenarios"`
	Deactivations map[string]time.Time             `msgpack:"deactivations"`
}

func (e *Engine) saveLocked() error {
	blob, err := msgpack.Marshal(&savegame{
		Splits:        e.prices.Splits(),
		CashOverrides: e.prices.CashOverrides(),
		Dynamic:       e.overlay.DynamicScenarios(),
		Deactivations: e.overlay.Deactivations(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode savegame: %w", err)
	}

	paused := 0
	if e.clock.Paused() {
		paused = 1
	}
	marketPE, volEWMA := e.prices.ControlsSnapshot()

	_, err = e.stateDB.Exec(`INSERT INTO engine_state
		(id, sim_now, multiplier, paused, seed, market_pe, vol_ewma, blob, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sim_now = excluded.sim_now,
			multiplier = excluded.multiplier,
			paused = excluded.paused,
			seed = excluded.seed,
			market_pe = excluded.market_pe,
			vol_ewma = excluded.vol_ewma,
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		e.clock.Now().Unix(), e.clock.Multiplier(), paused, int64(e.prices.Seed()),
		marketPE, volEWMA, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write engine state: %w", err)
	}
	return nil
}

// Load restores a saved simulation into the clock, price engine and
// overlay. It returns false when no savegame exists yet.
func (e *Engine) Load() (bool, error) {
	var (
		simNow, multiplier, paused, seed int64
		blob                             []byte
	)
	err := e.stateDB.QueryRow(`SELECT sim_now, multiplier, paused, seed, blob
		FROM engine_state WHERE id = 1`).
		Scan(&simNow, &multiplier, &paused, &seed, &blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read engine state: %w", err)
	}
	if uint64(seed) != e.prices.Seed() {
		return false, fmt.Errorf("savegame seed %d does not match engine seed %d", uint64(seed), e.prices.Seed())
	}

	var sg savegame
	if err := msgpack.Unmarshal(blob, &sg); err != nil {
		return false, fmt.Errorf("failed to decode savegame: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clock.SetNow(time.Unix(simNow, 0).In(simclock.Eastern))
	e.clock.SetMultiplier(multiplier)
	if paused != 0 {
		e.clock.Pause()
	}

	e.prices.RestoreSplits(sg.Splits)
	e.prices.RestoreCashOverrides(sg.CashOverrides)
	for _, s := range sg.Dynamic {
		e.overlay.Restore(s)
	}
	for id, at := range sg.Deactivations {
		e.overlay.RestoreDeactivation(id, at)
	}

	e.log.Info().Time("sim_now", e.clock.Now()).Int64("multiplier", multiplier).
		Bool("paused", paused != 0).Msg("Savegame restored")
	return true, nil
}

// Now returns the current simulated instant.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Multiplier returns the current speed in game seconds per wall second.
func (e *Engine) Multiplier() int64 { return e.clock.Multiplier() }

// Paused reports whether the clock is frozen.
func (e *Engine) Paused() bool { return e.clock.Paused() }

// MarketOpen reports whether the market trades at the current instant.
func (e *Engine) MarketOpen() bool {
	now := e.clock.Now()
	return e.clock.IsMarketOpen(now)
}

// Pause freezes the clock and persists.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.Pause()
	return e.saveLocked()
}

// Resume unfreezes the clock and persists.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.Resume()
	return e.saveLocked()
}

// SetSpeed clamps x to a supported multiplier, applies it and persists.
// It returns the multiplier actually in effect.
func (e *Engine) SetSpeed(x int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	applied := e.clock.SetMultiplier(x)
	return applied, e.saveLocked()
}

// ExecuteTrade runs an order through the gate under the engine lock.
func (e *Engine) ExecuteTrade(order domain.Order) (*trading.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.ExecuteTrade(e.accountID, order)
}

// CancelOrder cancels a queued limit order.
func (e *Engine) CancelOrder(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.CancelOrder(id)
}

// PendingOrders lists the open limit orders.
func (e *Engine) PendingOrders() ([]domain.PendingOrder, error) {
	return e.gate.PendingOrders(e.accountID)
}

// TriggerCrash activates a crash scenario at the current instant, records
// the action in the audit log and persists.
func (e *Engine) TriggerCrash(id string) (*domain.CrashScenario, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	s, err := e.overlay.Trigger(id, now)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.RecordCrashAction(id, "triggered", now); err != nil {
		return nil, err
	}
	return s, e.saveLocked()
}

// DeactivateCrash ends a scenario's effect from the current instant on.
func (e *Engine) DeactivateCrash(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if err := e.overlay.Deactivate(id, now); err != nil {
		return err
	}
	if err := e.ledger.RecordCrashAction(id, "deactivated", now); err != nil {
		return err
	}
	return e.saveLocked()
}

// CrashStatuses reports every scenario's state at the current instant.
func (e *Engine) CrashStatuses() []pricing.ScenarioStatus {
	return e.overlay.Statuses(e.clock.Now())
}

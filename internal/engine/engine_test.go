package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/modules/bonds"
	"github.com/aristath/retrograde/internal/modules/cashflows"
	"github.com/aristath/retrograde/internal/modules/corporate"
	"github.com/aristath/retrograde/internal/modules/indexfunds"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/modules/pricing"
	"github.com/aristath/retrograde/internal/modules/trading"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

// openMarket is a Monday at 11:00 Eastern.
var openMarket = time.Date(1985, 6, 3, 11, 0, 0, 0, simclock.Eastern)

func marketBuy(symbol string, qty int64) domain.Order {
	return domain.Order{Symbol: symbol, Side: domain.SideBuy, Quantity: qty, Kind: domain.OrderMarket}
}

type stack struct {
	engine   *Engine
	clock    *simclock.Clock
	prices   *pricing.Engine
	overlay  *pricing.Overlay
	ledgerDB *database.DB
	stateDB  *database.DB
}

// newStack wires the full simulation over the databases in dir. Opening a
// second stack over the same dir exercises the savegame path.
func newStack(t *testing.T, dir string, seed uint64, start time.Time) *stack {
	t.Helper()
	nop := zerolog.Nop()

	stateDB, err := database.New(database.Config{Path: filepath.Join(dir, "state.db"), Profile: database.ProfileStandard, Name: "state"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateDB.Close() })
	require.NoError(t, stateDB.Migrate())

	ledgerDB, err := database.New(database.Config{Path: filepath.Join(dir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })
	require.NoError(t, ledgerDB.Migrate())

	cat, err := refdata.Load()
	require.NoError(t, err)

	clock := simclock.New(start, cat.Halts(), nop)
	overlay := pricing.NewOverlay(cat.CrashScenarios(), nop)
	prices := pricing.NewEngine(cat, overlay, seed, nop)
	bondSvc := bonds.NewService(cat)
	funds := indexfunds.NewService(cat, prices)

	accounts := portfolio.NewRepository(stateDB.Conn(), nop)
	require.NoError(t, accounts.EnsureAccount("player", "Player", 1_000_000_00, start))
	avail := availability.NewService(stateDB.Conn(), cat, seed, nop)
	require.NoError(t, avail.Seed(start))

	led := ledger.NewRepository(ledgerDB.Conn(), nop)
	valuation := portfolio.NewService(accounts, prices, bondSvc, funds, nil, nop)
	orders := trading.NewOrderRepository(stateDB.Conn())
	gate := trading.NewGate(clock, cat, prices, bondSvc, funds, avail, accounts, valuation, led, orders, 0, nop)
	corp := corporate.NewProcessor(cat, avail, accounts, led, prices, nop)
	flows := cashflows.NewScheduler(stateDB.Conn(), cat, prices, funds, overlay, accounts, avail, led, nil, start, nop)

	eng := New(clock, prices, overlay, corp, flows, gate, led, stateDB.Conn(), "player", nop)
	return &stack{engine: eng, clock: clock, prices: prices, overlay: overlay, ledgerDB: ledgerDB, stateDB: stateDB}
}

func TestLoad_FreshDatabase(t *testing.T) {
	s := newStack(t, t.TempDir(), 1, openMarket)

	loaded, err := s.engine.Load()
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := newStack(t, dir, 1, openMarket)

	applied, err := a.engine.SetSpeed(300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), applied)
	require.NoError(t, a.engine.Pause())

	clone, err := a.engine.TriggerCrash("black_monday_1987")
	require.NoError(t, err)
	require.NoError(t, a.engine.DeactivateCrash("oil_crisis_1973"))

	probe := openMarket.AddDate(0, 0, 30)
	want, err := a.prices.PriceAt("IBM", probe)
	require.NoError(t, err)

	// A second stack over the same databases restores the full state.
	b := newStack(t, dir, 1, time.Date(1970, 1, 2, 9, 30, 0, 0, simclock.Eastern))
	loaded, err := b.engine.Load()
	require.NoError(t, err)
	require.True(t, loaded)

	assert.True(t, b.engine.Now().Equal(a.engine.Now()))
	assert.Equal(t, int64(300), b.engine.Multiplier())
	assert.True(t, b.engine.Paused())

	got, err := b.prices.PriceAt("IBM", probe)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9, "restored overlay reproduces prices")

	var foundDynamic, foundDeactivated bool
	for _, st := range b.engine.CrashStatuses() {
		if st.Scenario.ID == clone.ID {
			foundDynamic = st.Dynamic
		}
		if st.Scenario.ID == "oil_crisis_1973" {
			foundDeactivated = !st.Active
		}
	}
	assert.True(t, foundDynamic, "dynamic scenario survives the round trip")
	assert.True(t, foundDeactivated)
}

func TestSaveLoad_ForwardPricesStableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	a := newStack(t, dir, 1, openMarket)

	// Past the last curated anchor the price comes from the forward
	// simulation; a restarted process must re-derive the same trajectory.
	future := time.Date(2021, 6, 1, 12, 0, 0, 0, simclock.Eastern)
	want, err := a.prices.PriceAt("IBM", future)
	require.NoError(t, err)
	require.NoError(t, a.engine.Pause()) // forces a save

	b := newStack(t, dir, 1, openMarket)
	loaded, err := b.engine.Load()
	require.NoError(t, err)
	require.True(t, loaded)

	got, err := b.prices.PriceAt("IBM", future)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)
}

func TestLoad_SeedMismatch(t *testing.T) {
	dir := t.TempDir()
	a := newStack(t, dir, 1, openMarket)
	require.NoError(t, a.engine.Pause()) // forces a save

	b := newStack(t, dir, 2, openMarket)
	_, err := b.engine.Load()
	assert.Error(t, err)
}

func TestTick_AdvancesClockAndPersists(t *testing.T) {
	s := newStack(t, t.TempDir(), 1, openMarket)

	s.engine.Tick(time.Second)

	// Default multiplier is one game hour per wall second.
	assert.True(t, s.engine.Now().Equal(openMarket.Add(time.Hour)))

	var simNow int64
	require.NoError(t, s.stateDB.Conn().QueryRow(`SELECT sim_now FROM engine_state WHERE id = 1`).Scan(&simNow))
	assert.Equal(t, s.engine.Now().Unix(), simNow)
}

func TestTriggerCrash_AuditTrailAndPrices(t *testing.T) {
	dir := t.TempDir()
	crashed := newStack(t, dir, 1, openMarket)
	baseline := newStack(t, t.TempDir(), 1, openMarket)

	clone, err := crashed.engine.TriggerCrash("black_monday_1987")
	require.NoError(t, err)
	require.NoError(t, crashed.engine.DeactivateCrash(clone.ID))

	var actions []string
	rows, err := crashed.ledgerDB.Conn().Query(`SELECT action FROM crash_event_log ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var a string
		require.NoError(t, rows.Scan(&a))
		actions = append(actions, a)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"triggered", "deactivated"}, actions)

	// A freshly triggered scenario drags prices below the untouched path.
	pristine := newStack(t, t.TempDir(), 1, openMarket)
	_, err = pristine.engine.TriggerCrash("black_monday_1987")
	require.NoError(t, err)

	probe := openMarket.AddDate(0, 0, 30)
	hit, err := pristine.prices.PriceAt("IBM", probe)
	require.NoError(t, err)
	calm, err := baseline.prices.PriceAt("IBM", probe)
	require.NoError(t, err)
	assert.Less(t, hit, calm)
}

func TestTriggerCrash_UnknownScenario(t *testing.T) {
	s := newStack(t, t.TempDir(), 1, openMarket)

	_, err := s.engine.TriggerCrash("tulip_mania_1637")
	assert.Error(t, err)
}

func TestExecuteTrade_FlowsThroughGate(t *testing.T) {
	s := newStack(t, t.TempDir(), 1, openMarket)

	res, err := s.engine.ExecuteTrade(marketBuy("IBM", 10))
	require.NoError(t, err)
	assert.Equal(t, trading.StatusExecuted, res.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(10), res.Transaction.Quantity)
}

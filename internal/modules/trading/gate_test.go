package trading

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
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const testAccount = "player"

type stubStocks struct {
	prices map[string]float64
}

func (s *stubStocks) PriceAt(symbol string, _ time.Time) (float64, error) {
	p, ok := s.prices[symbol]
	if !ok {
		return 0, domain.Wrap(domain.ErrNotListedYet, "%s", symbol)
	}
	return p, nil
}

type stubBonds struct{ price float64 }

func (s *stubBonds) BondPrice(string, time.Time) (float64, error) { return s.price, nil }

type stubFunds struct{ price float64 }

func (s *stubFunds) FundPrice(string, time.Time) (float64, error) { return s.price, nil }

type fixture struct {
	gate     *Gate
	clock    *simclock.Clock
	stocks   *stubStocks
	accounts *portfolio.Repository
	avail    *availability.Service
	ledger   *ledger.Repository
	orders   *OrderRepository
}

// openMarket is a Tuesday at 11:00 Eastern, no halts.
var openMarket = time.Date(1985, 3, 5, 11, 0, 0, 0, simclock.Eastern)

func newFixture(t *testing.T, startCash domain.Cents) *fixture {
	t.Helper()

	dir := t.TempDir()
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

	clock := simclock.New(openMarket, cat.Halts(), zerolog.Nop())

	stocks := &stubStocks{prices: map[string]float64{"IBM": 100, "KO": 40, "XOM": 50}}
	bonds := &stubBonds{price: 1000}
	funds := &stubFunds{price: 100}

	accounts := portfolio.NewRepository(stateDB.Conn(), zerolog.Nop())
	require.NoError(t, accounts.EnsureAccount(testAccount, "Player", startCash, openMarket))

	avail := availability.NewService(stateDB.Conn(), cat, 1, zerolog.Nop())
	require.NoError(t, avail.Seed(openMarket))

	led := ledger.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	valuation := portfolio.NewService(accounts, stocks, bonds, funds, nil, zerolog.Nop())
	orders := NewOrderRepository(stateDB.Conn())

	gate := NewGate(clock, cat, stocks, bonds, funds, avail, accounts, valuation, led, orders, 0, zerolog.Nop())
	return &fixture{gate: gate, clock: clock, stocks: stocks, accounts: accounts, avail: avail, ledger: led, orders: orders}
}

func (f *fixture) cash(t *testing.T) domain.Cents {
	t.Helper()
	acc, err := f.accounts.Account(testAccount)
	require.NoError(t, err)
	return acc.Cash
}

func marketOrder(symbol string, side domain.OrderSide, qty int64) domain.Order {
	return domain.Order{Symbol: symbol, Side: side, Quantity: qty, Kind: domain.OrderMarket}
}

func limitOrder(symbol string, side domain.OrderSide, qty int64, px float64) domain.Order {
	return domain.Order{Symbol: symbol, Side: side, Quantity: qty, Kind: domain.OrderLimit, LimitPrice: &px}
}

func TestExecuteTrade_RejectsWhenMarketClosed(t *testing.T) {
	f := newFixture(t, 10_000_00)
	f.clock.SetNow(time.Date(1985, 3, 9, 11, 0, 0, 0, simclock.Eastern)) // Saturday

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestExecuteTrade_RejectsDuringFullHalt(t *testing.T) {
	f := newFixture(t, 10_000_00)
	f.clock.SetNow(time.Date(1987, 10, 19, 15, 0, 0, 0, simclock.Eastern))

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	assert.ErrorIs(t, err, domain.ErrTradingHalted)
}

func TestExecuteTrade_RejectsUnpriceableSymbol(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("AAPL", domain.SideBuy, 10))
	assert.ErrorIs(t, err, domain.ErrNotListedYet)
}

func TestExecuteTrade_InvalidOrders(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.gate.ExecuteTrade(testAccount, marketOrder("IBM", "lend", 5))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.gate.ExecuteTrade(testAccount, domain.Order{Symbol: "IBM", Side: domain.SideBuy, Quantity: 5, Kind: domain.OrderLimit})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Bonds and funds cannot be shorted.
	_, err = f.gate.ExecuteTrade(testAccount, marketOrder("UST80A", domain.SideShort, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestExecuteTrade_BuyHappyPath(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	require.NotNil(t, res.Transaction)

	// 10 shares at $100 plus 0.25% commission.
	assert.Equal(t, domain.Cents(-1002_50), res.Transaction.Total)
	assert.Equal(t, domain.Cents(10_000_00-1002_50), f.cash(t))

	shares, err := f.accounts.Position(testAccount, "IBM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), shares)

	av, err := f.avail.Get("IBM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), av.PlayerOwned)

	lots, err := f.ledger.OpenLots(testAccount, "IBM")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(10), lots[0].Remaining)

	txns, err := f.ledger.Transactions(testAccount, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestExecuteTrade_BuyInsufficientCash(t *testing.T) {
	f := newFixture(t, 100_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	assert.ErrorIs(t, err, domain.ErrInsufficientCash)

	// Rejection leaves everything untouched.
	assert.Equal(t, domain.Cents(100_00), f.cash(t))
	shares, err := f.accounts.Position(testAccount, "IBM")
	require.NoError(t, err)
	assert.Zero(t, shares)
	av, err := f.avail.Get("IBM")
	require.NoError(t, err)
	assert.Zero(t, av.PlayerOwned)
}

func TestExecuteTrade_SellShortTermGain(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	require.NoError(t, err)

	f.stocks.prices["IBM"] = 150
	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideSell, 10))
	require.NoError(t, err)

	// Proceeds 1500, commission 3.75, basis 1002.50 so the short-term gain
	// is 497.50 taxed at 25%.
	assert.Equal(t, domain.Cents(3_75), res.Transaction.Fees)
	assert.InDelta(t, 497.50*0.25, res.Transaction.Taxes.Dollars(), 0.01)
	assert.Greater(t, int64(res.Transaction.Total), int64(0))

	shares, err := f.accounts.Position(testAccount, "IBM")
	require.NoError(t, err)
	assert.Zero(t, shares)

	av, err := f.avail.Get("IBM")
	require.NoError(t, err)
	assert.Zero(t, av.PlayerOwned)
}

func TestExecuteTrade_SellLongTermGain(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	require.NoError(t, err)

	// Two game years later the same gain is taxed at the long-term rate.
	f.clock.SetNow(time.Date(1987, 3, 4, 11, 0, 0, 0, simclock.Eastern)) // Wednesday
	f.stocks.prices["IBM"] = 150

	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideSell, 10))
	require.NoError(t, err)
	assert.InDelta(t, 497.50*0.15, res.Transaction.Taxes.Dollars(), 0.01)
}

func TestExecuteTrade_SellNoTaxOnLoss(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 10))
	require.NoError(t, err)

	f.stocks.prices["IBM"] = 60
	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideSell, 10))
	require.NoError(t, err)
	assert.Zero(t, res.Transaction.Taxes)
}

func TestExecuteTrade_SellMoreThanHeld(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideSell, 5))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestExecuteTrade_ShortAndCoverWithGain(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideShort, 10))
	require.NoError(t, err)
	// Proceeds credited net of commission.
	assert.Equal(t, domain.Cents(1000_00-2_50), res.Transaction.Total)

	sp, err := f.accounts.ShortPosition(testAccount, "IBM")
	require.NoError(t, err)
	require.NotNil(t, sp)
	assert.Equal(t, int64(10), sp.Quantity)

	f.stocks.prices["IBM"] = 80
	cover, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideCover, 10))
	require.NoError(t, err)

	// Cover at 800, commission 2, short-term tax on the 200 gain.
	assert.InDelta(t, 200*0.25, cover.Transaction.Taxes.Dollars(), 0.01)
	assert.Equal(t, domain.Cents(-(800_00 + 2_00 + 50_00)), cover.Transaction.Total)

	sp, err = f.accounts.ShortPosition(testAccount, "IBM")
	require.NoError(t, err)
	if sp != nil {
		assert.Zero(t, sp.Quantity)
	}
}

func TestExecuteTrade_ShortMarginRequirement(t *testing.T) {
	f := newFixture(t, 10_000_00)

	// $10k equity cannot carry an $8k short at 150% margin.
	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideShort, 80))
	assert.ErrorIs(t, err, domain.ErrLeverageExceeded)
}

func TestExecuteTrade_CoverWithoutShort(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideCover, 10))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestExecuteTrade_ConcentrationLimit(t *testing.T) {
	f := newFixture(t, 100_000_00)

	// 600 shares at $100 would put 60% of liquid value in one symbol.
	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 600))
	assert.ErrorIs(t, err, domain.ErrConcentrationExceeded)

	// 400 shares is 40% and passes.
	_, err = f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 400))
	assert.NoError(t, err)
}

func TestExecuteTrade_SmallAccountsExemptFromConcentration(t *testing.T) {
	f := newFixture(t, 10_000_00)

	// Going all-in is allowed below the concentration floor.
	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("IBM", domain.SideBuy, 99))
	assert.NoError(t, err)
}

func TestExecuteTrade_LimitOrderQueuesAndFills(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, limitOrder("IBM", domain.SideBuy, 10, 90))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	require.NotEmpty(t, res.PendingOrderID)

	// Price has not crossed yet; re-evaluation leaves it queued.
	require.NoError(t, f.gate.EvaluatePending(testAccount))
	open, err := f.gate.PendingOrders(testAccount)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	f.stocks.prices["IBM"] = 85
	require.NoError(t, f.gate.EvaluatePending(testAccount))

	open, err = f.gate.PendingOrders(testAccount)
	require.NoError(t, err)
	assert.Empty(t, open)

	shares, err := f.accounts.Position(testAccount, "IBM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), shares)
}

func TestExecuteTrade_LimitOrderCrossesImmediately(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, limitOrder("IBM", domain.SideBuy, 10, 120))
	require.NoError(t, err)
	// Fills at the market price, not the limit.
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 100.0, res.Transaction.Price)
}

func TestEvaluatePending_ExpiresStaleOrders(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, limitOrder("IBM", domain.SideBuy, 10, 90))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	f.clock.SetNow(openMarket.AddDate(0, 0, 35))
	require.NoError(t, f.gate.EvaluatePending(testAccount))

	open, err := f.gate.PendingOrders(testAccount)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Expired, not filled.
	shares, err := f.accounts.Position(testAccount, "IBM")
	require.NoError(t, err)
	assert.Zero(t, shares)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, 10_000_00)

	res, err := f.gate.ExecuteTrade(testAccount, limitOrder("IBM", domain.SideBuy, 10, 90))
	require.NoError(t, err)

	require.NoError(t, f.gate.CancelOrder(res.PendingOrderID))
	open, err := f.gate.PendingOrders(testAccount)
	require.NoError(t, err)
	assert.Empty(t, open)

	// A second cancel finds no open order.
	assert.ErrorIs(t, f.gate.CancelOrder(res.PendingOrderID), domain.ErrNotFound)
}

func TestExecuteTrade_BondRoundTrip(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("UST80A", domain.SideBuy, 5))
	require.NoError(t, err)

	holdings, err := f.accounts.BondHoldings(testAccount)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(5), holdings[0].Quantity)

	res, err := f.gate.ExecuteTrade(testAccount, marketOrder("UST80A", domain.SideSell, 5))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)

	holdings, err = f.accounts.BondHoldings(testAccount)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestExecuteTrade_IndexFundBuy(t *testing.T) {
	f := newFixture(t, 10_000_00)

	_, err := f.gate.ExecuteTrade(testAccount, marketOrder("BLUE500", domain.SideBuy, 20))
	require.NoError(t, err)

	holdings, err := f.accounts.IndexHoldings(testAccount)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(20), holdings[0].Quantity)
}

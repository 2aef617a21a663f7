// Package trading implements the trade gate: the single validated path
// through which the player's orders mutate cash, positions and share
// availability. Validation is fail-fast with distinct error kinds; a
// rejected trade leaves every table untouched.
package trading

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const (
	// feeRate is the commission charged on every execution, as a fraction
	// of notional.
	feeRate = 0.0025

	// shortTermTaxRate applies to gains on positions held under one game
	// year; long-term gains get the lower rate. Short sales are always
	// short-term.
	shortTermTaxRate = 0.25
	longTermTaxRate  = 0.15

	// concentrationLimit caps a single stock at half the account's liquid
	// value (cash plus stock exposure). Small accounts are exempt so the
	// opening trades are not blocked.
	concentrationLimit = 0.50
	concentrationFloor = domain.Cents(2_500_000) // $25,000

	// shortMarginRatio requires equity of 150% of total short liability.
	shortMarginRatio = 1.5

	longTermHolding = 365 * 24 * time.Hour
)

// DefaultLimitOrderTTLDays is how many game days a queued limit order
// survives before expiring.
const DefaultLimitOrderTTLDays = 30

// StockPricer quotes stocks.
type StockPricer interface {
	PriceAt(symbol string, t time.Time) (float64, error)
}

// BondPricer quotes bonds.
type BondPricer interface {
	BondPrice(symbol string, t time.Time) (float64, error)
}

// FundPricer quotes index funds.
type FundPricer interface {
	FundPrice(symbol string, t time.Time) (float64, error)
}

// ResultStatus says what happened to an order.
type ResultStatus string

const (
	StatusExecuted ResultStatus = "executed"
	StatusQueued   ResultStatus = "queued"
)

// Result is the trade gate's answer for an accepted order.
type Result struct {
	Status         ResultStatus        `json:"status"`
	Transaction    *domain.Transaction `json:"transaction,omitempty"`
	PendingOrderID string              `json:"pending_order_id,omitempty"`
}

// Gate validates and executes orders.
type Gate struct {
	clock     *simclock.Clock
	cat       *refdata.Catalog
	stocks    StockPricer
	bonds     BondPricer
	funds     FundPricer
	avail     *availability.Service
	accounts  *portfolio.Repository
	valuation *portfolio.Service
	ledger    *ledger.Repository
	orders    *OrderRepository
	ttlDays   int
	log       zerolog.Logger
}

// NewGate wires the trade gate.
func NewGate(clock *simclock.Clock, cat *refdata.Catalog, stocks StockPricer, bonds BondPricer, funds FundPricer,
	avail *availability.Service, accounts *portfolio.Repository, valuation *portfolio.Service,
	led *ledger.Repository, orders *OrderRepository, ttlDays int, log zerolog.Logger) *Gate {
	if ttlDays <= 0 {
		ttlDays = DefaultLimitOrderTTLDays
	}
	return &Gate{
		clock:     clock,
		cat:       cat,
		stocks:    stocks,
		bonds:     bonds,
		funds:     funds,
		avail:     avail,
		accounts:  accounts,
		valuation: valuation,
		ledger:    led,
		orders:    orders,
		ttlDays:   ttlDays,
		log:       log.With().Str("service", "trading").Logger(),
	}
}

// ExecuteTrade runs an order through the gate at the current simulated
// instant. A limit order that does not cross is queued, not rejected.
func (g *Gate) ExecuteTrade(accountID string, order domain.Order) (*Result, error) {
	now := g.clock.Now()

	if err := g.validateShape(order); err != nil {
		return nil, err
	}
	if err := g.checkClock(now, order.Symbol); err != nil {
		return nil, err
	}

	price, err := g.quote(order.Symbol, now)
	if err != nil {
		return nil, err
	}

	if order.Kind == domain.OrderLimit && !limitCrossed(order, price) {
		return g.enqueue(accountID, order, now)
	}

	txn, err := g.execute(accountID, order, price, now)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusExecuted, Transaction: txn}, nil
}

// EvaluatePending retries the account's open limit orders against current
// prices and expires the stale ones. Called on each price update while the
// market is open. Orders that still fail validation stay queued.
func (g *Gate) EvaluatePending(accountID string) error {
	now := g.clock.Now()
	open, err := g.orders.Open(accountID)
	if err != nil {
		return err
	}

	for _, po := range open {
		if !po.ExpiresAt.After(now) {
			if err := g.orders.SetStatus(po.ID, domain.PendingExpired); err != nil {
				return err
			}
			g.log.Info().Str("order_id", po.ID).Str("symbol", po.Order.Symbol).Msg("Limit order expired")
			continue
		}

		if err := g.checkClock(now, po.Order.Symbol); err != nil {
			continue
		}
		price, err := g.quote(po.Order.Symbol, now)
		if err != nil {
			continue
		}
		if !limitCrossed(po.Order, price) {
			continue
		}

		if _, err := g.execute(accountID, po.Order, price, now); err != nil {
			g.log.Debug().Str("order_id", po.ID).Err(err).Msg("Queued order crossed but failed validation, retrying later")
			continue
		}
		if err := g.orders.SetStatus(po.ID, domain.PendingFilled); err != nil {
			return err
		}
		g.log.Info().Str("order_id", po.ID).Str("symbol", po.Order.Symbol).Float64("price", price).Msg("Limit order filled")
	}
	return nil
}

// CancelOrder cancels one open limit order by id.
func (g *Gate) CancelOrder(id string) error {
	return g.orders.SetStatus(id, domain.PendingCancelled)
}

// PendingOrders lists the account's open limit orders.
func (g *Gate) PendingOrders(accountID string) ([]domain.PendingOrder, error) {
	return g.orders.Open(accountID)
}

func (g *Gate) validateShape(order domain.Order) error {
	if order.Quantity <= 0 {
		return domain.Wrap(domain.ErrInvalidArgument, "quantity %d", order.Quantity)
	}
	switch order.Side {
	case domain.SideBuy, domain.SideSell, domain.SideShort, domain.SideCover:
	default:
		return domain.Wrap(domain.ErrInvalidArgument, "side %q", order.Side)
	}
	if order.Kind == domain.OrderLimit && (order.LimitPrice == nil || *order.LimitPrice <= 0) {
		return domain.Wrap(domain.ErrInvalidArgument, "limit order without a positive limit price")
	}
	if g.assetClass(order.Symbol) != domain.AssetStock && order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return domain.Wrap(domain.ErrInvalidArgument, "%s orders support buy and sell only", g.assetClass(order.Symbol))
	}
	return nil
}

func (g *Gate) checkClock(now time.Time, symbol string) error {
	if !g.clock.IsMarketOpen(now) {
		return domain.Wrap(domain.ErrMarketClosed, "at %s", now.Format("2006-01-02 15:04"))
	}
	if halt := g.clock.ActiveHalt(now, symbol); halt != nil {
		return domain.Wrap(domain.ErrTradingHalted, "%s", halt.Reason)
	}
	return nil
}

// assetClass resolves which catalog a symbol belongs to.
func (g *Gate) assetClass(symbol string) domain.AssetClass {
	if g.cat.Bond(symbol) != nil {
		return domain.AssetBond
	}
	if g.cat.IndexFund(symbol) != nil {
		return domain.AssetIndex
	}
	return domain.AssetStock
}

func (g *Gate) quote(symbol string, now time.Time) (float64, error) {
	switch g.assetClass(symbol) {
	case domain.AssetBond:
		return g.bonds.BondPrice(symbol, now)
	case domain.AssetIndex:
		return g.funds.FundPrice(symbol, now)
	default:
		return g.stocks.PriceAt(symbol, now)
	}
}

// limitCrossed reports whether a limit order fills at the current price:
// buys and covers need price at or under the limit, sells and shorts at or
// over it.
func limitCrossed(order domain.Order, price float64) bool {
	if order.Kind != domain.OrderLimit || order.LimitPrice == nil {
		return true
	}
	switch order.Side {
	case domain.SideBuy, domain.SideCover:
		return price <= *order.LimitPrice
	default:
		return price >= *order.LimitPrice
	}
}

func (g *Gate) enqueue(accountID string, order domain.Order, now time.Time) (*Result, error) {
	po := domain.PendingOrder{
		ID:        uuid.NewString(),
		Order:     order,
		PlacedAt:  now,
		ExpiresAt: now.AddDate(0, 0, g.ttlDays),
		Status:    domain.PendingOpen,
	}
	if err := g.orders.Enqueue(accountID, po); err != nil {
		return nil, err
	}
	g.log.Info().Str("order_id", po.ID).Str("symbol", order.Symbol).Msg("Limit order queued")
	return &Result{Status: StatusQueued, PendingOrderID: po.ID}, nil
}

// execute applies a crossed order: remaining validation (availability,
// funds, margin, limits), then the mutation batch.
func (g *Gate) execute(accountID string, order domain.Order, price float64, now time.Time) (*domain.Transaction, error) {
	notional := domain.CentsFromDollars(price * float64(order.Quantity))
	fees := domain.CentsFromDollars(price * float64(order.Quantity) * feeRate)

	switch order.Side {
	case domain.SideBuy:
		return g.executeBuy(accountID, order, price, notional, fees, now)
	case domain.SideSell:
		return g.executeSell(accountID, order, price, notional, fees, now)
	case domain.SideShort:
		return g.executeShort(accountID, order, price, notional, fees, now)
	default:
		return g.executeCover(accountID, order, price, notional, fees, now)
	}
}

func (g *Gate) executeBuy(accountID string, order domain.Order, price float64, notional, fees domain.Cents, now time.Time) (*domain.Transaction, error) {
	class := g.assetClass(order.Symbol)

	if class == domain.AssetStock {
		ok, avail, err := g.avail.CanPurchase(order.Symbol, order.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Wrap(domain.ErrInsufficientFloat, "%s: %d available", order.Symbol, avail)
		}
		if err := g.checkConcentration(accountID, order.Symbol, notional, now); err != nil {
			return nil, err
		}
	}

	total := notional + fees
	costEach := domain.Cents(0)
	if order.Quantity > 0 {
		costEach = domain.Cents(int64(total) / order.Quantity)
	}

	// Cash check and debit in one guarded update.
	if err := g.accounts.AdjustCash(accountID, -total); err != nil {
		return nil, err
	}

	var err error
	switch class {
	case domain.AssetBond:
		err = g.accounts.AdjustBondHolding(accountID, order.Symbol, order.Quantity, costEach, now)
	case domain.AssetIndex:
		err = g.accounts.AdjustIndexHolding(accountID, order.Symbol, order.Quantity, costEach, now)
	default:
		if err = g.avail.ReservePurchase(order.Symbol, order.Quantity, now); err == nil {
			if err = g.accounts.AdjustPosition(accountID, order.Symbol, order.Quantity); err == nil {
				err = g.ledger.AddLot(accountID, uuid.NewString(), order.Symbol, order.Quantity, costEach, now)
			}
		}
	}
	if err != nil {
		// Refund the debit; the buy did not happen.
		_ = g.accounts.ForceCash(accountID, total)
		return nil, err
	}

	return g.record(accountID, order, price, fees, 0, -total, now, "")
}

func (g *Gate) executeSell(accountID string, order domain.Order, price float64, notional, fees domain.Cents, now time.Time) (*domain.Transaction, error) {
	class := g.assetClass(order.Symbol)

	var taxes domain.Cents
	var err error
	switch class {
	case domain.AssetBond:
		taxes, err = g.sellUnitHolding(accountID, order, notional, now, g.bondHolding)
	case domain.AssetIndex:
		taxes, err = g.sellUnitHolding(accountID, order, notional, now, g.indexHolding)
	default:
		taxes, err = g.sellStock(accountID, order, notional, now)
	}
	if err != nil {
		return nil, err
	}

	proceeds := notional - fees - taxes
	if err := g.accounts.ForceCash(accountID, proceeds); err != nil {
		return nil, err
	}
	return g.record(accountID, order, price, fees, taxes, proceeds, now, "")
}

// sellStock consumes FIFO lots, computes capital-gains tax and releases the
// shares back to the float.
func (g *Gate) sellStock(accountID string, order domain.Order, notional domain.Cents, now time.Time) (domain.Cents, error) {
	held, err := g.accounts.Position(accountID, order.Symbol)
	if err != nil {
		return 0, err
	}
	if held < order.Quantity {
		return 0, domain.Wrap(domain.ErrInsufficientShares, "%s: have %d, selling %d", order.Symbol, held, order.Quantity)
	}

	shortBasis, longBasis, shortShares, longShares, err := g.ledger.ConsumeLots(accountID, order.Symbol, order.Quantity, now)
	if err != nil {
		return 0, err
	}

	shortProceeds := notional.MulShares(float64(shortShares) / float64(order.Quantity))
	longProceeds := notional - shortProceeds

	var taxes domain.Cents
	if gain := shortProceeds - shortBasis; gain > 0 {
		tax := gain.MulShares(shortTermTaxRate)
		taxes += tax
		if err := g.ledger.RecordTax(accountID, now, "capital_gains_short", order.Symbol, gain, tax); err != nil {
			return 0, err
		}
	}
	if gain := longProceeds - longBasis; gain > 0 && longShares > 0 {
		tax := gain.MulShares(longTermTaxRate)
		taxes += tax
		if err := g.ledger.RecordTax(accountID, now, "capital_gains_long", order.Symbol, gain, tax); err != nil {
			return 0, err
		}
	}

	if err := g.accounts.AdjustPosition(accountID, order.Symbol, -order.Quantity); err != nil {
		return 0, err
	}
	if err := g.avail.ReserveSale(order.Symbol, order.Quantity, now); err != nil {
		return 0, err
	}
	return taxes, nil
}

type unitHolding struct {
	quantity   int64
	costEach   domain.Cents
	acquiredAt time.Time
	adjust     func(delta int64) error
}

func (g *Gate) bondHolding(accountID, symbol string, now time.Time) (*unitHolding, error) {
	holdings, err := g.accounts.BondHoldings(accountID)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		if h.Symbol == symbol {
			return &unitHolding{
				quantity:   h.Quantity,
				costEach:   h.CostEach,
				acquiredAt: h.AcquiredAt,
				adjust: func(delta int64) error {
					return g.accounts.AdjustBondHolding(accountID, symbol, delta, 0, now)
				},
			}, nil
		}
	}
	return nil, domain.Wrap(domain.ErrInsufficientShares, "no %s units held", symbol)
}

func (g *Gate) indexHolding(accountID, symbol string, now time.Time) (*unitHolding, error) {
	holdings, err := g.accounts.IndexHoldings(accountID)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		if h.Symbol == symbol {
			return &unitHolding{
				quantity: h.Quantity,
				costEach: h.CostEach,
				// index_holdings carries no acquisition date; treat as
				// long-term once held, short-term conservatism not worth a
				// schema change for a per-unit average position.
				acquiredAt: time.Time{},
				adjust: func(delta int64) error {
					return g.accounts.AdjustIndexHolding(accountID, symbol, delta, 0, now)
				},
			}, nil
		}
	}
	return nil, domain.Wrap(domain.ErrInsufficientShares, "no %s units held", symbol)
}

// sellUnitHolding sells bond or index-fund units against their average cost.
func (g *Gate) sellUnitHolding(accountID string, order domain.Order, notional domain.Cents, now time.Time,
	lookup func(accountID, symbol string, now time.Time) (*unitHolding, error)) (domain.Cents, error) {
	h, err := lookup(accountID, order.Symbol, now)
	if err != nil {
		return 0, err
	}
	if h.quantity < order.Quantity {
		return 0, domain.Wrap(domain.ErrInsufficientShares, "%s: have %d units, selling %d", order.Symbol, h.quantity, order.Quantity)
	}

	basis := h.costEach.MulShares(float64(order.Quantity))
	rate := longTermTaxRate
	if !h.acquiredAt.IsZero() && now.Sub(h.acquiredAt) < longTermHolding {
		rate = shortTermTaxRate
	}

	var taxes domain.Cents
	if gain := notional - basis; gain > 0 {
		taxes = gain.MulShares(rate)
		kind := "capital_gains_long"
		if rate == shortTermTaxRate {
			kind = "capital_gains_short"
		}
		if err := g.ledger.RecordTax(accountID, now, kind, order.Symbol, gain, taxes); err != nil {
			return 0, err
		}
	}

	if err := h.adjust(-order.Quantity); err != nil {
		return 0, err
	}
	return taxes, nil
}

func (g *Gate) executeShort(accountID string, order domain.Order, price float64, notional, fees domain.Cents, now time.Time) (*domain.Transaction, error) {
	av, err := g.avail.Get(order.Symbol)
	if err != nil {
		return nil, err
	}
	if av.AvailableForTrading < order.Quantity {
		return nil, domain.Wrap(domain.ErrInsufficientFloat, "%s: %d available to borrow", order.Symbol, av.AvailableForTrading)
	}

	if err := g.checkShortMargin(accountID, notional, now); err != nil {
		return nil, err
	}

	proceeds := notional - fees
	if err := g.accounts.OpenShort(accountID, order.Symbol, order.Quantity, notional, now); err != nil {
		return nil, err
	}
	if err := g.accounts.ForceCash(accountID, proceeds); err != nil {
		return nil, err
	}
	return g.record(accountID, order, price, fees, 0, proceeds, now, "")
}

func (g *Gate) executeCover(accountID string, order domain.Order, price float64, notional, fees domain.Cents, now time.Time) (*domain.Transaction, error) {
	sp, err := g.accounts.ShortPosition(accountID, order.Symbol)
	if err != nil {
		return nil, err
	}
	if sp == nil || sp.Quantity < order.Quantity {
		have := int64(0)
		if sp != nil {
			have = sp.Quantity
		}
		return nil, domain.Wrap(domain.ErrInsufficientShares, "short %s: have %d, covering %d", order.Symbol, have, order.Quantity)
	}

	// Short gains are always short-term.
	openValue := domain.CentsFromDollars(sp.OpenPrice * float64(order.Quantity))
	var taxes domain.Cents
	if gain := openValue - notional; gain > 0 {
		taxes = gain.MulShares(shortTermTaxRate)
		if err := g.ledger.RecordTax(accountID, now, "capital_gains_short", order.Symbol, gain, taxes); err != nil {
			return nil, err
		}
	}

	total := notional + fees + taxes
	if err := g.accounts.AdjustCash(accountID, -total); err != nil {
		return nil, err
	}
	if err := g.accounts.CoverShort(accountID, order.Symbol, order.Quantity); err != nil {
		_ = g.accounts.ForceCash(accountID, total)
		return nil, err
	}
	return g.record(accountID, order, price, fees, taxes, -total, now, "")
}

// checkConcentration rejects a stock buy that would push one symbol past
// half the account's liquid value. Accounts under the floor are exempt.
func (g *Gate) checkConcentration(accountID, symbol string, notional domain.Cents, now time.Time) error {
	acc, err := g.accounts.Account(accountID)
	if err != nil {
		return err
	}
	total, bySymbol, err := g.valuation.Exposure(accountID, now)
	if err != nil {
		return err
	}

	liquid := acc.Cash.Dollars() + total
	if domain.CentsFromDollars(liquid) <= concentrationFloor {
		return nil
	}

	after := bySymbol[symbol] + notional.Dollars()
	if after > concentrationLimit*liquid {
		return domain.Wrap(domain.ErrConcentrationExceeded,
			"%s would be %.0f%% of liquid value", symbol, 100*after/liquid)
	}
	return nil
}

// checkShortMargin requires post-trade equity to cover 150% of the total
// short liability.
func (g *Gate) checkShortMargin(accountID string, notional domain.Cents, now time.Time) error {
	sum, err := g.valuation.Summarize(accountID, now)
	if err != nil {
		return err
	}
	equity := sum.Cash + sum.LongValue - sum.LoanLiability
	liability := sum.ShortLiability + notional.Dollars()
	if equity < shortMarginRatio*liability {
		return domain.Wrap(domain.ErrLeverageExceeded,
			"equity %.2f covers only %.0f%% of short liability %.2f", equity, 100*equity/liability/shortMarginRatio, liability)
	}
	return nil
}

// record writes the immutable transaction entry.
func (g *Gate) record(accountID string, order domain.Order, price float64, fees, taxes, total domain.Cents, now time.Time, note string) (*domain.Transaction, error) {
	txn := domain.Transaction{
		ID:         uuid.NewString(),
		ExecutedAt: now,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Fees:       fees,
		Taxes:      taxes,
		Total:      total,
		Note:       note,
	}
	if err := g.ledger.RecordTransaction(accountID, txn); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	g.log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int64("shares", order.Quantity).
		Float64("price", price).
		Str("total", txn.Total.String()).
		Msg("Trade executed")
	return &txn, nil
}

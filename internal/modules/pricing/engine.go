package pricing

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/prng"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const (
	// minPrice is the hard price floor.
	minPrice = 0.01

	// maxDailyNoise bounds the per-day level jitter on the anchored path.
	maxDailyNoise = 0.08

	// maxDailyReturn bounds per-day moves in post-anchor synthesis on
	// ordinary days. Crash-scenario days are exempt.
	maxDailyReturn = 0.25
)

// SplitRecord is a dynamically applied share split. Prices at or after the
// effective instant are divided by the ratio.
type SplitRecord struct {
	Effective time.Time `msgpack:"effective"`
	Ratio     float64   `msgpack:"ratio"`
}

// CashOverride pins a symbol's price to a fixed cash-per-share amount from
// the effective instant until the symbol retires.
type CashOverride struct {
	From  time.Time `msgpack:"from"`
	Price float64   `msgpack:"price"`
}

// Engine synthesizes deterministic day-close prices. History between
// curated anchors interpolates in log space, shaped by the crash overlay
// and the sector-era drift, with per-day keyed noise that vanishes at the
// anchors themselves. Beyond each symbol's final anchor the engine runs a
// forward simulation: a market-average return stream shaped by the
// market-average controls, plus sector tilt, overlay shocks and
// idiosyncratic noise.
type Engine struct {
	cat     *refdata.Catalog
	overlay *Overlay
	seed    uint64
	log     zerolog.Logger

	mu            sync.RWMutex
	splits        map[string][]SplitRecord
	catalogSplits map[string][]SplitRecord // baked into anchors, change-pct only
	cashOverrides map[string]CashOverride

	// Forward-simulation caches, horizon-relative. marketLevels[i] is the
	// cumulative market log level i+1 trading-relevant days past the horizon.
	horizon      int64
	marketCtl    *controls
	marketLevels []float64
	symbolLevels map[string][]float64
}

// NewEngine builds the engine over a catalog. Catalog cash acquisitions
// become price overrides immediately; catalog splits are already reflected
// in the anchor data and only inform day-over-day change adjustment.
func NewEngine(cat *refdata.Catalog, overlay *Overlay, seed uint64, log zerolog.Logger) *Engine {
	e := &Engine{
		cat:           cat,
		overlay:       overlay,
		seed:          seed,
		log:           log.With().Str("component", "price_engine").Logger(),
		splits:        make(map[string][]SplitRecord),
		catalogSplits: make(map[string][]SplitRecord),
		cashOverrides: make(map[string]CashOverride),
		marketCtl:     newControls(),
		symbolLevels:  make(map[string][]float64),
	}

	for _, ev := range cat.CorporateEvents() {
		switch ev.Kind {
		case domain.EventSplit:
			e.catalogSplits[ev.Symbol] = append(e.catalogSplits[ev.Symbol], SplitRecord{
				Effective: ev.EffectiveAt,
				Ratio:     float64(ev.SplitRatio),
			})
		case domain.EventAcquisitionCash, domain.EventGoingPrivate:
			e.cashOverrides[ev.Symbol] = CashOverride{From: ev.EffectiveAt, Price: ev.CashPerShare}
		}
	}

	// The forward-simulation horizon is the latest anchor across the roster.
	for _, sym := range cat.Symbols() {
		co := cat.Company(sym)
		last := simclock.DayIndex(co.Anchors[len(co.Anchors)-1].Date)
		if last > e.horizon {
			e.horizon = last
		}
	}
	return e
}

// Seed returns the savegame seed the engine is keyed with.
func (e *Engine) Seed() uint64 { return e.seed }

// Quote returns the day-close price at t plus the percentage change versus
// the prior trading day, split-adjusted across split boundaries.
func (e *Engine) Quote(symbol string, t time.Time) (domain.Quote, error) {
	price, err := e.PriceAt(symbol, t)
	if err != nil {
		return domain.Quote{}, err
	}

	prev, ok := e.prevTradingClose(symbol, t)
	if !ok || prev <= 0 {
		return domain.Quote{Price: price}, nil
	}
	return domain.Quote{
		Price:     price,
		ChangePct: (price - prev) / prev * 100,
	}, nil
}

// PriceAt returns the day-close price of a stock at instant t. Prices are
// constant within a calendar day.
func (e *Engine) PriceAt(symbol string, t time.Time) (float64, error) {
	co := e.cat.Company(symbol)
	if co == nil {
		return 0, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	meta := co.Meta()
	if t.Before(meta.ListedFrom) {
		return 0, domain.Wrap(domain.ErrNotListedYet, "%s lists on %s", symbol, meta.ListedFrom.Format("2006-01-02"))
	}
	if meta.RetiredAt != nil && !t.Before(*meta.RetiredAt) {
		return 0, domain.Wrap(domain.ErrDelisted, "%s retired on %s", symbol, meta.RetiredAt.Format("2006-01-02"))
	}

	e.mu.RLock()
	ov, hasOv := e.cashOverrides[symbol]
	e.mu.RUnlock()
	if hasOv && !t.Before(ov.From) {
		return ov.Price, nil
	}

	raw := e.rawPrice(co, simclock.DayIndex(t))
	price := raw / e.dynamicSplitFactor(symbol, t)
	if price < minPrice {
		price = minPrice
	}
	return price, nil
}

// History returns one sample per calendar day over [from, to], skipping
// days the symbol was not listed.
func (e *Engine) History(symbol string, from, to time.Time) ([]domain.PriceSample, error) {
	if e.cat.Company(symbol) == nil {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	start, end := simclock.DayIndex(from), simclock.DayIndex(to)
	if end < start {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "history range is inverted")
	}

	out := make([]domain.PriceSample, 0, end-start+1)
	for d := start; d <= end; d++ {
		day := simclock.DateForDayIndex(d)
		price, err := e.PriceAt(symbol, day)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceSample{Time: day, Price: price})
	}
	return out, nil
}

// ApplySplit registers a dynamic share split. All prices at or after the
// effective instant are divided by ratio.
func (e *Engine) ApplySplit(symbol string, effective time.Time, ratio float64) error {
	if ratio <= 0 {
		return domain.Wrap(domain.ErrInvalidArgument, "split ratio %v", ratio)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.splits[symbol] = append(e.splits[symbol], SplitRecord{Effective: effective, Ratio: ratio})
	sort.Slice(e.splits[symbol], func(i, j int) bool {
		return e.splits[symbol][i].Effective.Before(e.splits[symbol][j].Effective)
	})
	e.log.Info().Str("symbol", symbol).Float64("ratio", ratio).Time("effective", effective).Msg("Split applied to price path")
	return nil
}

// SetCashPrice pins a symbol to a fixed price from the effective instant,
// used for dynamically generated cash acquisitions.
func (e *Engine) SetCashPrice(symbol string, from time.Time, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cashOverrides[symbol] = CashOverride{From: from, Price: price}
}

// Splits returns the dynamic split records for persistence.
func (e *Engine) Splits() map[string][]SplitRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]SplitRecord, len(e.splits))
	for k, v := range e.splits {
		out[k] = append([]SplitRecord(nil), v...)
	}
	return out
}

// RestoreSplits reinstates persisted dynamic splits.
func (e *Engine) RestoreSplits(splits map[string][]SplitRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range splits {
		e.splits[k] = append([]SplitRecord(nil), v...)
	}
}

// CashOverrides returns the active price overrides for persistence. The
// catalog-derived ones are included; restoring them is idempotent.
func (e *Engine) CashOverrides() map[string]CashOverride {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]CashOverride, len(e.cashOverrides))
	for k, v := range e.cashOverrides {
		out[k] = v
	}
	return out
}

// RestoreCashOverrides reinstates persisted price overrides.
func (e *Engine) RestoreCashOverrides(ovs map[string]CashOverride) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range ovs {
		e.cashOverrides[k] = v
	}
}

// ControlsSnapshot exposes the market-average control state reached by the
// forward simulation, for the status surface and the state row's hot
// columns. The trajectory always recomputes from the horizon with default
// controls, so the snapshot is informational and must never feed back into
// the extension.
func (e *Engine) ControlsSnapshot() (marketPE, volEWMA float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.marketCtl.state.MarketPE, e.marketCtl.state.VolEWMA
}

// MarketLevel returns the cumulative growth factor of the synthesized
// market average since the forward-simulation horizon. Instants at or
// before the horizon return 1.
func (e *Engine) MarketLevel(t time.Time) float64 {
	day := simclock.DayIndex(t)
	if day <= e.horizon {
		return 1
	}
	e.mu.Lock()
	e.extendMarketLocked(day)
	level := e.marketLevels[day-e.horizon-1]
	e.mu.Unlock()
	return math.Exp(level)
}

// rawPrice returns the unsplit-adjusted synthesized price for a day index.
func (e *Engine) rawPrice(co *refdata.Company, day int64) float64 {
	anchors := co.Anchors
	lastAnchorDay := simclock.DayIndex(anchors[len(anchors)-1].Date)
	if day > lastAnchorDay {
		return e.forwardPrice(co, day)
	}
	return e.anchoredPrice(co, day)
}

// anchoredPrice interpolates between the bracketing anchors in log space and
// adds the normalized overlay and era level so crisis dips show mid-span
// while anchor dates reproduce their curated prices exactly.
func (e *Engine) anchoredPrice(co *refdata.Company, day int64) float64 {
	anchors := co.Anchors

	// Find the last anchor at or before day.
	idx := sort.Search(len(anchors), func(i int) bool {
		return simclock.DayIndex(anchors[i].Date) > day
	}) - 1
	if idx < 0 {
		return anchors[0].Price
	}
	if idx == len(anchors)-1 {
		return anchors[idx].Price
	}

	a, b := anchors[idx], anchors[idx+1]
	da, db := simclock.DayIndex(a.Date), simclock.DayIndex(b.Date)
	frac := float64(day-da) / float64(db-da)

	base := math.Log(a.Price) + frac*(math.Log(b.Price)-math.Log(a.Price))

	t := simclock.DateForDayIndex(day)
	level := e.shapeLevel(co.Sector, t)
	levelA := e.shapeLevel(co.Sector, a.Date)
	levelB := e.shapeLevel(co.Sector, b.Date)
	normalized := level - (levelA + frac*(levelB-levelA))

	// Per-day independent jitter, tapered to zero at the anchors.
	noise := e.dailyNoise(co, day) * 4 * frac * (1 - frac)

	return math.Exp(base + normalized + noise)
}

// shapeLevel is the combined log-price level of the crash overlay and the
// sector-era drift at t.
func (e *Engine) shapeLevel(sector string, t time.Time) float64 {
	return e.overlay.Level(sector, t) + eraLevel(sector, t)
}

// dailyNoise draws the keyed per-day level jitter for a symbol, clamped so
// consecutive-day moves stay bounded.
func (e *Engine) dailyNoise(co *refdata.Company, day int64) float64 {
	sigma := co.Volatility
	if sigma <= 0 {
		sigma = 0.015
	}
	t := simclock.DateForDayIndex(day)
	sigma *= e.overlay.VolMultiplier(t)

	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: prng.New(e.seed, co.Symbol, day, "anchored-noise")}
	return clamp(n.Rand(), -maxDailyNoise, maxDailyNoise)
}

// forwardPrice extends the post-anchor simulation to the requested day and
// returns the synthesized price.
func (e *Engine) forwardPrice(co *refdata.Company, day int64) float64 {
	e.mu.Lock()
	e.extendSymbolLocked(co, day)
	levels := e.symbolLevels[co.Symbol]
	e.mu.Unlock()

	offset := day - e.horizon - 1
	if offset >= int64(len(levels)) {
		offset = int64(len(levels)) - 1
	}
	last := co.Anchors[len(co.Anchors)-1].Price
	if offset < 0 {
		return last
	}
	return math.Exp(math.Log(last) + levels[offset])
}

// extendMarketLocked grows the shared market-average level series through
// the requested day. Caller holds e.mu.
func (e *Engine) extendMarketLocked(day int64) {
	for d := e.horizon + 1 + int64(len(e.marketLevels)); d <= day; d++ {
		prevLevel := 0.0
		if n := len(e.marketLevels); n > 0 {
			prevLevel = e.marketLevels[n-1]
		}

		t := simclock.DateForDayIndex(d)
		r := 0.0
		if simclock.IsTradingDay(t) {
			year := t.In(simclock.Eastern).Year()
			drift := annualGrowthRate(e.seed, year, "") / tradingDaysPerYear

			sigma := 0.009 * e.overlay.VolMultiplier(t)
			n := distuv.Normal{Mu: 0, Sigma: sigma, Src: prng.New(e.seed, "MARKET", d, "forward-market")}
			proposal := drift + n.Rand()

			r = e.marketCtl.apply(proposal)

			// Scenario shocks land after the controls so the dated crash
			// library shapes post-horizon paths the same way it shapes
			// history.
			r += e.overlay.Level("", t) - e.overlay.Level("", simclock.DateForDayIndex(d-1))
		}
		e.marketLevels = append(e.marketLevels, prevLevel+r)
	}
}

// extendSymbolLocked grows one symbol's post-anchor level series through the
// requested day. Caller holds e.mu.
func (e *Engine) extendSymbolLocked(co *refdata.Company, day int64) {
	e.extendMarketLocked(day)

	levels := e.symbolLevels[co.Symbol]
	for d := e.horizon + 1 + int64(len(levels)); d <= day; d++ {
		prevLevel := 0.0
		if n := len(levels); n > 0 {
			prevLevel = levels[n-1]
		}

		t := simclock.DateForDayIndex(d)
		r := 0.0
		if simclock.IsTradingDay(t) {
			offset := d - e.horizon - 1
			marketR := e.marketLevels[offset]
			if offset > 0 {
				marketR -= e.marketLevels[offset-1]
			}

			sigma := co.Volatility
			if sigma <= 0 {
				sigma = 0.015
			}
			sigma *= e.overlay.VolMultiplier(t)
			n := distuv.Normal{Mu: 0, Sigma: sigma, Src: prng.New(e.seed, co.Symbol, d, "forward-idio")}

			prev := simclock.DateForDayIndex(d - 1)
			sectorShock := (e.overlay.Level(co.Sector, t) - e.overlay.Level(co.Sector, prev)) -
				(e.overlay.Level("", t) - e.overlay.Level("", prev))

			r = marketR + sectorGrowthTilt[co.Sector]/tradingDaysPerYear + n.Rand() + sectorShock
			if !e.overlay.IsCrashDay(t) {
				r = clamp(r, -maxDailyReturn, maxDailyReturn)
			}
		}
		levels = append(levels, prevLevel+r)
	}
	e.symbolLevels[co.Symbol] = levels
}

// prevTradingClose returns the comparable prior-trading-day price for the
// change-pct calculation, adjusted for any split whose effective instant
// falls between the two days.
func (e *Engine) prevTradingClose(symbol string, t time.Time) (float64, bool) {
	co := e.cat.Company(symbol)
	day := simclock.DayIndex(t)

	var prevDay int64 = -1
	for d := day - 1; d >= day-10; d-- {
		pt := simclock.DateForDayIndex(d)
		if simclock.IsTradingDay(pt) && co.Meta().Listed(pt) {
			prevDay = d
			break
		}
	}
	if prevDay < 0 {
		return 0, false
	}

	prevT := simclock.DateForDayIndex(prevDay)

	e.mu.RLock()
	ov, hasOv := e.cashOverrides[symbol]
	e.mu.RUnlock()

	var prev float64
	if hasOv && !prevT.Before(ov.From) {
		prev = ov.Price
	} else {
		// Apply today's dynamic split factor to both sides so a split does
		// not register as a price collapse.
		prev = e.rawPrice(co, prevDay) / e.dynamicSplitFactor(symbol, t)
	}

	// Catalog splits are baked into the anchors as nominal prices, so the
	// prior nominal close needs dividing when the split day sits in between.
	e.mu.RLock()
	for _, s := range e.catalogSplits[symbol] {
		if s.Effective.After(prevT) && !s.Effective.After(t) {
			prev /= s.Ratio
		}
	}
	e.mu.RUnlock()

	if prev < minPrice {
		prev = minPrice
	}
	return prev, true
}

// dynamicSplitFactor is the product of dynamic split ratios effective at or
// before t.
func (e *Engine) dynamicSplitFactor(symbol string, t time.Time) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	factor := 1.0
	for _, s := range e.splits[symbol] {
		if !t.Before(s.Effective) {
			factor *= s.Ratio
		}
	}
	return factor
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Package views derives the read-only query surface from the price engine
// and the account state: stock snapshots, price-history windows with
// optional moving-average overlays, the synthetic market index, dated
// company dossiers and the merged news and email streams. Everything here
// is a pure derivation; nothing mutates.
package views

import (
	"sort"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

// snapshotWorkers bounds the fan-out when building the full snapshot list.
const snapshotWorkers = 8

// StockPricer is the price-engine surface the views need.
type StockPricer interface {
	Quote(symbol string, t time.Time) (domain.Quote, error)
	PriceAt(symbol string, t time.Time) (float64, error)
	History(symbol string, from, to time.Time) ([]domain.PriceSample, error)
}

// FundPricer values index funds for their history windows.
type FundPricer interface {
	FundPrice(symbol string, t time.Time) (float64, error)
}

// Service answers derived-view queries.
type Service struct {
	cat    *refdata.Catalog
	stocks StockPricer
	funds  FundPricer
	avail  *availability.Service
	news   *newsCache
	log    zerolog.Logger
}

// NewService wires the derived views. seed keys the deterministic dynamic
// news draws and must match the price engine's.
func NewService(cat *refdata.Catalog, stocks StockPricer, funds FundPricer,
	avail *availability.Service, seed uint64, log zerolog.Logger) *Service {
	return &Service{
		cat:    cat,
		stocks: stocks,
		funds:  funds,
		avail:  avail,
		news:   newNewsCache(cat, stocks, seed),
		log:    log.With().Str("service", "views").Logger(),
	}
}

// StockSnapshot is the per-symbol listing row.
type StockSnapshot struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Sector           string  `json:"sector"`
	Price            float64 `json:"price"`
	ChangePct        float64 `json:"change_pct"`
	SharesAvailable  int64   `json:"shares_available"`
	OwnershipPercent float64 `json:"ownership_percent"`
	TotalOutstanding int64   `json:"total_outstanding"`
	PublicFloat      int64   `json:"public_float"`
}

// Snapshot returns one stock's snapshot at the simulated instant.
func (s *Service) Snapshot(symbol string, t time.Time) (*StockSnapshot, error) {
	co := s.cat.Company(symbol)
	if co == nil {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	quote, err := s.stocks.Quote(symbol, t)
	if err != nil {
		return nil, err
	}
	av, err := s.avail.Get(symbol)
	if err != nil {
		return nil, err
	}

	snap := &StockSnapshot{
		Symbol:           symbol,
		Name:             co.Name,
		Sector:           co.Sector,
		Price:            quote.Price,
		ChangePct:        quote.ChangePct,
		SharesAvailable:  av.AvailableForTrading,
		TotalOutstanding: av.TotalOutstanding,
		PublicFloat:      av.PublicFloat,
	}
	if av.TotalOutstanding > 0 {
		snap.OwnershipPercent = float64(av.PlayerOwned) / float64(av.TotalOutstanding) * 100
	}
	return snap, nil
}

// Snapshots returns the snapshot of every listed stock, sorted by symbol.
// Symbols that are not listed at t are omitted.
func (s *Service) Snapshots(t time.Time) ([]StockSnapshot, error) {
	symbols := s.cat.Symbols()
	out := make([]*StockSnapshot, len(symbols))

	var g errgroup.Group
	g.SetLimit(snapshotWorkers)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			snap, err := s.Snapshot(symbol, t)
			if err != nil {
				if domain.ErrorKind(err) == "Internal" {
					return err
				}
				return nil // not listed, halted from view, or retired
			}
			out[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snaps := make([]StockSnapshot, 0, len(out))
	for _, snap := range out {
		if snap != nil {
			snaps = append(snaps, *snap)
		}
	}
	return snaps, nil
}

// HistoryPoint is one sample in a history window. SMA is nil until the
// moving-average window has enough samples.
type HistoryPoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
	SMA   *float64  `json:"sma,omitempty"`
}

// History returns the last `days` calendar days of a stock's prices ending
// at t. smaWindow > 1 adds a simple-moving-average overlay.
func (s *Service) History(symbol string, days, smaWindow int, t time.Time) ([]HistoryPoint, error) {
	if days <= 0 {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "days must be positive")
	}
	samples, err := s.stocks.History(symbol, t.AddDate(0, 0, -(days-1)), t)
	if err != nil {
		return nil, err
	}
	return overlaySMA(samples, smaWindow), nil
}

// FundHistory returns an index fund's unit-price window.
func (s *Service) FundHistory(symbol string, days, smaWindow int, t time.Time) ([]HistoryPoint, error) {
	if days <= 0 {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "days must be positive")
	}
	if s.cat.IndexFund(symbol) == nil {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}

	start := simclock.DayIndex(t) - int64(days) + 1
	samples := make([]domain.PriceSample, 0, days)
	for d := start; d <= simclock.DayIndex(t); d++ {
		day := simclock.DateForDayIndex(d)
		price, err := s.funds.FundPrice(symbol, day)
		if err != nil {
			continue // before inception
		}
		samples = append(samples, domain.PriceSample{Time: day, Price: price})
	}
	return overlaySMA(samples, smaWindow), nil
}

// FundSnapshot is the per-fund listing row.
type FundSnapshot struct {
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	ExpenseRatio float64   `json:"expense_ratio"`
	Inception    time.Time `json:"inception"`
}

// FundSnapshot returns one index fund's snapshot at the simulated instant.
func (s *Service) FundSnapshot(symbol string, t time.Time) (*FundSnapshot, error) {
	fund := s.cat.IndexFund(symbol)
	if fund == nil {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	price, err := s.funds.FundPrice(symbol, t)
	if err != nil {
		return nil, err
	}
	return &FundSnapshot{
		Symbol:       fund.Symbol,
		Name:         fund.Name,
		Price:        price,
		ExpenseRatio: fund.ExpenseRatio,
		Inception:    fund.Inception,
	}, nil
}

// FundSnapshots lists every fund live at t; pre-inception funds are
// omitted.
func (s *Service) FundSnapshots(t time.Time) []FundSnapshot {
	funds := s.cat.IndexFunds()
	out := make([]FundSnapshot, 0, len(funds))
	for _, fund := range funds {
		snap, err := s.FundSnapshot(fund.Symbol, t)
		if err != nil {
			continue
		}
		out = append(out, *snap)
	}
	return out
}

func overlaySMA(samples []domain.PriceSample, window int) []HistoryPoint {
	points := make([]HistoryPoint, len(samples))
	for i, sample := range samples {
		points[i] = HistoryPoint{Time: sample.Time, Price: sample.Price}
	}
	if window > 1 && len(samples) >= window {
		prices := make([]float64, len(samples))
		for i, sample := range samples {
			prices[i] = sample.Price
		}
		sma := talib.Sma(prices, window)
		for i := window - 1; i < len(points); i++ {
			v := sma[i]
			points[i].SMA = &v
		}
	}
	return points
}

// IndexPoint is one day of the synthetic market index.
type IndexPoint struct {
	Time  time.Time `json:"time"`
	Level float64   `json:"level"`
}

// MarketIndex averages the prices of every listed stock per day over the
// last `days` calendar days ending at t.
func (s *Service) MarketIndex(days int, t time.Time) ([]IndexPoint, error) {
	if days <= 0 {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "days must be positive")
	}

	start := simclock.DayIndex(t) - int64(days) + 1
	out := make([]IndexPoint, days)

	var g errgroup.Group
	g.SetLimit(snapshotWorkers)
	for i := 0; i < days; i++ {
		i := i
		g.Go(func() error {
			day := simclock.DateForDayIndex(start + int64(i))
			sum, n := 0.0, 0
			for _, symbol := range s.cat.Symbols() {
				price, err := s.stocks.PriceAt(symbol, day)
				if err != nil {
					continue
				}
				sum += price
				n++
			}
			point := IndexPoint{Time: day}
			if n > 0 {
				point.Level = sum / float64(n)
			}
			out[i] = point
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Dossier is the company-at-time view: only records dated at or before the
// query instant are visible.
type Dossier struct {
	Symbol       string                     `json:"symbol"`
	Name         string                     `json:"name"`
	Sector       string                     `json:"sector"`
	ListedFrom   time.Time                  `json:"listed_from"`
	DividendRate float64                    `json:"dividend_rate"`
	Financials   *refdata.FinancialSnapshot `json:"financials,omitempty"`
	Products     []string                   `json:"products,omitempty"`
	Employees    int                        `json:"employees,omitempty"`
}

// CompanyAt returns the dossier for a symbol filtered by the simulated year.
func (s *Service) CompanyAt(symbol string, t time.Time) (*Dossier, error) {
	co := s.cat.Company(symbol)
	if co == nil {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	if t.Before(co.ListedFrom) {
		return nil, domain.Wrap(domain.ErrNotListedYet, "%s lists on %s", symbol, co.ListedFrom.Format("2006-01-02"))
	}

	year := t.In(simclock.Eastern).Year()
	d := &Dossier{
		Symbol:       co.Symbol,
		Name:         co.Name,
		Sector:       co.Sector,
		ListedFrom:   co.ListedFrom,
		DividendRate: co.DividendRate(year),
		Products:     co.ProductsAt(year),
		Employees:    co.EmployeesAt(year),
	}
	if fin, ok := co.FinancialsAt(year); ok {
		d.Financials = &fin
	}
	return d, nil
}

// News merges the static deck with dynamically generated move items up to
// the simulated instant, newest first.
func (s *Service) News(t time.Time, limit int) []domain.NewsItem {
	static := s.cat.NewsUpTo(t, 0)
	dynamic := s.news.itemsUpTo(t)

	merged := make([]domain.NewsItem, 0, len(static)+len(dynamic))
	merged = append(merged, static...)
	merged = append(merged, dynamic...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Date.After(merged[j].Date) })

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Emails returns the static email deck up to the simulated instant.
func (s *Service) Emails(t time.Time, limit int) []domain.EmailItem {
	return s.cat.EmailsUpTo(t, limit)
}

// Package indexfunds prices the static fund catalog by aggregating
// constituent stock prices. Each fund fixes a divisor at inception so its
// unit price starts at 100; the expense ratio is charged to cash by the
// scheduler, not baked into the price.
package indexfunds

import (
	"sync"
	"time"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/refdata"
)

// inceptionPrice is every fund's unit price on its inception date.
const inceptionPrice = 100.0

// StockPricer provides constituent prices.
type StockPricer interface {
	PriceAt(symbol string, t time.Time) (float64, error)
}

// Service prices index funds from the catalog.
type Service struct {
	cat    *refdata.Catalog
	stocks StockPricer

	mu       sync.Mutex
	divisors map[string]float64
}

// NewService creates an index-fund pricing service.
func NewService(cat *refdata.Catalog, stocks StockPricer) *Service {
	return &Service{
		cat:      cat,
		stocks:   stocks,
		divisors: make(map[string]float64),
	}
}

// FundPrice returns the fund's unit price at a simulated instant. Undefined
// before inception.
func (s *Service) FundPrice(symbol string, t time.Time) (float64, error) {
	fund := s.cat.IndexFund(symbol)
	if fund == nil {
		return 0, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	if t.Before(fund.Inception) {
		return 0, domain.Wrap(domain.ErrNotListedYet, "%s incepts %s", symbol, fund.Inception.Format("2006-01-02"))
	}

	div, err := s.divisor(fund)
	if err != nil {
		return 0, err
	}
	agg, err := s.aggregate(fund, t)
	if err != nil {
		return 0, err
	}
	return agg / div, nil
}

// divisor lazily computes and caches the per-fund divisor from the
// aggregation value on the inception date.
func (s *Service) divisor(fund *domain.IndexFund) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.divisors[fund.Symbol]; ok {
		return d, nil
	}
	agg, err := s.aggregate(fund, fund.Inception)
	if err != nil {
		return 0, err
	}
	d := agg / inceptionPrice
	s.divisors[fund.Symbol] = d
	return d, nil
}

// aggregate computes the fund's raw weighted sum at an instant.
// Constituents without a defined price (delisted, not yet listed)
// contribute zero.
func (s *Service) aggregate(fund *domain.IndexFund, t time.Time) (float64, error) {
	sum := 0.0
	for _, sym := range fund.Constituents {
		price, err := s.stocks.PriceAt(sym, t)
		if err != nil {
			continue
		}

		switch fund.Weighting {
		case domain.WeightEqual:
			// Equal dollar weights at inception: each constituent
			// contributes its growth factor since then.
			base, err := s.stocks.PriceAt(sym, fund.Inception)
			if err != nil || base == 0 {
				continue
			}
			sum += price / base
		case domain.WeightMcap:
			co := s.cat.Company(sym)
			if co == nil {
				continue
			}
			sum += price * float64(co.SharesOutstanding)
		default: // price-weighted, DJIA style
			sum += price
		}
	}
	if sum == 0 {
		return 0, domain.Wrap(domain.ErrNotFound, "fund %s has no priceable constituents", fund.Symbol)
	}
	return sum, nil
}

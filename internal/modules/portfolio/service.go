package portfolio

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
)

// StockPricer provides stock prices. Defined here to avoid an import cycle
// with the pricing engine.
type StockPricer interface {
	PriceAt(symbol string, t time.Time) (float64, error)
}

// BondPricer provides bond unit prices.
type BondPricer interface {
	BondPrice(symbol string, t time.Time) (float64, error)
}

// FundPricer provides index-fund unit prices.
type FundPricer interface {
	FundPrice(symbol string, t time.Time) (float64, error)
}

// LoanBalanceProvider reports the account's outstanding loan liability.
type LoanBalanceProvider interface {
	OutstandingBalance(accountID string) (domain.Cents, error)
}

// Service aggregates the account's holdings into a valuation.
type Service struct {
	repo   *Repository
	stocks StockPricer
	bonds  BondPricer
	funds  FundPricer
	loans  LoanBalanceProvider
	log    zerolog.Logger
}

// NewService creates a portfolio service.
func NewService(repo *Repository, stocks StockPricer, bonds BondPricer, funds FundPricer, loans LoanBalanceProvider, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		stocks: stocks,
		bonds:  bonds,
		funds:  funds,
		loans:  loans,
		log:    log.With().Str("service", "portfolio").Logger(),
	}
}

// Holding is one valued position in the summary.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Class    string  `json:"class"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Value    float64 `json:"value"`
}

// Summary is the account valuation at one simulated instant.
type Summary struct {
	AccountID      string    `json:"account_id"`
	AsOf           time.Time `json:"as_of"`
	Cash           float64   `json:"cash"`
	CreditScore    int       `json:"credit_score"`
	Holdings       []Holding `json:"holdings"`
	LongValue      float64   `json:"long_value"`
	ShortLiability float64   `json:"short_liability"`
	LoanLiability  float64   `json:"loan_liability"`
	NetWorth       float64   `json:"net_worth"`
}

// Summarize values every holding at the given simulated instant. Positions
// whose price is undefined at t (retired symbols awaiting event processing)
// are carried at zero and logged.
func (s *Service) Summarize(accountID string, t time.Time) (*Summary, error) {
	acc, err := s.repo.Account(accountID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		AccountID:   accountID,
		AsOf:        t,
		Cash:        acc.Cash.Dollars(),
		CreditScore: acc.CreditScore,
	}

	positions, err := s.repo.Positions(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	for symbol, shares := range positions {
		price, err := s.stocks.PriceAt(symbol, t)
		if err != nil {
			s.log.Warn().Str("symbol", symbol).Err(err).Msg("Position has no defined price, valued at zero")
			price = 0
		}
		value := price * float64(shares)
		sum.Holdings = append(sum.Holdings, Holding{Symbol: symbol, Class: "stock", Quantity: shares, Price: price, Value: value})
		sum.LongValue += value
	}

	bonds, err := s.repo.BondHoldings(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bond holdings: %w", err)
	}
	for _, h := range bonds {
		price, err := s.bonds.BondPrice(h.Symbol, t)
		if err != nil {
			price = 0
		}
		value := price * float64(h.Quantity)
		sum.Holdings = append(sum.Holdings, Holding{Symbol: h.Symbol, Class: "bond", Quantity: h.Quantity, Price: price, Value: value})
		sum.LongValue += value
	}

	funds, err := s.repo.IndexHoldings(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load index holdings: %w", err)
	}
	for _, h := range funds {
		price, err := s.funds.FundPrice(h.Symbol, t)
		if err != nil {
			price = 0
		}
		value := price * float64(h.Quantity)
		sum.Holdings = append(sum.Holdings, Holding{Symbol: h.Symbol, Class: "index", Quantity: h.Quantity, Price: price, Value: value})
		sum.LongValue += value
	}

	shorts, err := s.repo.ShortPositions(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load short positions: %w", err)
	}
	for _, sp := range shorts {
		price, err := s.stocks.PriceAt(sp.Symbol, t)
		if err != nil {
			price = 0
		}
		liability := price * float64(sp.Quantity)
		sum.Holdings = append(sum.Holdings, Holding{Symbol: sp.Symbol, Class: "short", Quantity: -sp.Quantity, Price: price, Value: -liability})
		sum.ShortLiability += liability
	}

	if s.loans != nil {
		balance, err := s.loans.OutstandingBalance(accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load loan balance: %w", err)
		}
		sum.LoanLiability = balance.Dollars()
	}

	sum.NetWorth = sum.Cash + sum.LongValue - sum.ShortLiability - sum.LoanLiability
	return sum, nil
}

// Exposure returns the account's gross long market value in stocks plus the
// value of one symbol, used by the concentration rule.
func (s *Service) Exposure(accountID string, t time.Time) (total float64, bySymbol map[string]float64, err error) {
	positions, err := s.repo.Positions(accountID)
	if err != nil {
		return 0, nil, err
	}
	bySymbol = make(map[string]float64, len(positions))
	for symbol, shares := range positions {
		price, err := s.stocks.PriceAt(symbol, t)
		if err != nil {
			continue
		}
		v := price * float64(shares)
		bySymbol[symbol] = v
		total += v
	}
	return total, bySymbol, nil
}

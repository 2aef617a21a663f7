// Package cashflows is the cash-event scheduler: quarterly dividends, bond
// coupons and maturities, daily index-fund expense accrual, monthly account
// fees, margin interest and loan servicing. Every category keeps a
// last-processed marker in the state database, so catch-up after a fast
// clock jump is bounded and re-running a tick never double-applies.
package cashflows

import (
	"database/sql"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const (
	// catchupCap bounds how many missed boundaries one tick may process per
	// category; the remainder carries over to the next tick.
	catchupCap = 40

	// dividendWithholdingRate is withheld flat from every dividend.
	dividendWithholdingRate = 0.15

	// bondInterestTaxRate applies to treasury and corporate coupons;
	// municipal coupons are tax-free.
	bondInterestTaxRate = 0.25

	// monthlyFee is the flat account maintenance fee.
	monthlyFee = domain.Cents(10_00)

	// marginAnnualRate is charged monthly on a negative cash balance.
	marginAnnualRate = 0.10
)

// StockPricer values dividend-paying positions at the boundary instant.
type StockPricer interface {
	PriceAt(symbol string, t time.Time) (float64, error)
}

// FundPricer values index holdings for the expense accrual.
type FundPricer interface {
	FundPrice(symbol string, t time.Time) (float64, error)
}

// SentimentSource supplies market sentiment for the buyback and issuance
// cycles.
type SentimentSource interface {
	Sentiment(t time.Time) float64
}

// LoanServicer accrues monthly loan interest and penalties; implemented by
// the loans module.
type LoanServicer interface {
	AccrueMonthly(accountID string, at time.Time) error
}

// Scheduler runs the cash-event catch-up.
type Scheduler struct {
	cat       *refdata.Catalog
	stocks    StockPricer
	funds     FundPricer
	sentiment SentimentSource
	accounts  *portfolio.Repository
	avail     *availability.Service
	ledger    *ledger.Repository
	loans     LoanServicer
	markers   *markerStore
	log       zerolog.Logger
}

// NewScheduler wires the scheduler. startAt seeds the markers of categories
// that have never run.
func NewScheduler(stateDB *sql.DB, cat *refdata.Catalog, stocks StockPricer, funds FundPricer,
	sentiment SentimentSource, accounts *portfolio.Repository, avail *availability.Service,
	led *ledger.Repository, loans LoanServicer, startAt time.Time, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cat:       cat,
		stocks:    stocks,
		funds:     funds,
		sentiment: sentiment,
		accounts:  accounts,
		avail:     avail,
		ledger:    led,
		loans:     loans,
		markers:   &markerStore{db: stateDB, startAt: startAt},
		log:       log.With().Str("service", "cashflows").Logger(),
	}
}

// Run processes every cash-flow category up to now. Intra-day ordering is
// fixed: dividends, then coupons and maturities, then fees and expense
// accrual, then interest. Corporate events are replayed by the caller
// before this runs.
func (s *Scheduler) Run(accountID string, now time.Time) error {
	if err := s.runDividends(accountID, now); err != nil {
		return err
	}
	if err := s.runCoupons(accountID, now); err != nil {
		return err
	}
	if err := s.runMaturities(accountID, now); err != nil {
		return err
	}
	if err := s.runMonthly(accountID, now); err != nil {
		return err
	}
	if err := s.runExpenses(accountID, now); err != nil {
		return err
	}
	return s.runShareCycles(now)
}

// runDividends pays quarterly dividends: rate(symbol, year) of the position
// value, divided by four, with flat withholding.
func (s *Scheduler) runDividends(accountID string, now time.Time) error {
	last, err := s.markers.last("dividends")
	if err != nil {
		return err
	}

	for _, boundary := range quarterStarts(last, now, catchupCap) {
		positions, err := s.accounts.Positions(accountID)
		if err != nil {
			return err
		}
		for symbol, shares := range positions {
			co := s.cat.Company(symbol)
			if co == nil || shares <= 0 {
				continue
			}
			rate := co.DividendRate(boundary.Year())
			if rate <= 0 {
				continue
			}
			price, err := s.stocks.PriceAt(symbol, boundary)
			if err != nil {
				s.log.Debug().Str("symbol", symbol).Err(err).Msg("Dividend skipped, no price at boundary")
				continue
			}

			gross := domain.CentsFromDollars(rate * price * float64(shares) / 4)
			if gross <= 0 {
				continue
			}
			withheld := gross.MulShares(dividendWithholdingRate)
			net := gross - withheld

			if err := s.accounts.ForceCash(accountID, net); err != nil {
				return err
			}
			if err := s.ledger.RecordDividend(accountID, symbol, boundary, shares, gross, withheld, net); err != nil {
				return err
			}
			if err := s.ledger.RecordTax(accountID, boundary, "dividend_withholding", symbol, gross, withheld); err != nil {
				return err
			}
		}
		if err := s.markers.set("dividends", boundary); err != nil {
			return err
		}
	}
	return nil
}

// runCoupons pays semi-annual bond coupons counted from each bond's issue
// date. Treasury and corporate interest is taxed; municipal is not. The
// catch-up cap cuts chronologically across holdings and the marker advances
// only through boundaries actually paid, so the remainder carries over.
func (s *Scheduler) runCoupons(accountID string, now time.Time) error {
	last, err := s.markers.last("coupons")
	if err != nil {
		return err
	}

	holdings, err := s.accounts.BondHoldings(accountID)
	if err != nil {
		return err
	}

	type couponDue struct {
		holding domain.BondHolding
		bond    *domain.Bond
		due     time.Time
	}
	var dues []couponDue
	for _, h := range holdings {
		bond := s.cat.Bond(h.Symbol)
		if bond == nil {
			continue
		}
		for due := bond.IssueDate.AddDate(0, 6, 0); !due.After(now) && !due.After(bond.MaturityDate); due = due.AddDate(0, 6, 0) {
			if !due.After(last) || due.Before(h.AcquiredAt) {
				continue
			}
			dues = append(dues, couponDue{holding: h, bond: bond, due: due})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].due.Before(dues[j].due) })

	marker := now
	if len(dues) > catchupCap {
		// Boundaries sharing the cut instant stay together; the marker must
		// sit strictly before the first retained boundary.
		cut := catchupCap
		for cut < len(dues) && dues[cut].due.Equal(dues[cut-1].due) {
			cut++
		}
		marker = dues[cut-1].due
		dues = dues[:cut]
	}

	for _, d := range dues {
		gross := domain.CentsFromDollars(d.bond.Face * d.bond.CouponRate / 2).MulShares(float64(d.holding.Quantity))
		tax := domain.Cents(0)
		if d.bond.Kind != domain.BondMunicipal {
			tax = gross.MulShares(bondInterestTaxRate)
			if err := s.ledger.RecordTax(accountID, d.due, "bond_interest", d.holding.Symbol, gross, tax); err != nil {
				return err
			}
		}
		net := gross - tax
		if err := s.accounts.ForceCash(accountID, net); err != nil {
			return err
		}
		if err := s.ledger.RecordCashflow(accountID, d.due, "coupon", d.holding.Symbol, net, "semi-annual coupon"); err != nil {
			return err
		}
	}
	return s.markers.set("coupons", marker)
}

// runMaturities redeems matured bond holdings at face. Idempotent because
// the holding is removed on redemption.
func (s *Scheduler) runMaturities(accountID string, now time.Time) error {
	holdings, err := s.accounts.BondHoldings(accountID)
	if err != nil {
		return err
	}
	for _, h := range holdings {
		bond := s.cat.Bond(h.Symbol)
		if bond == nil || now.Before(bond.MaturityDate) {
			continue
		}

		refund := domain.CentsFromDollars(bond.Face).MulShares(float64(h.Quantity))
		if err := s.accounts.AdjustBondHolding(accountID, h.Symbol, -h.Quantity, 0, now); err != nil {
			return err
		}
		if err := s.accounts.ForceCash(accountID, refund); err != nil {
			return err
		}
		if err := s.ledger.RecordCashflow(accountID, bond.MaturityDate, "maturity", h.Symbol, refund, "bond redeemed at face"); err != nil {
			return err
		}
		s.log.Info().Str("symbol", h.Symbol).Int64("units", h.Quantity).Msg("Bond matured")
	}
	return nil
}

// runMonthly charges the flat fee, margin interest on a negative cash
// balance, and delegates loan servicing.
func (s *Scheduler) runMonthly(accountID string, now time.Time) error {
	last, err := s.markers.last("monthly")
	if err != nil {
		return err
	}

	for _, boundary := range monthStarts(last, now, catchupCap) {
		if err := s.accounts.ForceCash(accountID, -monthlyFee); err != nil {
			return err
		}
		if err := s.ledger.RecordCashflow(accountID, boundary, "fee", "", -monthlyFee, "monthly account fee"); err != nil {
			return err
		}

		acc, err := s.accounts.Account(accountID)
		if err != nil {
			return err
		}
		if acc.Cash < 0 {
			interest := domain.Cents(-acc.Cash).MulShares(marginAnnualRate / 12)
			if interest > 0 {
				if err := s.accounts.ForceCash(accountID, -interest); err != nil {
					return err
				}
				if err := s.ledger.RecordCashflow(accountID, boundary, "margin_interest", "", -interest, "interest on negative cash"); err != nil {
					return err
				}
			}
		}

		if s.loans != nil {
			if err := s.loans.AccrueMonthly(accountID, boundary); err != nil {
				return err
			}
		}
		if err := s.markers.set("monthly", boundary); err != nil {
			return err
		}
	}
	return nil
}

// runExpenses accrues index-fund expense ratios daily against position
// value.
func (s *Scheduler) runExpenses(accountID string, now time.Time) error {
	last, err := s.markers.last("expenses")
	if err != nil {
		return err
	}

	holdings, err := s.accounts.IndexHoldings(accountID)
	if err != nil {
		return err
	}
	if len(holdings) == 0 {
		return s.markers.set("expenses", now)
	}

	for _, boundary := range dayStarts(last, now, catchupCap) {
		for _, h := range holdings {
			fund := s.cat.IndexFund(h.Symbol)
			if fund == nil || fund.ExpenseRatio <= 0 {
				continue
			}
			price, err := s.funds.FundPrice(h.Symbol, boundary)
			if err != nil {
				continue
			}
			expense := domain.CentsFromDollars(price * float64(h.Quantity) * fund.ExpenseRatio / 365)
			if expense <= 0 {
				continue
			}
			if err := s.accounts.ForceCash(accountID, -expense); err != nil {
				return err
			}
			if err := s.ledger.RecordCashflow(accountID, boundary, "expense_ratio", h.Symbol, -expense, "daily expense accrual"); err != nil {
				return err
			}
		}
		if err := s.markers.set("expenses", boundary); err != nil {
			return err
		}
	}
	return nil
}

// runShareCycles triggers the monthly buyback and quarterly issuance draws.
func (s *Scheduler) runShareCycles(now time.Time) error {
	last, err := s.markers.last("buybacks")
	if err != nil {
		return err
	}
	for _, boundary := range monthStarts(last, now, catchupCap) {
		if err := s.avail.RunBuybackCycle(boundary, s.sentiment.Sentiment(boundary)); err != nil {
			return err
		}
		if err := s.markers.set("buybacks", boundary); err != nil {
			return err
		}
	}

	last, err = s.markers.last("issuance")
	if err != nil {
		return err
	}
	for _, boundary := range quarterStarts(last, now, catchupCap) {
		if err := s.avail.RunIssuanceCycle(boundary, s.sentiment.Sentiment(boundary)); err != nil {
			return err
		}
		if err := s.markers.set("issuance", boundary); err != nil {
			return err
		}
	}
	return nil
}

// quarterStarts returns the first instants of quarters strictly after last
// and at or before now, oldest first, capped.
func quarterStarts(last, now time.Time, limit int) []time.Time {
	var out []time.Time
	t := last.In(simclock.Eastern)
	q := time.Date(t.Year(), ((t.Month()-1)/3)*3+1, 1, 0, 0, 0, 0, simclock.Eastern)
	for q = q.AddDate(0, 3, 0); !q.After(now); q = q.AddDate(0, 3, 0) {
		if q.After(last) {
			out = append(out, q)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// monthStarts returns the first instants of months strictly after last and
// at or before now, oldest first, capped.
func monthStarts(last, now time.Time, limit int) []time.Time {
	var out []time.Time
	t := last.In(simclock.Eastern)
	m := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, simclock.Eastern)
	for m = m.AddDate(0, 1, 0); !m.After(now); m = m.AddDate(0, 1, 0) {
		if m.After(last) {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// dayStarts returns midnights strictly after last and at or before now,
// oldest first, capped.
func dayStarts(last, now time.Time, limit int) []time.Time {
	var out []time.Time
	t := last.In(simclock.Eastern)
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, simclock.Eastern)
	for d = d.AddDate(0, 0, 1); !d.After(now); d = d.AddDate(0, 0, 1) {
		if d.After(last) {
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

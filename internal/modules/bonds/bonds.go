// Package bonds prices the static bond catalog off a simple yield curve.
// The curve anchors on the modeled policy rate for the simulated year, adds
// a term premium and a credit-rating spread, and discounts the remaining
// semi-annual coupons plus face.
package bonds

import (
	"math"
	"time"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/pricing"
	"github.com/aristath/retrograde/internal/refdata"
)

// ratingSpread is the annual yield premium over treasuries per credit rating.
var ratingSpread = map[string]float64{
	"AAA": 0.000,
	"AA":  0.003,
	"A":   0.006,
	"BBB": 0.012,
	"BB":  0.025,
	"B":   0.040,
}

// Service prices bonds from the catalog.
type Service struct {
	cat *refdata.Catalog
}

// NewService creates a bond pricing service.
func NewService(cat *refdata.Catalog) *Service {
	return &Service{cat: cat}
}

// Yield returns the annual discount rate for a bond at a simulated instant.
func (s *Service) Yield(b *domain.Bond, t time.Time) float64 {
	y := pricing.FedFundsRate(t.Year())

	// Term premium grows with remaining maturity, capped at ten years out.
	years := b.MaturityDate.Sub(t).Hours() / (24 * 365.25)
	if years > 10 {
		years = 10
	}
	if years > 0 {
		y += 0.0015 * years
	}

	y += ratingSpread[b.CreditRating]
	if b.Kind == domain.BondMunicipal {
		// Tax exemption lets municipals clear at lower pre-tax yields.
		y -= 0.005
	}
	if y < 0.005 {
		y = 0.005
	}
	return y
}

// BondPrice returns the market price of one bond unit at a simulated
// instant. Matured bonds are carried at face until the scheduler redeems
// them. Bonds return ErrNotListedYet before their issue date.
func (s *Service) BondPrice(symbol string, t time.Time) (float64, error) {
	b := s.cat.Bond(symbol)
	if b == nil {
		return 0, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	if t.Before(b.IssueDate) {
		return 0, domain.Wrap(domain.ErrNotListedYet, "%s issues %s", symbol, b.IssueDate.Format("2006-01-02"))
	}
	if !t.Before(b.MaturityDate) {
		return b.Face, nil
	}

	y := s.Yield(b, t)
	periods := remainingPeriods(t, b.MaturityDate)
	coupon := b.Face * b.CouponRate / 2
	rate := y / 2

	price := 0.0
	for k := 1; k <= periods; k++ {
		price += coupon / math.Pow(1+rate, float64(k))
	}
	price += b.Face / math.Pow(1+rate, float64(periods))
	return price, nil
}

// remainingPeriods counts the semi-annual coupon dates left before maturity.
func remainingPeriods(t, maturity time.Time) int {
	days := maturity.Sub(t).Hours() / 24
	n := int(math.Ceil(days / 182.625))
	if n < 1 {
		n = 1
	}
	return n
}

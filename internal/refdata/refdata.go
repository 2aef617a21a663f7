// Package refdata holds the static catalogs the engine is seeded with:
// the company roster with anchor price history, crash scenarios, halt
// windows, loan lenders, bonds, index funds, corporate events and the
// news/email decks. Catalogs are loaded once at startup from embedded YAML
// and are read-only at steady state.
package refdata

import (
	"sort"
	"time"

	"github.com/aristath/retrograde/internal/domain"
)

// FinancialSnapshot is a dated company financials record. Keys in the
// company maps are anchor years; lookups return the snapshot for the
// largest key <= the query year.
type FinancialSnapshot struct {
	Revenue   float64 `yaml:"revenue"`    // USD millions
	NetIncome float64 `yaml:"net_income"` // USD millions
	EPS       float64 `yaml:"eps"`
}

// Company is one roster entry: metadata, the sparse anchor price history
// that pins the synthesized path, share counts and the dated dossier.
type Company struct {
	Symbol     string     `yaml:"symbol"`
	Name       string     `yaml:"name"`
	Sector     string     `yaml:"sector"`
	ListedFrom time.Time  `yaml:"listed_from"`
	RetiredAt  *time.Time `yaml:"retired_at"`

	Anchors []Anchor `yaml:"anchors"`

	SharesOutstanding int64 `yaml:"shares_outstanding"`
	PublicFloat       int64 `yaml:"public_float"`

	// Daily volatility profile (stdev of daily log returns, e.g. 0.02).
	Volatility float64 `yaml:"volatility"`

	// Annual dividend yield by anchor year; zero map means non-paying.
	DividendRates map[int]float64 `yaml:"dividend_rates"`

	Financials map[int]FinancialSnapshot `yaml:"financials"`
	Products   map[int][]string          `yaml:"products"`
	Employees  map[int]int               `yaml:"employees"`
}

// Anchor is a curated (date, price) milestone.
type Anchor struct {
	Date  time.Time `yaml:"date"`
	Price float64   `yaml:"price"`
}

// Meta returns the company's security metadata.
func (c *Company) Meta() domain.SecurityMeta {
	return domain.SecurityMeta{
		Symbol:     c.Symbol,
		Name:       c.Name,
		Sector:     c.Sector,
		Class:      domain.AssetStock,
		ListedFrom: c.ListedFrom,
		RetiredAt:  c.RetiredAt,
	}
}

// DividendRate returns the annual dividend yield effective in year: the
// value for the largest anchor year <= year, or 0 for non-payers.
func (c *Company) DividendRate(year int) float64 {
	return lookupByAnchorYear(c.DividendRates, year)
}

// FinancialsAt returns the snapshot for the largest anchor year <= year.
func (c *Company) FinancialsAt(year int) (FinancialSnapshot, bool) {
	best, ok := -1, false
	for y := range c.Financials {
		if y <= year && y > best {
			best, ok = y, true
		}
	}
	if !ok {
		return FinancialSnapshot{}, false
	}
	return c.Financials[best], true
}

// ProductsAt returns the product list for the largest anchor year <= year.
func (c *Company) ProductsAt(year int) []string {
	best := -1
	for y := range c.Products {
		if y <= year && y > best {
			best = y
		}
	}
	if best < 0 {
		return nil
	}
	return c.Products[best]
}

// EmployeesAt returns the headcount for the largest anchor year <= year.
func (c *Company) EmployeesAt(year int) int {
	return int(lookupByAnchorYear(intToFloat(c.Employees), year))
}

// Catalog bundles every static dataset. Lookups are map or binary-search
// based; nothing here mutates after Load.
type Catalog struct {
	companies map[string]*Company
	symbols   []string // sorted
	bonds     map[string]*domain.Bond
	indices   map[string]*domain.IndexFund
	lenders   []domain.Lender
	halts     []domain.Halt
	crashes   map[string]*domain.CrashScenario
	events    []domain.CorporateEvent // sorted by effective instant
	news      []domain.NewsItem       // sorted by date
	emails    []domain.EmailItem      // sorted by date
}

// Company returns the roster entry for a symbol, or nil.
func (c *Catalog) Company(symbol string) *Company {
	return c.companies[symbol]
}

// Symbols returns all stock symbols in sorted order.
func (c *Catalog) Symbols() []string {
	return c.symbols
}

// Companies returns the full roster keyed by symbol.
func (c *Catalog) Companies() map[string]*Company {
	return c.companies
}

// Bond returns the bond catalog entry for a symbol, or nil.
func (c *Catalog) Bond(symbol string) *domain.Bond {
	return c.bonds[symbol]
}

// Bonds returns all bonds.
func (c *Catalog) Bonds() []*domain.Bond {
	out := make([]*domain.Bond, 0, len(c.bonds))
	for _, b := range c.bonds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// IndexFund returns the index-fund definition for a symbol, or nil.
func (c *Catalog) IndexFund(symbol string) *domain.IndexFund {
	return c.indices[symbol]
}

// IndexFunds returns all index funds.
func (c *Catalog) IndexFunds() []*domain.IndexFund {
	out := make([]*domain.IndexFund, 0, len(c.indices))
	for _, f := range c.indices {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Lenders returns the lenders available at instant t, ordered by trust tier.
func (c *Catalog) Lenders(t time.Time) []domain.Lender {
	year := t.Year()
	out := make([]domain.Lender, 0, len(c.lenders))
	for _, l := range c.lenders {
		if l.AvailableFrom <= year {
			out = append(out, l)
		}
	}
	return out
}

// Lender returns a lender by id, or nil.
func (c *Catalog) Lender(id string) *domain.Lender {
	for i := range c.lenders {
		if c.lenders[i].ID == id {
			return &c.lenders[i]
		}
	}
	return nil
}

// Halts returns the full halt schedule sorted by start.
func (c *Catalog) Halts() []domain.Halt {
	return c.halts
}

// CrashScenario returns the library entry for an id, or nil.
func (c *Catalog) CrashScenario(id string) *domain.CrashScenario {
	return c.crashes[id]
}

// CrashScenarios returns the dated crash library.
func (c *Catalog) CrashScenarios() []*domain.CrashScenario {
	out := make([]*domain.CrashScenario, 0, len(c.crashes))
	for _, s := range c.crashes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// CorporateEvents returns the dated event list sorted by effective instant.
func (c *Catalog) CorporateEvents() []domain.CorporateEvent {
	out := make([]domain.CorporateEvent, len(c.events))
	copy(out, c.events)
	return out
}

// NewsUpTo returns static news items dated at or before t, newest first,
// capped at limit (0 means no cap).
func (c *Catalog) NewsUpTo(t time.Time, limit int) []domain.NewsItem {
	out := make([]domain.NewsItem, 0, 32)
	for i := len(c.news) - 1; i >= 0; i-- {
		if c.news[i].Date.After(t) {
			continue
		}
		out = append(out, c.news[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EmailsUpTo returns email items dated at or before t, newest first.
func (c *Catalog) EmailsUpTo(t time.Time, limit int) []domain.EmailItem {
	out := make([]domain.EmailItem, 0, 16)
	for i := len(c.emails) - 1; i >= 0; i-- {
		if c.emails[i].Date.After(t) {
			continue
		}
		out = append(out, c.emails[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func lookupByAnchorYear(m map[int]float64, year int) float64 {
	best, found := -1, false
	for y := range m {
		if y <= year && y > best {
			best, found = y, true
		}
	}
	if !found {
		return 0
	}
	return m[best]
}

func intToFloat(m map[int]int) map[int]float64 {
	out := make(map[int]float64, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

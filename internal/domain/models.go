// Package domain holds the pure types shared across the engine. It has no
// infrastructure dependencies.
package domain

import "time"

// AssetClass identifies what kind of security a symbol names.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetIndex  AssetClass = "index"
	AssetBond   AssetClass = "bond"
	AssetCrypto AssetClass = "crypto"
)

// SecurityMeta describes a tradable symbol. A price is defined only on
// [ListedFrom, RetiredAt); queries outside that window are unavailable.
type SecurityMeta struct {
	Symbol     string
	Name       string
	Sector     string
	Class      AssetClass
	ListedFrom time.Time
	RetiredAt  *time.Time // nil when still listed
}

// Listed reports whether the security has a defined price at t.
func (m SecurityMeta) Listed(t time.Time) bool {
	if t.Before(m.ListedFrom) {
		return false
	}
	if m.RetiredAt != nil && !t.Before(*m.RetiredAt) {
		return false
	}
	return true
}

// PriceSample is a curated (instant, price) anchor pinning the synthesized
// price path. Prices are strictly positive.
type PriceSample struct {
	Time  time.Time
	Price float64
}

// Quote is the price engine's answer for one (symbol, instant) query.
type Quote struct {
	Price     float64
	ChangePct float64 // vs the prior trading day, same rule
}

// OrderSide is the direction of a trade.
type OrderSide string

const (
	SideBuy   OrderSide = "buy"
	SideSell  OrderSide = "sell"
	SideShort OrderSide = "short"
	SideCover OrderSide = "cover"
)

// OrderKind distinguishes market and limit orders.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Order is a trade request as it enters the trade gate.
type Order struct {
	Symbol     string
	Side       OrderSide
	Quantity   int64
	Kind       OrderKind
	LimitPrice *float64 // required for limit orders
}

// PendingOrderStatus tracks a queued limit order through its lifecycle.
type PendingOrderStatus string

const (
	PendingOpen      PendingOrderStatus = "open"
	PendingFilled    PendingOrderStatus = "filled"
	PendingCancelled PendingOrderStatus = "cancelled"
	PendingExpired   PendingOrderStatus = "expired"
)

// PendingOrder is a limit order that could not fill immediately. It is
// re-evaluated on each price update while the market is open and expires
// after a configurable number of game days.
type PendingOrder struct {
	ID        string
	Order     Order
	PlacedAt  time.Time // simulated instant
	ExpiresAt time.Time // simulated instant
	Status    PendingOrderStatus
}

// Account is one player account: cash, credit standing and identity. The
// holdings themselves live in their own tables keyed by account id.
type Account struct {
	ID          string
	Name        string
	Cash        Cents
	CreditScore int
	CreatedAt   time.Time // simulated instant
}

// Transaction is one immutable ledger entry. Total includes fees and taxes so
// that cash conservation holds: Delta(cash) + Fees + Taxes + price*Delta(shares) = 0.
type Transaction struct {
	ID         string
	ExecutedAt time.Time // simulated instant
	Symbol     string
	Side       OrderSide
	Quantity   int64
	Price      float64
	Fees       Cents
	Taxes      Cents
	Total      Cents // signed cash delta
	Note       string
}

// PurchaseLot tracks cost basis for FIFO capital-gains accounting.
type PurchaseLot struct {
	ID           int64
	Symbol       string
	Quantity     int64 // original lot size
	Remaining    int64 // shares not yet sold
	CostPerShare Cents
	AcquiredAt   time.Time // simulated instant
}

// ShortPosition is an open short.
type ShortPosition struct {
	Symbol    string
	Quantity  int64
	OpenPrice float64
	OpenedAt  time.Time
}

// LoanStatus tracks a loan through its lifecycle.
type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanDelinquent LoanStatus = "delinquent"
	LoanRepaid     LoanStatus = "repaid"
	LoanDefaulted  LoanStatus = "defaulted"
)

// Loan is an outstanding borrowing against the account.
type Loan struct {
	ID             string
	LenderID       string
	Principal      Cents
	Balance        Cents // grows with monthly interest and penalties
	AnnualRate     float64
	OriginatedAt   time.Time // simulated instant
	TermDays       int
	MissedPayments int
	Status         LoanStatus
}

// Lender is a static loan catalog entry.
type Lender struct {
	ID                string  `yaml:"id"`
	Name              string  `yaml:"name"`
	TrustTier         int     `yaml:"trust_tier"`
	MinCreditScore    int     `yaml:"min_credit_score"`
	BaseRate          float64 `yaml:"base_rate"`
	OriginationFeePct float64 `yaml:"origination_fee_pct"`
	TermDays          int     `yaml:"term_days"`
	PenaltyRate       float64 `yaml:"penalty_rate"`
	CureDays          int     `yaml:"cure_days"`
	CreditDelta       int     `yaml:"credit_delta"` // score change on a missed payment
	MaxPrincipal      float64 `yaml:"max_principal"`
	AvailableFrom     int     `yaml:"available_from"` // year
}

// BondKind classifies a bond for tax and yield-curve purposes.
type BondKind string

const (
	BondTreasury  BondKind = "treasury"
	BondCorporate BondKind = "corporate"
	BondMunicipal BondKind = "municipal"
)

// Bond is a static catalog entry. Market price is derived from face value,
// time to maturity and coupon rate vs the prevailing yield curve.
type Bond struct {
	Symbol       string    `yaml:"symbol"`
	Name         string    `yaml:"name"`
	Kind         BondKind  `yaml:"kind"`
	Face         float64   `yaml:"face"`
	CouponRate   float64   `yaml:"coupon_rate"`
	IssueDate    time.Time `yaml:"issue_date"`
	MaturityDate time.Time `yaml:"maturity_date"`
	CreditRating string    `yaml:"credit_rating"`
	Callable     bool      `yaml:"callable"`
}

// BondHolding is a bond position in the account.
type BondHolding struct {
	Symbol     string
	Quantity   int64
	AcquiredAt time.Time
	CostEach   Cents
}

// IndexWeighting selects how index-fund constituents are aggregated.
type IndexWeighting string

const (
	WeightEqual IndexWeighting = "equal"
	WeightPrice IndexWeighting = "price"
	WeightMcap  IndexWeighting = "mcap"
)

// IndexFund is a static catalog entry. Price at an instant is the weighted
// aggregation of constituent prices normalized by the fund divisor; undefined
// before inception.
type IndexFund struct {
	Symbol       string         `yaml:"symbol"`
	Name         string         `yaml:"name"`
	Constituents []string       `yaml:"constituents"`
	Weighting    IndexWeighting `yaml:"weighting"`
	ExpenseRatio float64        `yaml:"expense_ratio"`
	Inception    time.Time      `yaml:"inception"`
}

// IndexHolding is an index-fund position in the account.
type IndexHolding struct {
	Symbol     string
	Quantity   int64
	AcquiredAt time.Time
	CostEach   Cents
}

// HaltScope distinguishes market-wide halts from symbol-scoped ones.
type HaltScope string

const (
	HaltFull    HaltScope = "full"
	HaltPartial HaltScope = "partial"
)

// Halt is a dated trading halt window [Start, End).
type Halt struct {
	ID      string    `yaml:"id"`
	Reason  string    `yaml:"reason"`
	Start   time.Time `yaml:"start"`
	End     time.Time `yaml:"end"`
	Scope   HaltScope `yaml:"scope"`
	Symbols []string  `yaml:"symbols"` // only for partial halts
}

// Covers reports whether the halt gates trading in symbol at instant t.
func (h Halt) Covers(t time.Time, symbol string) bool {
	if t.Before(h.Start) || !t.Before(h.End) {
		return false
	}
	if h.Scope == HaltFull {
		return true
	}
	for _, s := range h.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// ShareAvailability tracks per-symbol share counts.
// Invariants: 0 <= AvailableForTrading <= PublicFloat <= TotalOutstanding,
// and PlayerOwned <= PublicFloat.
type ShareAvailability struct {
	Symbol              string
	TotalOutstanding    int64
	PublicFloat         int64
	AvailableForTrading int64
	PlayerOwned         int64
}

// NewsItem is one entry in the merged news stream.
type NewsItem struct {
	ID       string    `yaml:"id"`
	Date     time.Time `yaml:"date"`
	Headline string    `yaml:"headline"`
	Body     string    `yaml:"body"`
	Symbol   string    `yaml:"symbol"`
	Sector   string    `yaml:"sector"`
	Dynamic  bool      `yaml:"-"`
}

// EmailItem is one entry in the email stream (tips and spam).
type EmailItem struct {
	ID      string    `yaml:"id"`
	Date    time.Time `yaml:"date"`
	From    string    `yaml:"from"`
	Subject string    `yaml:"subject"`
	Body    string    `yaml:"body"`
	Spam    bool      `yaml:"spam"`
}

package domain

import "time"

// EventKind tags a corporate event's payload. Each kind carries its own
// fields on CorporateEvent; the processor matches exhaustively on the kind.
type EventKind string

const (
	EventSplit            EventKind = "split"
	EventMerger           EventKind = "merger"
	EventAcquisitionCash  EventKind = "acquisition-cash"
	EventAcquisitionStock EventKind = "acquisition-stock"
	EventBankruptcy       EventKind = "bankruptcy"
	EventIPO              EventKind = "ipo"
	EventGoingPrivate     EventKind = "going-private"
	EventDelisting        EventKind = "delisting"
)

// EventStatus records whether an event has been replayed into state.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventApplied EventStatus = "applied"
	EventSkipped EventStatus = "skipped"
)

// CorporateEvent is a dated event applied at most once, in non-decreasing
// effective-instant order. Kind-specific payload fields are used as follows:
//
//	split:             SplitRatio (shares multiply, price divides)
//	acquisition-cash:  CashPerShare (holdings convert to cash, symbol delists)
//	acquisition-stock: AcquirerSymbol, ExchangeRatio (holdings swap, basis kept)
//	merger:            AcquirerSymbol, ExchangeRatio
//	bankruptcy:        none (holdings written to zero, symbol delists)
//	ipo:               InitialPrice (symbol becomes listed)
//	going-private:     CashPerShare (like acquisition-cash)
//	delisting:         none
type CorporateEvent struct {
	ID             string      `yaml:"id"`
	Kind           EventKind   `yaml:"kind"`
	EffectiveAt    time.Time   `yaml:"effective_at"`
	Symbol         string      `yaml:"symbol"`
	Status         EventStatus `yaml:"-"`
	SplitRatio     int64       `yaml:"split_ratio"`
	CashPerShare   float64     `yaml:"cash_per_share"`
	AcquirerSymbol string      `yaml:"acquirer"`
	ExchangeRatio  float64     `yaml:"exchange_ratio"`
	InitialPrice   float64     `yaml:"initial_price"`
}

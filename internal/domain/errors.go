package domain

import (
	"errors"
	"fmt"
)

// Validation error kinds returned by the trade gate, clock and price engine.
// Handlers map each kind to an HTTP status; none of them ever aborts the engine.
var (
	ErrMarketClosed          = errors.New("market is closed")
	ErrTradingHalted         = errors.New("trading is halted")
	ErrUnknownSymbol         = errors.New("unknown symbol")
	ErrNotListedYet          = errors.New("security not listed yet")
	ErrDelisted              = errors.New("security is delisted")
	ErrInsufficientCash      = errors.New("insufficient cash")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientFloat     = errors.New("insufficient float")
	ErrLimitNotCrossed       = errors.New("limit price not crossed")
	ErrCreditTooLow          = errors.New("credit score too low")
	ErrLoanUnavailable       = errors.New("loan unavailable")
	ErrConcentrationExceeded = errors.New("position concentration limit exceeded")
	ErrLeverageExceeded      = errors.New("leverage limit exceeded")
	ErrEventAlreadyApplied   = errors.New("event already applied")
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// ErrorKind returns the stable wire name for a known error, or "Internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMarketClosed):
		return "MarketClosed"
	case errors.Is(err, ErrTradingHalted):
		return "TradingHalted"
	case errors.Is(err, ErrUnknownSymbol):
		return "UnknownSymbol"
	case errors.Is(err, ErrNotListedYet):
		return "NotListedYet"
	case errors.Is(err, ErrDelisted):
		return "Delisted"
	case errors.Is(err, ErrInsufficientCash):
		return "InsufficientCash"
	case errors.Is(err, ErrInsufficientShares):
		return "InsufficientShares"
	case errors.Is(err, ErrInsufficientFloat):
		return "InsufficientFloat"
	case errors.Is(err, ErrLimitNotCrossed):
		return "LimitNotCrossed"
	case errors.Is(err, ErrCreditTooLow):
		return "CreditTooLow"
	case errors.Is(err, ErrLoanUnavailable):
		return "LoanUnavailable"
	case errors.Is(err, ErrConcentrationExceeded):
		return "ConcentrationExceeded"
	case errors.Is(err, ErrLeverageExceeded):
		return "LeverageExceeded"
	case errors.Is(err, ErrEventAlreadyApplied):
		return "EventAlreadyApplied"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "Internal"
	}
}

// Wrap annotates a domain error with context while keeping errors.Is matching.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

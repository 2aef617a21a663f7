// Package corporate replays dated corporate events into the account and the
// share-availability counts. Events apply at most once, in effective-instant
// order; the event log's primary key is the idempotence guard. The price
// side of catalog events (split-adjusted anchors, cash-price pins, listing
// windows) is already encoded in the price engine at construction, so the
// catalog replay touches only holdings, lots, availability and the ledger.
package corporate

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/availability"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
)

// PriceMutator is the price-engine surface needed for dynamically injected
// events; the catalog replay never calls it.
type PriceMutator interface {
	ApplySplit(symbol string, effective time.Time, ratio float64) error
	SetCashPrice(symbol string, from time.Time, price float64)
}

// Processor applies corporate events.
type Processor struct {
	cat      *refdata.Catalog
	avail    *availability.Service
	accounts *portfolio.Repository
	ledger   *ledger.Repository
	prices   PriceMutator
	log      zerolog.Logger
}

// NewProcessor wires the corporate-event processor.
func NewProcessor(cat *refdata.Catalog, avail *availability.Service, accounts *portfolio.Repository,
	led *ledger.Repository, prices PriceMutator, log zerolog.Logger) *Processor {
	return &Processor{
		cat:      cat,
		avail:    avail,
		accounts: accounts,
		ledger:   led,
		prices:   prices,
		log:      log.With().Str("service", "corporate").Logger(),
	}
}

// ProcessDue applies every catalog event with effective instant at or before
// now that has not been applied yet, in chronological order. A failing event
// is marked skipped and logged; it never blocks other events.
func (p *Processor) ProcessDue(accountID string, now time.Time) error {
	applied, err := p.ledger.AppliedEventIDs()
	if err != nil {
		return err
	}

	events := append([]domain.CorporateEvent(nil), p.cat.CorporateEvents()...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].EffectiveAt.Before(events[j].EffectiveAt) })

	for _, ev := range events {
		if ev.EffectiveAt.After(now) {
			break
		}
		if _, done := applied[ev.ID]; done {
			continue
		}

		status := domain.EventApplied
		if p.cat.Company(ev.Symbol) == nil && ev.Kind != domain.EventIPO {
			p.log.Warn().Str("event", ev.ID).Str("symbol", ev.Symbol).Msg("Event symbol absent from roster, skipping")
			status = domain.EventSkipped
		} else if err := p.apply(accountID, ev); err != nil {
			p.log.Error().Str("event", ev.ID).Err(err).Msg("Event application failed, skipping")
			status = domain.EventSkipped
		}

		if err := p.ledger.MarkEventApplied(ev, now, status); err != nil {
			return err
		}
		if status == domain.EventApplied {
			p.log.Info().Str("event", ev.ID).Str("kind", string(ev.Kind)).Str("symbol", ev.Symbol).Msg("Corporate event applied")
		}
	}
	return nil
}

// InjectDynamic applies an event that is not part of the catalog: the price
// engine is mutated alongside the account, since nothing was baked in.
func (p *Processor) InjectDynamic(accountID string, ev domain.CorporateEvent) error {
	switch ev.Kind {
	case domain.EventSplit:
		if err := p.prices.ApplySplit(ev.Symbol, ev.EffectiveAt, float64(ev.SplitRatio)); err != nil {
			return err
		}
	case domain.EventAcquisitionCash, domain.EventGoingPrivate:
		p.prices.SetCashPrice(ev.Symbol, ev.EffectiveAt, ev.CashPerShare)
	}
	if err := p.apply(accountID, ev); err != nil {
		return err
	}
	return p.ledger.MarkEventApplied(ev, ev.EffectiveAt, domain.EventApplied)
}

func (p *Processor) apply(accountID string, ev domain.CorporateEvent) error {
	switch ev.Kind {
	case domain.EventSplit:
		return p.applySplit(accountID, ev)
	case domain.EventAcquisitionCash, domain.EventGoingPrivate:
		return p.applyCashDeal(accountID, ev)
	case domain.EventAcquisitionStock, domain.EventMerger:
		return p.applyStockDeal(accountID, ev)
	case domain.EventBankruptcy:
		return p.applyBankruptcy(accountID, ev)
	case domain.EventIPO:
		// Listing is encoded in the company catalog; the event is recorded
		// so the news and audit trails carry it.
		return nil
	case domain.EventDelisting:
		return p.avail.Remove(ev.Symbol)
	default:
		return domain.Wrap(domain.ErrInvalidArgument, "event kind %q", ev.Kind)
	}
}

// applySplit multiplies holdings and availability by the ratio and divides
// lot cost basis, preserving total basis.
func (p *Processor) applySplit(accountID string, ev domain.CorporateEvent) error {
	if ev.SplitRatio <= 0 {
		return domain.Wrap(domain.ErrInvalidArgument, "split ratio %d", ev.SplitRatio)
	}

	if err := p.avail.ApplySplit(ev.Symbol, ev.SplitRatio, ev.EffectiveAt); err != nil {
		return err
	}

	held, err := p.accounts.Position(accountID, ev.Symbol)
	if err != nil {
		return err
	}
	if held > 0 {
		if err := p.accounts.SetPosition(accountID, ev.Symbol, held*ev.SplitRatio); err != nil {
			return err
		}
	}
	if err := p.ledger.ScaleLotsForSplit(ev.Symbol, ev.SplitRatio); err != nil {
		return err
	}
	return p.ledger.RecordSplit(ev.Symbol, ev.EffectiveAt, float64(ev.SplitRatio))
}

// applyCashDeal converts holdings to cash at the deal price and retires the
// symbol. Open shorts are bought in at the same price.
func (p *Processor) applyCashDeal(accountID string, ev domain.CorporateEvent) error {
	held, err := p.accounts.Position(accountID, ev.Symbol)
	if err != nil {
		return err
	}
	if held > 0 {
		proceeds := domain.CentsFromDollars(ev.CashPerShare * float64(held))
		if err := p.accounts.ForceCash(accountID, proceeds); err != nil {
			return err
		}
		if err := p.accounts.SetPosition(accountID, ev.Symbol, 0); err != nil {
			return err
		}
		if err := p.ledger.RetireLots(accountID, ev.Symbol); err != nil {
			return err
		}
		txn := domain.Transaction{
			ID:         uuid.NewString(),
			ExecutedAt: ev.EffectiveAt,
			Symbol:     ev.Symbol,
			Side:       domain.SideSell,
			Quantity:   held,
			Price:      ev.CashPerShare,
			Total:      proceeds,
			Note:       "holdings converted to cash in " + string(ev.Kind) + " " + ev.ID,
		}
		if err := p.ledger.RecordTransaction(accountID, txn); err != nil {
			return err
		}
	}

	if err := p.buyInShort(accountID, ev.Symbol, ev.CashPerShare, ev.EffectiveAt, ev.ID); err != nil {
		return err
	}
	return p.avail.Remove(ev.Symbol)
}

// applyStockDeal swaps holdings into the acquirer at the exchange ratio,
// preserving cost basis. Fractional shares are dropped.
func (p *Processor) applyStockDeal(accountID string, ev domain.CorporateEvent) error {
	if ev.ExchangeRatio <= 0 || p.cat.Company(ev.AcquirerSymbol) == nil {
		return domain.Wrap(domain.ErrInvalidArgument, "stock deal %s needs a listed acquirer and a positive ratio", ev.ID)
	}

	held, err := p.accounts.Position(accountID, ev.Symbol)
	if err != nil {
		return err
	}
	if held > 0 {
		swapped := int64(math.Floor(float64(held) * ev.ExchangeRatio))
		if err := p.accounts.SetPosition(accountID, ev.Symbol, 0); err != nil {
			return err
		}
		if swapped > 0 {
			if err := p.accounts.AdjustPosition(accountID, ev.AcquirerSymbol, swapped); err != nil {
				return err
			}
			if err := p.avail.AbsorbPlayerShares(ev.AcquirerSymbol, swapped, ev.EffectiveAt); err != nil {
				return err
			}
		}
		if err := p.ledger.ReassignLots(accountID, ev.Symbol, ev.AcquirerSymbol, ev.ExchangeRatio); err != nil {
			return err
		}
	}
	return p.avail.Remove(ev.Symbol)
}

// applyBankruptcy writes holdings to zero; open shorts are closed for free.
func (p *Processor) applyBankruptcy(accountID string, ev domain.CorporateEvent) error {
	held, err := p.accounts.Position(accountID, ev.Symbol)
	if err != nil {
		return err
	}
	if held > 0 {
		if err := p.accounts.SetPosition(accountID, ev.Symbol, 0); err != nil {
			return err
		}
		if err := p.ledger.RetireLots(accountID, ev.Symbol); err != nil {
			return err
		}
		txn := domain.Transaction{
			ID:         uuid.NewString(),
			ExecutedAt: ev.EffectiveAt,
			Symbol:     ev.Symbol,
			Side:       domain.SideSell,
			Quantity:   held,
			Price:      0,
			Total:      0,
			Note:       "holdings written off in bankruptcy " + ev.ID,
		}
		if err := p.ledger.RecordTransaction(accountID, txn); err != nil {
			return err
		}
	}

	if err := p.buyInShort(accountID, ev.Symbol, 0, ev.EffectiveAt, ev.ID); err != nil {
		return err
	}
	return p.avail.Remove(ev.Symbol)
}

// buyInShort force-closes an open short at the given price when the symbol
// stops trading.
func (p *Processor) buyInShort(accountID, symbol string, price float64, at time.Time, eventID string) error {
	sp, err := p.accounts.ShortPosition(accountID, symbol)
	if err != nil {
		return err
	}
	if sp == nil || sp.Quantity == 0 {
		return nil
	}

	cost := domain.CentsFromDollars(price * float64(sp.Quantity))
	if err := p.accounts.CoverShort(accountID, symbol, sp.Quantity); err != nil {
		return err
	}
	if cost != 0 {
		if err := p.accounts.ForceCash(accountID, -cost); err != nil {
			return err
		}
	}
	txn := domain.Transaction{
		ID:         uuid.NewString(),
		ExecutedAt: at,
		Symbol:     symbol,
		Side:       domain.SideCover,
		Quantity:   sp.Quantity,
		Price:      price,
		Total:      -cost,
		Note:       "short bought in on " + eventID,
	}
	return p.ledger.RecordTransaction(accountID, txn)
}

// Package ledger persists the financial audit trail: executed transactions,
// FIFO cost-basis lots, dividend and cash-flow records, tax entries and the
// corporate-event application log. Everything here is written through the
// ledger database profile, which fsyncs on every commit.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/domain"
)

// Repository handles ledger database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "ledger").Logger()}
}

// RecordTransaction appends one executed trade.
func (r *Repository) RecordTransaction(accountID string, txn domain.Transaction) error {
	_, err := r.db.Exec(`INSERT INTO transactions
		(id, account_id, executed_at, symbol, side, shares, price_cents, fees_cents, taxes_cents, total_cents, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, accountID, txn.ExecutedAt.Unix(), txn.Symbol, string(txn.Side),
		txn.Quantity, domain.CentsFromDollars(txn.Price), int64(txn.Fees), int64(txn.Taxes),
		int64(txn.Total), txn.Note)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// Transactions returns an account's transactions, newest first, capped at
// limit (0 means no cap).
func (r *Repository) Transactions(accountID string, limit int) ([]domain.Transaction, error) {
	query := `SELECT id, executed_at, symbol, side, shares, price_cents, fees_cents, taxes_cents, total_cents, note
		FROM transactions WHERE account_id = ? ORDER BY executed_at DESC, id DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var txn domain.Transaction
		var executedAt, priceCents, fees, taxes, total int64
		var side string
		if err := rows.Scan(&txn.ID, &executedAt, &txn.Symbol, &side, &txn.Quantity,
			&priceCents, &fees, &taxes, &total, &txn.Note); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.ExecutedAt = time.Unix(executedAt, 0)
		txn.Side = domain.OrderSide(side)
		txn.Price = domain.Cents(priceCents).Dollars()
		txn.Fees = domain.Cents(fees)
		txn.Taxes = domain.Cents(taxes)
		txn.Total = domain.Cents(total)
		out = append(out, txn)
	}
	return out, rows.Err()
}

// AddLot appends a purchase lot after a buy.
func (r *Repository) AddLot(accountID, lotID, symbol string, shares int64, costPerShare domain.Cents, acquiredAt time.Time) error {
	_, err := r.db.Exec(`INSERT INTO purchase_lots
		(id, account_id, symbol, acquired_at, shares, remaining_shares, cost_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lotID, accountID, symbol, acquiredAt.Unix(), shares, shares, int64(costPerShare))
	if err != nil {
		return fmt.Errorf("failed to add purchase lot: %w", err)
	}
	return nil
}

// OpenLots returns the account's lots with remaining shares for a symbol,
// oldest first, ready for FIFO consumption.
func (r *Repository) OpenLots(accountID, symbol string) ([]LotRow, error) {
	rows, err := r.db.Query(`SELECT id, acquired_at, shares, remaining_shares, cost_cents
		FROM purchase_lots
		WHERE account_id = ? AND symbol = ? AND remaining_shares > 0
		ORDER BY acquired_at ASC, id ASC`, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	var out []LotRow
	for rows.Next() {
		var lot LotRow
		var acquiredAt int64
		if err := rows.Scan(&lot.ID, &acquiredAt, &lot.Shares, &lot.Remaining, &lot.CostPerShare); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lot.AcquiredAt = time.Unix(acquiredAt, 0)
		out = append(out, lot)
	}
	return out, rows.Err()
}

// LotRow is one purchase lot as stored.
type LotRow struct {
	ID           string
	AcquiredAt   time.Time
	Shares       int64
	Remaining    int64
	CostPerShare int64 // cents
}

// ConsumeLots draws down lots FIFO for a sell of the given size, returning
// the realized cost basis split into short-term and long-term parts
// relative to soldAt. The whole draw-down runs in one transaction.
func (r *Repository) ConsumeLots(accountID, symbol string, shares int64, soldAt time.Time) (shortBasis, longBasis domain.Cents, shortShares, longShares int64, err error) {
	lots, err := r.OpenLots(accountID, symbol)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		left := shares
		for _, lot := range lots {
			if left == 0 {
				break
			}
			take := lot.Remaining
			if take > left {
				take = left
			}
			if _, err := tx.Exec(`UPDATE purchase_lots SET remaining_shares = remaining_shares - ? WHERE id = ?`,
				take, lot.ID); err != nil {
				return fmt.Errorf("failed to draw down lot %s: %w", lot.ID, err)
			}
			basis := domain.Cents(lot.CostPerShare).MulShares(float64(take))
			if soldAt.Sub(lot.AcquiredAt) >= 365*24*time.Hour {
				longBasis += basis
				longShares += take
			} else {
				shortBasis += basis
				shortShares += take
			}
			left -= take
		}
		if left > 0 {
			return domain.Wrap(domain.ErrInsufficientShares, "lots cover only %d of %d shares", shares-left, shares)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return shortBasis, longBasis, shortShares, longShares, nil
}

// ScaleLotsForSplit multiplies lot share counts and divides per-share cost
// for a split, preserving total basis.
func (r *Repository) ScaleLotsForSplit(symbol string, ratio int64) error {
	_, err := r.db.Exec(`UPDATE purchase_lots
		SET shares = shares * ?, remaining_shares = remaining_shares * ?, cost_cents = cost_cents / ?
		WHERE symbol = ?`, ratio, ratio, ratio, symbol)
	if err != nil {
		return fmt.Errorf("failed to scale lots for split: %w", err)
	}
	return nil
}

// RetireLots zeroes all remaining shares for a symbol, used when holdings
// convert to cash or to another symbol.
func (r *Repository) RetireLots(accountID, symbol string) error {
	_, err := r.db.Exec(`UPDATE purchase_lots SET remaining_shares = 0
		WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to retire lots: %w", err)
	}
	return nil
}

// ReassignLots moves open lots to another symbol at a share exchange ratio,
// keeping total basis, for stock-for-stock deals.
func (r *Repository) ReassignLots(accountID, from, to string, exchangeRatio float64) error {
	lots, err := r.OpenLots(accountID, from)
	if err != nil {
		return err
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, lot := range lots {
			newRemaining := int64(float64(lot.Remaining) * exchangeRatio)
			if newRemaining <= 0 {
				if _, err := tx.Exec(`UPDATE purchase_lots SET remaining_shares = 0 WHERE id = ?`, lot.ID); err != nil {
					return err
				}
				continue
			}
			totalBasis := lot.CostPerShare * lot.Remaining
			newCost := totalBasis / newRemaining
			if _, err := tx.Exec(`UPDATE purchase_lots
				SET symbol = ?, shares = ?, remaining_shares = ?, cost_cents = ?
				WHERE id = ?`, to, newRemaining, newRemaining, newCost, lot.ID); err != nil {
				return fmt.Errorf("failed to reassign lot %s: %w", lot.ID, err)
			}
		}
		return nil
	})
}

// RecordDividend appends one dividend payment.
func (r *Repository) RecordDividend(accountID, symbol string, paidAt time.Time, shares int64, gross, withheld, net domain.Cents) error {
	_, err := r.db.Exec(`INSERT INTO dividends
		(account_id, symbol, paid_at, shares, gross_cents, withheld_cents, net_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, symbol, paidAt.Unix(), shares, int64(gross), int64(withheld), int64(net))
	if err != nil {
		return fmt.Errorf("failed to record dividend: %w", err)
	}
	return nil
}

// RecordCashflow appends one non-trade cash movement (coupon, fee,
// interest, maturity, expense accrual).
func (r *Repository) RecordCashflow(accountID string, at time.Time, kind, symbol string, amount domain.Cents, memo string) error {
	_, err := r.db.Exec(`INSERT INTO cashflow_log
		(account_id, occurred_at, kind, symbol, amount_cents, memo)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, at.Unix(), kind, symbol, int64(amount), memo)
	if err != nil {
		return fmt.Errorf("failed to record cashflow: %w", err)
	}
	return nil
}

// RecordTax appends one tax entry.
func (r *Repository) RecordTax(accountID string, at time.Time, kind, symbol string, basis, amount domain.Cents) error {
	_, err := r.db.Exec(`INSERT INTO tax_log
		(account_id, occurred_at, kind, symbol, basis_cents, amount_cents)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, at.Unix(), kind, symbol, int64(basis), int64(amount))
	if err != nil {
		return fmt.Errorf("failed to record tax: %w", err)
	}
	return nil
}

// MarkEventApplied records a corporate event as applied or skipped. The
// primary key enforces at-most-once application.
func (r *Repository) MarkEventApplied(ev domain.CorporateEvent, appliedAt time.Time, status domain.EventStatus) error {
	_, err := r.db.Exec(`INSERT INTO corporate_event_log
		(event_id, kind, symbol, effective_at, applied_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.Symbol, ev.EffectiveAt.Unix(), appliedAt.Unix(), string(status))
	if err != nil {
		return fmt.Errorf("failed to mark event %s applied: %w", ev.ID, err)
	}
	return nil
}

// AppliedEventIDs returns the set of event ids already applied or skipped.
func (r *Repository) AppliedEventIDs() (map[string]domain.EventStatus, error) {
	rows, err := r.db.Query(`SELECT event_id, status FROM corporate_event_log`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.EventStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan applied event: %w", err)
		}
		out[id] = domain.EventStatus(status)
	}
	return out, rows.Err()
}

// RecordSplit appends a split to the audit trail.
func (r *Repository) RecordSplit(symbol string, effectiveAt time.Time, ratio float64) error {
	_, err := r.db.Exec(`INSERT INTO stock_splits (symbol, effective_at, ratio) VALUES (?, ?, ?)`,
		symbol, effectiveAt.Unix(), ratio)
	if err != nil {
		return fmt.Errorf("failed to record split: %w", err)
	}
	return nil
}

// RecordCrashAction appends a dynamic crash trigger or deactivation.
func (r *Repository) RecordCrashAction(scenarioID, action string, at time.Time) error {
	_, err := r.db.Exec(`INSERT INTO crash_event_log (scenario_id, action, occurred_at) VALUES (?, ?, ?)`,
		scenarioID, action, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record crash action: %w", err)
	}
	return nil
}

// RecordLoanEvent appends one loan lifecycle entry.
func (r *Repository) RecordLoanEvent(loanID, accountID, lenderID string, at time.Time, kind string, amount domain.Cents) error {
	_, err := r.db.Exec(`INSERT INTO loan_history
		(loan_id, account_id, lender_id, occurred_at, kind, amount_cents)
		VALUES (?, ?, ?, ?, ?, ?)`,
		loanID, accountID, lenderID, at.Unix(), kind, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to record loan event: %w", err)
	}
	return nil
}

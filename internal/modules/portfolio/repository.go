// Package portfolio owns the account state: cash, credit score, equity and
// short positions, bond and index-fund holdings, and the portfolio
// valuation built on top of them.
package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/domain"
)

// Repository handles account and holdings state.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a portfolio repository over the state database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "portfolio").Logger()}
}

// EnsureAccount creates the account if it does not exist yet.
func (r *Repository) EnsureAccount(id, name string, startCash domain.Cents, createdAt time.Time) error {
	_, err := r.db.Exec(`INSERT INTO accounts (id, name, cash_cents, credit_score, created_at)
		VALUES (?, ?, ?, 650, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, name, int64(startCash), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// Account returns one account.
func (r *Repository) Account(id string) (*domain.Account, error) {
	var acc domain.Account
	var cash int64
	var createdAt int64
	err := r.db.QueryRow(`SELECT id, name, cash_cents, credit_score, created_at FROM accounts WHERE id = ?`, id).
		Scan(&acc.ID, &acc.Name, &cash, &acc.CreditScore, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.Wrap(domain.ErrNotFound, "account %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	acc.Cash = domain.Cents(cash)
	acc.CreatedAt = time.Unix(createdAt, 0)
	return &acc, nil
}

// AdjustCash applies a signed cash delta, failing if it would drive the
// balance negative.
func (r *Repository) AdjustCash(id string, delta domain.Cents) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var cash int64
		if err := tx.QueryRow(`SELECT cash_cents FROM accounts WHERE id = ?`, id).Scan(&cash); err != nil {
			return fmt.Errorf("failed to read cash: %w", err)
		}
		next := cash + int64(delta)
		if next < 0 {
			return domain.Wrap(domain.ErrInsufficientCash, "have %s, need %s",
				domain.Cents(cash), domain.Cents(-delta))
		}
		if _, err := tx.Exec(`UPDATE accounts SET cash_cents = ? WHERE id = ?`, next, id); err != nil {
			return fmt.Errorf("failed to update cash: %w", err)
		}
		return nil
	})
}

// ForceCash applies a signed cash delta without the non-negative check,
// used for fees and interest that may overdraw the account.
func (r *Repository) ForceCash(id string, delta domain.Cents) error {
	_, err := r.db.Exec(`UPDATE accounts SET cash_cents = cash_cents + ? WHERE id = ?`, int64(delta), id)
	if err != nil {
		return fmt.Errorf("failed to force cash: %w", err)
	}
	return nil
}

// AdjustCreditScore shifts the credit score, clamped to [300, 850].
func (r *Repository) AdjustCreditScore(id string, delta int) error {
	_, err := r.db.Exec(`UPDATE accounts
		SET credit_score = MAX(300, MIN(850, credit_score + ?))
		WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust credit score: %w", err)
	}
	return nil
}

// Position returns the share count held for a symbol, zero when absent.
func (r *Repository) Position(accountID, symbol string) (int64, error) {
	var shares int64
	err := r.db.QueryRow(`SELECT shares FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol).Scan(&shares)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query position: %w", err)
	}
	return shares, nil
}

// Positions returns all non-zero equity positions.
func (r *Repository) Positions(accountID string) (map[string]int64, error) {
	rows, err := r.db.Query(`SELECT symbol, shares FROM positions WHERE account_id = ? AND shares != 0`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var shares int64
		if err := rows.Scan(&symbol, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out[symbol] = shares
	}
	return out, rows.Err()
}

// AdjustPosition applies a signed share delta, failing when it would go
// negative.
func (r *Repository) AdjustPosition(accountID, symbol string, delta int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var shares int64
		err := tx.QueryRow(`SELECT shares FROM positions WHERE account_id = ? AND symbol = ?`,
			accountID, symbol).Scan(&shares)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read position: %w", err)
		}
		next := shares + delta
		if next < 0 {
			return domain.Wrap(domain.ErrInsufficientShares, "%s: have %d, need %d", symbol, shares, -delta)
		}
		_, err = tx.Exec(`INSERT INTO positions (account_id, symbol, shares) VALUES (?, ?, ?)
			ON CONFLICT(account_id, symbol) DO UPDATE SET shares = ?`,
			accountID, symbol, next, next)
		if err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		return nil
	})
}

// SetPosition overwrites a position, used by corporate-event processing.
func (r *Repository) SetPosition(accountID, symbol string, shares int64) error {
	_, err := r.db.Exec(`INSERT INTO positions (account_id, symbol, shares) VALUES (?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET shares = ?`,
		accountID, symbol, shares, shares)
	if err != nil {
		return fmt.Errorf("failed to set position: %w", err)
	}
	return nil
}

// ShortPosition returns the open short for a symbol, or nil.
func (r *Repository) ShortPosition(accountID, symbol string) (*domain.ShortPosition, error) {
	var sp domain.ShortPosition
	var openedAt, proceeds int64
	err := r.db.QueryRow(`SELECT symbol, shares, opened_at, proceeds_cents
		FROM short_positions WHERE account_id = ? AND symbol = ?`, accountID, symbol).
		Scan(&sp.Symbol, &sp.Quantity, &openedAt, &proceeds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query short position: %w", err)
	}
	sp.OpenedAt = time.Unix(openedAt, 0)
	if sp.Quantity > 0 {
		sp.OpenPrice = domain.Cents(proceeds / sp.Quantity).Dollars()
	}
	return &sp, nil
}

// ShortPositions returns all open shorts.
func (r *Repository) ShortPositions(accountID string) ([]domain.ShortPosition, error) {
	rows, err := r.db.Query(`SELECT symbol, shares, opened_at, proceeds_cents
		FROM short_positions WHERE account_id = ? AND shares > 0`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query short positions: %w", err)
	}
	defer rows.Close()

	var out []domain.ShortPosition
	for rows.Next() {
		var sp domain.ShortPosition
		var openedAt, proceeds int64
		if err := rows.Scan(&sp.Symbol, &sp.Quantity, &openedAt, &proceeds); err != nil {
			return nil, fmt.Errorf("failed to scan short position: %w", err)
		}
		sp.OpenedAt = time.Unix(openedAt, 0)
		if sp.Quantity > 0 {
			sp.OpenPrice = domain.Cents(proceeds / sp.Quantity).Dollars()
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// OpenShort adds to a short position, accumulating proceeds.
func (r *Repository) OpenShort(accountID, symbol string, shares int64, proceeds domain.Cents, at time.Time) error {
	_, err := r.db.Exec(`INSERT INTO short_positions (account_id, symbol, shares, opened_at, proceeds_cents)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			shares = shares + ?, proceeds_cents = proceeds_cents + ?`,
		accountID, symbol, shares, at.Unix(), int64(proceeds), shares, int64(proceeds))
	if err != nil {
		return fmt.Errorf("failed to open short: %w", err)
	}
	return nil
}

// CoverShort reduces a short position, failing if it would go negative.
// Proceeds are drawn down pro rata.
func (r *Repository) CoverShort(accountID, symbol string, shares int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var held, proceeds int64
		err := tx.QueryRow(`SELECT shares, proceeds_cents FROM short_positions
			WHERE account_id = ? AND symbol = ?`, accountID, symbol).Scan(&held, &proceeds)
		if err == sql.ErrNoRows || (err == nil && held < shares) {
			return domain.Wrap(domain.ErrInsufficientShares, "short %s: have %d, covering %d", symbol, held, shares)
		}
		if err != nil {
			return fmt.Errorf("failed to read short position: %w", err)
		}
		remaining := held - shares
		remainingProceeds := int64(0)
		if held > 0 {
			remainingProceeds = proceeds * remaining / held
		}
		if _, err := tx.Exec(`UPDATE short_positions SET shares = ?, proceeds_cents = ?
			WHERE account_id = ? AND symbol = ?`, remaining, remainingProceeds, accountID, symbol); err != nil {
			return fmt.Errorf("failed to cover short: %w", err)
		}
		return nil
	})
}

// BondHoldings returns the account's bond positions.
func (r *Repository) BondHoldings(accountID string) ([]domain.BondHolding, error) {
	rows, err := r.db.Query(`SELECT symbol, units, acquired_at, cost_cents
		FROM bond_holdings WHERE account_id = ? AND units > 0`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bond holdings: %w", err)
	}
	defer rows.Close()

	var out []domain.BondHolding
	for rows.Next() {
		var h domain.BondHolding
		var acquiredAt, cost int64
		if err := rows.Scan(&h.Symbol, &h.Quantity, &acquiredAt, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan bond holding: %w", err)
		}
		h.AcquiredAt = time.Unix(acquiredAt, 0)
		h.CostEach = domain.Cents(cost)
		out = append(out, h)
	}
	return out, rows.Err()
}

// AdjustBondHolding applies a signed unit delta for a bond.
func (r *Repository) AdjustBondHolding(accountID, symbol string, delta int64, costEach domain.Cents, at time.Time) error {
	return r.adjustUnitHolding("bond_holdings", accountID, symbol, delta, costEach, at)
}

// IndexHoldings returns the account's index-fund positions.
func (r *Repository) IndexHoldings(accountID string) ([]domain.IndexHolding, error) {
	rows, err := r.db.Query(`SELECT symbol, units, cost_cents
		FROM index_holdings WHERE account_id = ? AND units > 0`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query index holdings: %w", err)
	}
	defer rows.Close()

	var out []domain.IndexHolding
	for rows.Next() {
		var h domain.IndexHolding
		var cost int64
		if err := rows.Scan(&h.Symbol, &h.Quantity, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan index holding: %w", err)
		}
		h.CostEach = domain.Cents(cost)
		out = append(out, h)
	}
	return out, rows.Err()
}

// AdjustIndexHolding applies a signed unit delta for an index fund.
func (r *Repository) AdjustIndexHolding(accountID, symbol string, delta int64, costEach domain.Cents, at time.Time) error {
	return r.adjustUnitHolding("index_holdings", accountID, symbol, delta, costEach, at)
}

// adjustUnitHolding is the shared unit-position update for bonds and funds.
// Cost is kept as a weighted average per unit on buys.
func (r *Repository) adjustUnitHolding(table, accountID, symbol string, delta int64, costEach domain.Cents, at time.Time) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var units, cost int64
		err := tx.QueryRow(fmt.Sprintf(`SELECT units, cost_cents FROM %s WHERE account_id = ? AND symbol = ?`, table),
			accountID, symbol).Scan(&units, &cost)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read holding: %w", err)
		}
		next := units + delta
		if next < 0 {
			return domain.Wrap(domain.ErrInsufficientShares, "%s: have %d units, need %d", symbol, units, -delta)
		}

		nextCost := cost
		if delta > 0 && next > 0 {
			nextCost = (cost*units + int64(costEach)*delta) / next
		}

		if table == "bond_holdings" {
			_, err = tx.Exec(`INSERT INTO bond_holdings (account_id, symbol, units, acquired_at, cost_cents)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(account_id, symbol) DO UPDATE SET units = ?, cost_cents = ?`,
				accountID, symbol, next, at.Unix(), nextCost, next, nextCost)
		} else {
			_, err = tx.Exec(`INSERT INTO index_holdings (account_id, symbol, units, cost_cents)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(account_id, symbol) DO UPDATE SET units = ?, cost_cents = ?`,
				accountID, symbol, next, nextCost, next, nextCost)
		}
		if err != nil {
			return fmt.Errorf("failed to update holding: %w", err)
		}
		return nil
	})
}

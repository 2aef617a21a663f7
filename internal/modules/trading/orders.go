package trading

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/retrograde/internal/domain"
)

// OrderRepository persists queued limit orders in the state database.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a pending-order repository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Enqueue stores a limit order that could not fill immediately.
func (r *OrderRepository) Enqueue(accountID string, po domain.PendingOrder) error {
	limitCents := int64(0)
	if po.Order.LimitPrice != nil {
		limitCents = int64(domain.CentsFromDollars(*po.Order.LimitPrice))
	}
	_, err := r.db.Exec(`INSERT INTO pending_orders
		(id, account_id, symbol, side, kind, shares, limit_cents, placed_at, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		po.ID, accountID, po.Order.Symbol, string(po.Order.Side), string(po.Order.Kind),
		po.Order.Quantity, limitCents, po.PlacedAt.Unix(), po.ExpiresAt.Unix(), string(po.Status))
	if err != nil {
		return fmt.Errorf("failed to enqueue pending order: %w", err)
	}
	return nil
}

// Open returns an account's open orders, oldest first.
func (r *OrderRepository) Open(accountID string) ([]domain.PendingOrder, error) {
	rows, err := r.db.Query(`SELECT id, symbol, side, kind, shares, limit_cents, placed_at, expires_at, status
		FROM pending_orders WHERE account_id = ? AND status = ? ORDER BY placed_at ASC, id ASC`,
		accountID, string(domain.PendingOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingOrder
	for rows.Next() {
		var po domain.PendingOrder
		var side, kind, status string
		var limitCents, placedAt, expiresAt int64
		if err := rows.Scan(&po.ID, &po.Order.Symbol, &side, &kind, &po.Order.Quantity,
			&limitCents, &placedAt, &expiresAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w", err)
		}
		po.Order.Side = domain.OrderSide(side)
		po.Order.Kind = domain.OrderKind(kind)
		if limitCents != 0 {
			px := domain.Cents(limitCents).Dollars()
			po.Order.LimitPrice = &px
		}
		po.PlacedAt = time.Unix(placedAt, 0)
		po.ExpiresAt = time.Unix(expiresAt, 0)
		po.Status = domain.PendingOrderStatus(status)
		out = append(out, po)
	}
	return out, rows.Err()
}

// SetStatus transitions one order. Only open orders move; a second
// transition is a no-op reported as ErrNotFound.
func (r *OrderRepository) SetStatus(id string, status domain.PendingOrderStatus) error {
	res, err := r.db.Exec(`UPDATE pending_orders SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(domain.PendingOpen))
	if err != nil {
		return fmt.Errorf("failed to update pending order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check pending order update: %w", err)
	}
	if n == 0 {
		return domain.Wrap(domain.ErrNotFound, "open order %s", id)
	}
	return nil
}

// Package availability tracks how many shares of each symbol the player can
// actually buy: total outstanding, public float, the tradable remainder and
// the player's holdings. Monthly buyback and quarterly issuance cycles move
// the counts with deterministic keyed draws.
package availability

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/prng"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

// floorFraction is the minimum tradable share of total outstanding a
// buyback must leave behind.
const floorFraction = 0.10

// Service owns the share_availability table.
type Service struct {
	db   *sql.DB
	cat  *refdata.Catalog
	seed uint64
	log  zerolog.Logger
}

// NewService creates the availability service over the state database.
func NewService(db *sql.DB, cat *refdata.Catalog, seed uint64, log zerolog.Logger) *Service {
	return &Service{
		db:   db,
		cat:  cat,
		seed: seed,
		log:  log.With().Str("service", "availability").Logger(),
	}
}

// Seed inserts catalog rows for any symbol not yet tracked. Available
// starts at the full public float.
func (s *Service) Seed(now time.Time) error {
	for _, sym := range s.cat.Symbols() {
		co := s.cat.Company(sym)
		_, err := s.db.Exec(`INSERT INTO share_availability
			(symbol, total_outstanding, public_float, available, player_owned, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(symbol) DO NOTHING`,
			sym, co.SharesOutstanding, co.PublicFloat, co.PublicFloat, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to seed availability for %s: %w", sym, err)
		}
	}
	return nil
}

// Get returns the availability row for a symbol.
func (s *Service) Get(symbol string) (*domain.ShareAvailability, error) {
	var av domain.ShareAvailability
	err := s.db.QueryRow(`SELECT total_outstanding, public_float, available, player_owned
		FROM share_availability WHERE symbol = ?`, symbol).
		Scan(&av.TotalOutstanding, &av.PublicFloat, &av.AvailableForTrading, &av.PlayerOwned)
	if err == sql.ErrNoRows {
		return nil, domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query availability: %w", err)
	}
	return &av, nil
}

// CanPurchase reports whether qty shares are available to buy. On denial
// the remaining availability is returned.
func (s *Service) CanPurchase(symbol string, qty int64) (ok bool, available int64, err error) {
	av, err := s.Get(symbol)
	if err != nil {
		return false, 0, err
	}
	if qty > av.AvailableForTrading {
		return false, av.AvailableForTrading, nil
	}
	return true, av.AvailableForTrading, nil
}

// ReservePurchase moves qty shares from the tradable pool to the player.
func (s *Service) ReservePurchase(symbol string, qty int64, now time.Time) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var available int64
		if err := tx.QueryRow(`SELECT available FROM share_availability WHERE symbol = ?`, symbol).
			Scan(&available); err != nil {
			return fmt.Errorf("failed to read availability: %w", err)
		}
		if qty > available {
			return domain.Wrap(domain.ErrInsufficientFloat, "%s: %d available, %d requested", symbol, available, qty)
		}
		_, err := tx.Exec(`UPDATE share_availability
			SET available = available - ?, player_owned = player_owned + ?, updated_at = ?
			WHERE symbol = ?`, qty, qty, now.Unix(), symbol)
		if err != nil {
			return fmt.Errorf("failed to reserve purchase: %w", err)
		}
		return nil
	})
}

// ReserveSale returns qty player shares to the tradable pool.
func (s *Service) ReserveSale(symbol string, qty int64, now time.Time) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var owned int64
		if err := tx.QueryRow(`SELECT player_owned FROM share_availability WHERE symbol = ?`, symbol).
			Scan(&owned); err != nil {
			return fmt.Errorf("failed to read availability: %w", err)
		}
		if qty > owned {
			return domain.Wrap(domain.ErrInsufficientShares, "%s: player owns %d, selling %d", symbol, owned, qty)
		}
		_, err := tx.Exec(`UPDATE share_availability
			SET available = available + ?, player_owned = player_owned - ?, updated_at = ?
			WHERE symbol = ?`, qty, qty, now.Unix(), symbol)
		if err != nil {
			return fmt.Errorf("failed to reserve sale: %w", err)
		}
		return nil
	})
}

// ApplySplit multiplies all four counts by the split ratio.
func (s *Service) ApplySplit(symbol string, ratio int64, now time.Time) error {
	if ratio <= 0 {
		return domain.Wrap(domain.ErrInvalidArgument, "split ratio %d", ratio)
	}
	_, err := s.db.Exec(`UPDATE share_availability
		SET total_outstanding = total_outstanding * ?,
		    public_float = public_float * ?,
		    available = available * ?,
		    player_owned = player_owned * ?,
		    updated_at = ?
		WHERE symbol = ?`, ratio, ratio, ratio, ratio, now.Unix(), symbol)
	if err != nil {
		return fmt.Errorf("failed to apply split: %w", err)
	}
	return nil
}

// AbsorbPlayerShares credits newly issued deal shares to the player's side
// of a symbol's counts, used when a stock-for-stock acquisition swaps
// holdings into the acquirer.
func (s *Service) AbsorbPlayerShares(symbol string, qty int64, now time.Time) error {
	if qty <= 0 {
		return nil
	}
	res, err := s.db.Exec(`UPDATE share_availability
		SET total_outstanding = total_outstanding + ?,
		    public_float = public_float + ?,
		    player_owned = player_owned + ?,
		    updated_at = ?
		WHERE symbol = ?`, qty, qty, qty, now.Unix(), symbol)
	if err != nil {
		return fmt.Errorf("failed to absorb player shares: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Wrap(domain.ErrUnknownSymbol, "%s", symbol)
	}
	return nil
}

// Remove drops a symbol from tracking after delisting.
func (s *Service) Remove(symbol string) error {
	if _, err := s.db.Exec(`DELETE FROM share_availability WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to remove availability: %w", err)
	}
	return nil
}

// RunBuybackCycle runs the monthly corporate buyback draw for every tracked
// symbol. Buybacks only happen in good markets: each symbol buys back
// 0.5%-2% of its public float with probability (sentiment-0.3)*0.15, and
// never breaches the 10% tradable floor.
func (s *Service) RunBuybackCycle(now time.Time, sentiment float64) error {
	prob := (sentiment - 0.3) * 0.15
	if prob <= 0 {
		return nil
	}
	day := simclock.DayIndex(now)

	rows, err := s.db.Query(`SELECT symbol, total_outstanding, public_float, available FROM share_availability`)
	if err != nil {
		return fmt.Errorf("failed to query availability: %w", err)
	}
	type row struct {
		symbol                        string
		outstanding, float, available int64
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.symbol, &r.outstanding, &r.float, &r.available); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan availability: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		stream := prng.New(s.seed^prng.SymbolHash(r.symbol), r.symbol, day, "buyback")
		if stream.Float64() >= prob {
			continue
		}

		qty := int64(stream.Range(0.005, 0.02) * float64(r.float))
		floor := int64(floorFraction * float64(r.outstanding))
		if r.available-qty < floor {
			qty = r.available - floor
		}
		if qty <= 0 {
			continue
		}

		_, err := s.db.Exec(`UPDATE share_availability
			SET total_outstanding = total_outstanding - ?,
			    public_float = public_float - ?,
			    available = available - ?,
			    updated_at = ?
			WHERE symbol = ?`, qty, qty, qty, now.Unix(), r.symbol)
		if err != nil {
			return fmt.Errorf("failed to apply buyback for %s: %w", r.symbol, err)
		}
		s.log.Debug().Str("symbol", r.symbol).Int64("shares", qty).Msg("Buyback executed")
	}
	return nil
}

// RunIssuanceCycle runs the quarterly share-issuance draw: 5% probability
// per symbol in bad markets, 2% otherwise, issuing 1%-5% of outstanding.
func (s *Service) RunIssuanceCycle(now time.Time, sentiment float64) error {
	prob := 0.02
	if sentiment < 0 {
		prob = 0.05
	}
	day := simclock.DayIndex(now)

	rows, err := s.db.Query(`SELECT symbol, total_outstanding FROM share_availability`)
	if err != nil {
		return fmt.Errorf("failed to query availability: %w", err)
	}
	type row struct {
		symbol      string
		outstanding int64
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.symbol, &r.outstanding); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan availability: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		stream := prng.New(s.seed^prng.SymbolHash(r.symbol), r.symbol, day, "issuance")
		if stream.Float64() >= prob {
			continue
		}

		qty := int64(stream.Range(0.01, 0.05) * float64(r.outstanding))
		if qty <= 0 {
			continue
		}

		_, err := s.db.Exec(`UPDATE share_availability
			SET total_outstanding = total_outstanding + ?,
			    public_float = public_float + ?,
			    available = available + ?,
			    updated_at = ?
			WHERE symbol = ?`, qty, qty, qty, now.Unix(), r.symbol)
		if err != nil {
			return fmt.Errorf("failed to apply issuance for %s: %w", r.symbol, err)
		}
		s.log.Debug().Str("symbol", r.symbol).Int64("shares", qty).Msg("Share issuance executed")
	}
	return nil
}

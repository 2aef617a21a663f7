package cashflows

import (
	"database/sql"
	"fmt"
	"time"
)

// markerStore reads and writes the last-processed boundary per category in
// the state database. Categories that have never run fall back to the
// simulation start.
type markerStore struct {
	db      *sql.DB
	startAt time.Time
}

func (m *markerStore) last(name string) (time.Time, error) {
	var at int64
	err := m.db.QueryRow(`SELECT last_at FROM markers WHERE name = ?`, name).Scan(&at)
	if err == sql.ErrNoRows {
		return m.startAt, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read marker %s: %w", name, err)
	}
	return time.Unix(at, 0), nil
}

func (m *markerStore) set(name string, at time.Time) error {
	_, err := m.db.Exec(`INSERT INTO markers (name, last_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_at = ?`, name, at.Unix(), at.Unix())
	if err != nil {
		return fmt.Errorf("failed to set marker %s: %w", name, err)
	}
	return nil
}

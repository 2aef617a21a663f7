// Package retention prunes aged audit records under a configurable policy.
// Business-critical rows (open loans, tax entries, transactions and lots)
// are preserved regardless of age.
package retention

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config is the singleton pruning policy. Zero-day fields keep the category
// forever.
type Config struct {
	NewsDays         int  `json:"news_days"`
	EmailDays        int  `json:"email_days"`
	CashflowDays     int  `json:"cashflow_days"`
	PreserveBusiness bool `json:"preserve_business"`
}

// DefaultConfig mirrors the schema defaults.
func DefaultConfig() Config {
	return Config{NewsDays: 365, EmailDays: 180, CashflowDays: 0, PreserveBusiness: true}
}

// Service reads the policy from the state database and prunes the ledger.
type Service struct {
	stateDB  *sql.DB
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewService wires the retention service.
func NewService(stateDB, ledgerDB *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		stateDB:  stateDB,
		ledgerDB: ledgerDB,
		log:      log.With().Str("service", "retention").Logger(),
	}
}

// Get returns the stored policy, or the defaults when none was saved yet.
func (s *Service) Get() (Config, error) {
	cfg := DefaultConfig()
	var preserve int
	err := s.stateDB.QueryRow(`SELECT news_days, email_days, cashflow_days, preserve_business
		FROM retention_config WHERE id = 1`).
		Scan(&cfg.NewsDays, &cfg.EmailDays, &cfg.CashflowDays, &preserve)
	if err == sql.ErrNoRows {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read retention config: %w", err)
	}
	cfg.PreserveBusiness = preserve != 0
	return cfg, nil
}

// Set stores the policy.
func (s *Service) Set(cfg Config, now time.Time) error {
	preserve := 0
	if cfg.PreserveBusiness {
		preserve = 1
	}
	_, err := s.stateDB.Exec(`INSERT INTO retention_config
		(id, news_days, email_days, cashflow_days, preserve_business, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			news_days = excluded.news_days,
			email_days = excluded.email_days,
			cashflow_days = excluded.cashflow_days,
			preserve_business = excluded.preserve_business,
			updated_at = excluded.updated_at`,
		cfg.NewsDays, cfg.EmailDays, cfg.CashflowDays, preserve, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to save retention config: %w", err)
	}
	return nil
}

// PruneResult counts the rows removed per category.
type PruneResult struct {
	Cashflows   int64 `json:"cashflows"`
	Dividends   int64 `json:"dividends"`
	LoanHistory int64 `json:"loan_history"`
	Taxes       int64 `json:"taxes"`
}

// Prune removes aged rows per the stored policy. now is the simulated
// instant; cutoffs are measured in game days. Loan history of open loans
// survives any cutoff, and tax entries survive while preserve_business is
// set.
func (s *Service) Prune(now time.Time) (*PruneResult, error) {
	cfg, err := s.Get()
	if err != nil {
		return nil, err
	}

	res := &PruneResult{}
	if cfg.CashflowDays <= 0 {
		return res, nil
	}
	cutoff := now.AddDate(0, 0, -cfg.CashflowDays).Unix()

	if res.Cashflows, err = s.exec(`DELETE FROM cashflow_log WHERE occurred_at < ?`, cutoff); err != nil {
		return nil, err
	}
	if res.Dividends, err = s.exec(`DELETE FROM dividends WHERE paid_at < ?`, cutoff); err != nil {
		return nil, err
	}

	// Closed-loan history only; open and delinquent loans keep their trail.
	closed, err := s.closedLoanIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range closed {
		n, err := s.exec(`DELETE FROM loan_history WHERE loan_id = ? AND occurred_at < ?`, id, cutoff)
		if err != nil {
			return nil, err
		}
		res.LoanHistory += n
	}

	if !cfg.PreserveBusiness {
		if res.Taxes, err = s.exec(`DELETE FROM tax_log WHERE occurred_at < ?`, cutoff); err != nil {
			return nil, err
		}
	}

	s.log.Info().Int64("cashflows", res.Cashflows).Int64("dividends", res.Dividends).
		Int64("loan_history", res.LoanHistory).Int64("taxes", res.Taxes).
		Msg("Retention prune complete")
	return res, nil
}

func (s *Service) exec(query string, args ...interface{}) (int64, error) {
	r, err := s.ledgerDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune: %w", err)
	}
	return r.RowsAffected()
}

func (s *Service) closedLoanIDs() ([]string, error) {
	rows, err := s.stateDB.Query(`SELECT id FROM loans WHERE status IN ('repaid', 'defaulted')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed loans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan loan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

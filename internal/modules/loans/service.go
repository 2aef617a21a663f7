// Package loans originates and services borrowings against the account. The
// lender catalog is static; loan state lives in the state database and every
// lifecycle step is appended to the ledger's loan history.
package loans

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
)

// defaultCreditDelta is the extra score hit on top of the lender's
// missed-payment delta when a loan defaults outright.
const defaultCreditDelta = -100

// Service manages the loan lifecycle.
type Service struct {
	db       *sql.DB
	cat      *refdata.Catalog
	accounts *portfolio.Repository
	ledger   *ledger.Repository
	log      zerolog.Logger
}

// NewService wires the loans service against the state database.
func NewService(stateDB *sql.DB, cat *refdata.Catalog, accounts *portfolio.Repository,
	led *ledger.Repository, log zerolog.Logger) *Service {
	return &Service{
		db:       stateDB,
		cat:      cat,
		accounts: accounts,
		ledger:   led,
		log:      log.With().Str("service", "loans").Logger(),
	}
}

// loanRow is the full persisted shape, including servicing fields the public
// Loan model does not carry.
type loanRow struct {
	domain.Loan
	AccountID       string
	DueAt           time.Time
	DelinquentSince time.Time
}

// Lenders returns the lenders open for business at the simulated instant.
func (s *Service) Lenders(t time.Time) []domain.Lender {
	return s.cat.Lenders(t)
}

// Take originates a loan: the principal minus the origination fee is
// disbursed immediately, and the full principal becomes the balance.
func (s *Service) Take(accountID, lenderID string, principal domain.Cents, now time.Time) (*domain.Loan, error) {
	lender := s.cat.Lender(lenderID)
	if lender == nil {
		return nil, domain.Wrap(domain.ErrNotFound, "lender %q", lenderID)
	}
	if now.Year() < lender.AvailableFrom {
		return nil, domain.Wrap(domain.ErrLoanUnavailable, "%s opens in %d", lender.Name, lender.AvailableFrom)
	}
	if principal <= 0 {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "principal must be positive")
	}
	if principal > domain.CentsFromDollars(lender.MaxPrincipal) {
		return nil, domain.Wrap(domain.ErrLoanUnavailable, "%s lends at most $%.0f", lender.Name, lender.MaxPrincipal)
	}

	acc, err := s.accounts.Account(accountID)
	if err != nil {
		return nil, err
	}
	if acc.CreditScore < lender.MinCreditScore {
		return nil, domain.Wrap(domain.ErrCreditTooLow, "score %d, %s requires %d",
			acc.CreditScore, lender.Name, lender.MinCreditScore)
	}

	loan := domain.Loan{
		ID:           uuid.NewString(),
		LenderID:     lender.ID,
		Principal:    principal,
		Balance:      principal,
		AnnualRate:   lender.BaseRate,
		OriginatedAt: now,
		TermDays:     lender.TermDays,
		Status:       domain.LoanActive,
	}
	dueAt := now.AddDate(0, 0, lender.TermDays)

	_, err = s.db.Exec(`INSERT INTO loans
		(id, account_id, lender_id, principal_cents, outstanding_cents, rate,
		 originated_at, due_at, status, missed_payments, delinquent_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		loan.ID, accountID, loan.LenderID, int64(loan.Principal), int64(loan.Balance),
		loan.AnnualRate, now.Unix(), dueAt.Unix(), string(loan.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to insert loan: %w", err)
	}

	fee := principal.MulShares(lender.OriginationFeePct)
	if err := s.accounts.ForceCash(accountID, principal-fee); err != nil {
		return nil, err
	}
	if err := s.ledger.RecordLoanEvent(loan.ID, accountID, lender.ID, now, "originated", principal); err != nil {
		return nil, err
	}
	if fee > 0 {
		if err := s.ledger.RecordLoanEvent(loan.ID, accountID, lender.ID, now, "origination_fee", -fee); err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("lender", lender.ID).Str("loan", loan.ID).
		Str("principal", principal.String()).Msg("Loan originated")
	return &loan, nil
}

// Repay pays down a loan from the cash balance. Overpayment is clamped to
// the outstanding balance, and any payment on a delinquent loan cures it.
func (s *Service) Repay(accountID, loanID string, amount domain.Cents, now time.Time) (*domain.Loan, error) {
	if amount <= 0 {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "payment must be positive")
	}

	row, err := s.loan(accountID, loanID)
	if err != nil {
		return nil, err
	}
	if row.Status != domain.LoanActive && row.Status != domain.LoanDelinquent {
		return nil, domain.Wrap(domain.ErrInvalidArgument, "loan is %s", row.Status)
	}

	if amount > row.Balance {
		amount = row.Balance
	}
	if err := s.accounts.AdjustCash(accountID, -amount); err != nil {
		return nil, err
	}

	row.Balance -= amount
	status := domain.LoanActive
	if row.Balance == 0 {
		status = domain.LoanRepaid
	}
	_, err = s.db.Exec(`UPDATE loans
		SET outstanding_cents = ?, status = ?, delinquent_since = 0
		WHERE id = ?`, int64(row.Balance), string(status), loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	row.Status = status

	if err := s.ledger.RecordLoanEvent(loanID, accountID, row.LenderID, now, "payment", -amount); err != nil {
		return nil, err
	}
	if status == domain.LoanRepaid {
		if err := s.ledger.RecordLoanEvent(loanID, accountID, row.LenderID, now, "repaid", 0); err != nil {
			return nil, err
		}
		s.log.Info().Str("loan", loanID).Msg("Loan repaid in full")
	}
	return &row.Loan, nil
}

// AccrueMonthly services every open loan at a month boundary: interest is
// capitalized, the interest portion is auto-debited from cash, and a failed
// debit marks the loan delinquent at the penalty rate. A loan still
// delinquent past the lender's cure window defaults and the balance is
// force-collected. Implements the cash scheduler's LoanServicer.
func (s *Service) AccrueMonthly(accountID string, at time.Time) error {
	rows, err := s.openLoans(accountID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		lender := s.cat.Lender(row.LenderID)
		if lender == nil {
			s.log.Warn().Str("loan", row.ID).Str("lender", row.LenderID).Msg("Lender missing from catalog, skipping accrual")
			continue
		}

		rate := row.AnnualRate
		if row.Status == domain.LoanDelinquent {
			rate += lender.PenaltyRate
		}
		interest := row.Balance.MulShares(rate / 12)
		if interest > 0 {
			row.Balance += interest
			kind := "interest"
			if row.Status == domain.LoanDelinquent {
				kind = "penalty"
			}
			if err := s.ledger.RecordLoanEvent(row.ID, accountID, row.LenderID, at, kind, interest); err != nil {
				return err
			}
		}

		// Auto-debit the interest portion. A bounced debit is a missed
		// payment; the interest stays capitalized.
		if err := s.accounts.AdjustCash(accountID, -interest); err == nil {
			row.Balance -= interest
			if row.Status == domain.LoanDelinquent {
				row.Status = domain.LoanActive
				row.DelinquentSince = time.Time{}
			}
		} else {
			row.MissedPayments++
			if err := s.accounts.AdjustCreditScore(accountID, lender.CreditDelta); err != nil {
				return err
			}
			if row.Status != domain.LoanDelinquent {
				row.Status = domain.LoanDelinquent
				row.DelinquentSince = at
			}
			if err := s.ledger.RecordLoanEvent(row.ID, accountID, row.LenderID, at, "missed_payment", 0); err != nil {
				return err
			}
			s.log.Warn().Str("loan", row.ID).Int("missed", row.MissedPayments).Msg("Loan payment missed")
		}

		// Past the cure window, or past the due date with a balance left,
		// the loan defaults and the balance is collected regardless of cash.
		defaulted := false
		if row.Status == domain.LoanDelinquent && !row.DelinquentSince.IsZero() &&
			at.Sub(row.DelinquentSince) > time.Duration(lender.CureDays)*24*time.Hour {
			defaulted = true
		}
		if at.After(row.DueAt) && row.Balance > 0 {
			defaulted = true
		}
		if defaulted {
			if err := s.accounts.ForceCash(accountID, -row.Balance); err != nil {
				return err
			}
			if err := s.accounts.AdjustCreditScore(accountID, defaultCreditDelta); err != nil {
				return err
			}
			if err := s.ledger.RecordLoanEvent(row.ID, accountID, row.LenderID, at, "defaulted", -row.Balance); err != nil {
				return err
			}
			s.log.Warn().Str("loan", row.ID).Str("collected", row.Balance.String()).Msg("Loan defaulted, balance collected")
			row.Balance = 0
			row.Status = domain.LoanDefaulted
		}

		if err := s.saveServicing(row); err != nil {
			return err
		}
	}
	return nil
}

// OutstandingBalance sums open loan balances; implements the portfolio
// valuation's LoanBalanceProvider.
func (s *Service) OutstandingBalance(accountID string) (domain.Cents, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(outstanding_cents), 0) FROM loans
		WHERE account_id = ? AND status IN ('active', 'delinquent')`, accountID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum loan balances: %w", err)
	}
	return domain.Cents(total), nil
}

// Loans lists the account's loans, newest first.
func (s *Service) Loans(accountID string) ([]domain.Loan, error) {
	rows, err := s.queryLoans(`SELECT id, account_id, lender_id, principal_cents, outstanding_cents,
		rate, originated_at, due_at, status, missed_payments, delinquent_since
		FROM loans WHERE account_id = ? ORDER BY originated_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Loan, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Loan)
	}
	return out, nil
}

func (s *Service) loan(accountID, loanID string) (*loanRow, error) {
	rows, err := s.queryLoans(`SELECT id, account_id, lender_id, principal_cents, outstanding_cents,
		rate, originated_at, due_at, status, missed_payments, delinquent_since
		FROM loans WHERE id = ? AND account_id = ?`, loanID, accountID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.Wrap(domain.ErrNotFound, "loan %q", loanID)
	}
	return &rows[0], nil
}

func (s *Service) openLoans(accountID string) ([]loanRow, error) {
	return s.queryLoans(`SELECT id, account_id, lender_id, principal_cents, outstanding_cents,
		rate, originated_at, due_at, status, missed_payments, delinquent_since
		FROM loans WHERE account_id = ? AND status IN ('active', 'delinquent')
		ORDER BY originated_at`, accountID)
}

func (s *Service) queryLoans(query string, args ...interface{}) ([]loanRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var out []loanRow
	for rows.Next() {
		var r loanRow
		var principal, balance, originated, due, delinquent int64
		var status string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.LenderID, &principal, &balance,
			&r.AnnualRate, &originated, &due, &status, &r.MissedPayments, &delinquent); err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		r.Principal = domain.Cents(principal)
		r.Balance = domain.Cents(balance)
		r.OriginatedAt = time.Unix(originated, 0)
		r.DueAt = time.Unix(due, 0)
		r.TermDays = int(r.DueAt.Sub(r.OriginatedAt).Hours() / 24)
		r.Status = domain.LoanStatus(status)
		if delinquent > 0 {
			r.DelinquentSince = time.Unix(delinquent, 0)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) saveServicing(row loanRow) error {
	var delinquent int64
	if !row.DelinquentSince.IsZero() {
		delinquent = row.DelinquentSince.Unix()
	}
	_, err := s.db.Exec(`UPDATE loans
		SET outstanding_cents = ?, status = ?, missed_payments = ?, delinquent_since = ?
		WHERE id = ?`,
		int64(row.Balance), string(row.Status), row.MissedPayments, delinquent, row.ID)
	if err != nil {
		return fmt.Errorf("failed to save loan servicing: %w", err)
	}
	return nil
}

package loans

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/modules/cashflows"
	"github.com/aristath/retrograde/internal/modules/ledger"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const testAccount = "player"

// The scheduler and the portfolio valuation both consume this service.
var (
	_ portfolio.LoanBalanceProvider = (*Service)(nil)
	_ cashflows.LoanServicer        = (*Service)(nil)
)

type fixture struct {
	svc      *Service
	accounts *portfolio.Repository
	ledgerDB *sql.DB
}

func newFixture(t *testing.T, startCash domain.Cents) *fixture {
	t.Helper()

	dir := t.TempDir()
	stateDB, err := database.New(database.Config{Path: filepath.Join(dir, "state.db"), Profile: database.ProfileStandard, Name: "state"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateDB.Close() })
	require.NoError(t, stateDB.Migrate())

	ledgerDB, err := database.New(database.Config{Path: filepath.Join(dir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })
	require.NoError(t, ledgerDB.Migrate())

	cat, err := refdata.Load()
	require.NoError(t, err)

	accounts := portfolio.NewRepository(stateDB.Conn(), zerolog.Nop())
	require.NoError(t, accounts.EnsureAccount(testAccount, "Player", startCash, eastern(1985, 1, 2)))

	led := ledger.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	svc := NewService(stateDB.Conn(), cat, accounts, led, zerolog.Nop())
	return &fixture{svc: svc, accounts: accounts, ledgerDB: ledgerDB.Conn()}
}

func (f *fixture) account(t *testing.T) *domain.Account {
	t.Helper()
	acc, err := f.accounts.Account(testAccount)
	require.NoError(t, err)
	return acc
}

func eastern(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, simclock.Eastern)
}

func TestLenders_FiltersByAvailabilityYear(t *testing.T) {
	f := newFixture(t, 0)

	ids := map[string]bool{}
	for _, l := range f.svc.Lenders(eastern(1975, 6, 1)) {
		ids[l.ID] = true
	}
	assert.True(t, ids["first_national"])
	assert.True(t, ids["merchants_bank"])
	assert.False(t, ids["golden_gate_credit"], "opens in 1978")
	assert.False(t, ids["rapid_capital"], "opens in 1999")
}

func TestTake_DisbursesPrincipalMinusFee(t *testing.T) {
	f := newFixture(t, 1_000_00)

	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)

	assert.Equal(t, domain.LoanActive, loan.Status)
	assert.Equal(t, domain.Cents(10_000_00), loan.Principal)
	assert.Equal(t, domain.Cents(10_000_00), loan.Balance)
	assert.InDelta(t, 0.078, loan.AnnualRate, 1e-9)

	// 1% origination fee withheld from the disbursement.
	assert.Equal(t, domain.Cents(1_000_00+10_000_00-100_00), f.account(t).Cash)

	balance, err := f.svc.OutstandingBalance(testAccount)
	require.NoError(t, err)
	assert.Equal(t, domain.Cents(10_000_00), balance)
}

func TestTake_RejectsLowCreditScore(t *testing.T) {
	f := newFixture(t, 0)

	// The default score is 650; First National requires 720.
	_, err := f.svc.Take(testAccount, "first_national", 10_000_00, eastern(1985, 3, 1))
	assert.ErrorIs(t, err, domain.ErrCreditTooLow)
}

func TestTake_RejectsBeforeLenderOpens(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.Take(testAccount, "golden_gate_credit", 5_000_00, eastern(1975, 3, 1))
	assert.ErrorIs(t, err, domain.ErrLoanUnavailable)
}

func TestTake_RejectsOverMaxPrincipal(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.Take(testAccount, "merchants_bank", 300_000_00, eastern(1985, 3, 1))
	assert.ErrorIs(t, err, domain.ErrLoanUnavailable)
}

func TestTake_UnknownLender(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.Take(testAccount, "loan_shark", 1_000_00, eastern(1985, 3, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepay_PartialThenFull(t *testing.T) {
	f := newFixture(t, 5_000_00)
	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)

	after, err := f.svc.Repay(testAccount, loan.ID, 4_000_00, eastern(1985, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.Cents(6_000_00), after.Balance)
	assert.Equal(t, domain.LoanActive, after.Status)

	// Overpayment clamps to the balance.
	after, err = f.svc.Repay(testAccount, loan.ID, 9_000_00, eastern(1985, 5, 1))
	require.NoError(t, err)
	assert.Zero(t, after.Balance)
	assert.Equal(t, domain.LoanRepaid, after.Status)

	balance, err := f.svc.OutstandingBalance(testAccount)
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = f.svc.Repay(testAccount, loan.ID, 1_00, eastern(1985, 6, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "repaid loan takes no further payments")
}

func TestRepay_InsufficientCash(t *testing.T) {
	f := newFixture(t, 0)
	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)

	// Drain the disbursement so the payment bounces.
	require.NoError(t, f.accounts.ForceCash(testAccount, -f.account(t).Cash))

	_, err = f.svc.Repay(testAccount, loan.ID, 1_000_00, eastern(1985, 4, 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientCash)
}

func TestAccrueMonthly_InterestDebitedFromCash(t *testing.T) {
	f := newFixture(t, 0)
	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)

	cashBefore := f.account(t).Cash
	require.NoError(t, f.svc.AccrueMonthly(testAccount, eastern(1985, 4, 1)))

	// 7.8% annual on 10,000 is 65.00 a month; a successful debit keeps the
	// balance flat.
	interest := domain.Cents(10_000_00).MulShares(0.078 / 12)
	assert.Equal(t, cashBefore-interest, f.account(t).Cash)

	loans, err := f.svc.Loans(testAccount)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, loan.Balance, loans[0].Balance)
	assert.Equal(t, domain.LoanActive, loans[0].Status)
	assert.Equal(t, 650, f.account(t).CreditScore)
}

func TestAccrueMonthly_MissedPaymentGoesDelinquent(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)
	require.NoError(t, f.accounts.ForceCash(testAccount, -f.account(t).Cash))

	require.NoError(t, f.svc.AccrueMonthly(testAccount, eastern(1985, 4, 1)))

	loans, err := f.svc.Loans(testAccount)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, domain.LoanDelinquent, loans[0].Status)
	assert.Equal(t, 1, loans[0].MissedPayments)

	// The missed interest stays capitalized on the balance.
	interest := domain.Cents(10_000_00).MulShares(0.078 / 12)
	assert.Equal(t, domain.Cents(10_000_00)+interest, loans[0].Balance)

	// Merchants Bank reports a -35 delta.
	assert.Equal(t, 650-35, f.account(t).CreditScore)
}

func TestAccrueMonthly_DefaultsPastCureWindow(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)
	require.NoError(t, f.accounts.ForceCash(testAccount, -f.account(t).Cash))

	// First miss starts the 21-day cure window; a month later the loan is
	// still unpaid and defaults, with the balance force-collected.
	require.NoError(t, f.svc.AccrueMonthly(testAccount, eastern(1985, 4, 1)))
	require.NoError(t, f.svc.AccrueMonthly(testAccount, eastern(1985, 5, 1)))

	loans, err := f.svc.Loans(testAccount)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, domain.LoanDefaulted, loans[0].Status)
	assert.Zero(t, loans[0].Balance)

	acc := f.account(t)
	assert.Negative(t, int64(acc.Cash), "collection overdraws the account")
	assert.Equal(t, 650-35-35-100, acc.CreditScore)

	balance, err := f.svc.OutstandingBalance(testAccount)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestRepay_CuresDelinquency(t *testing.T) {
	f := newFixture(t, 0)
	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)
	require.NoError(t, f.accounts.ForceCash(testAccount, -f.account(t).Cash))
	require.NoError(t, f.svc.AccrueMonthly(testAccount, eastern(1985, 4, 1)))

	require.NoError(t, f.accounts.ForceCash(testAccount, 2_000_00))
	after, err := f.svc.Repay(testAccount, loan.ID, 1_000_00, eastern(1985, 4, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.LoanActive, after.Status)
}

func TestLoanHistory_RecordsLifecycle(t *testing.T) {
	f := newFixture(t, 5_000_00)
	loan, err := f.svc.Take(testAccount, "merchants_bank", 10_000_00, eastern(1985, 3, 1))
	require.NoError(t, err)
	_, err = f.svc.Repay(testAccount, loan.ID, 10_000_00, eastern(1985, 4, 1))
	require.NoError(t, err)

	rows, err := f.ledgerDB.Query(`SELECT kind FROM loan_history WHERE loan_id = ? ORDER BY id`, loan.ID)
	require.NoError(t, err)
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var kind string
		require.NoError(t, rows.Scan(&kind))
		kinds = append(kinds, kind)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"originated", "origination_fee", "payment", "repaid"}, kinds)
}

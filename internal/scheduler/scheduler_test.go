package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/modules/retention"
	"github.com/aristath/retrograde/internal/simclock"
)

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Run() error   { j.runs++; return j.err }
func (j *countingJob) Name() string { return "counting" }

func TestRunNow_ExecutesImmediately(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
}

func TestAddJob_RejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
	assert.NoError(t, s.AddJob("@hourly", &countingJob{}))
}

func TestMaintenanceJob_RunsCleanly(t *testing.T) {
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "state.db"), Profile: database.ProfileStandard, Name: "state"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	job := NewMaintenanceJob([]*database.DB{db}, zerolog.Nop())
	assert.Equal(t, "maintenance", job.Name())
	assert.NoError(t, job.Run())
}

func TestRetentionJob_PrunesAtSimulatedNow(t *testing.T) {
	dir := t.TempDir()
	stateDB, err := database.New(database.Config{Path: filepath.Join(dir, "state.db"), Profile: database.ProfileStandard, Name: "state"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateDB.Close() })
	require.NoError(t, stateDB.Migrate())

	ledgerDB, err := database.New(database.Config{Path: filepath.Join(dir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })
	require.NoError(t, ledgerDB.Migrate())

	now := time.Date(1995, 6, 1, 12, 0, 0, 0, simclock.Eastern)
	svc := retention.NewService(stateDB.Conn(), ledgerDB.Conn(), zerolog.Nop())
	require.NoError(t, svc.Set(retention.Config{CashflowDays: 90, PreserveBusiness: true}, now))
	_, err = ledgerDB.Exec(`INSERT INTO cashflow_log (account_id, occurred_at, kind, amount_cents)
		VALUES ('player', ?, 'fee', -1000)`, now.AddDate(0, 0, -200).Unix())
	require.NoError(t, err)

	clock := simclock.New(now, nil, zerolog.Nop())
	job := NewRetentionJob(svc, clock, zerolog.Nop())
	require.NoError(t, job.Run())

	var n int
	require.NoError(t, ledgerDB.QueryRow(`SELECT COUNT(*) FROM cashflow_log`).Scan(&n))
	assert.Zero(t, n)
}

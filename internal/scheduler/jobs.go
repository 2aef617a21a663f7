package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/modules/retention"
	"github.com/aristath/retrograde/internal/reliability"
)

// maintenanceTimeout bounds one maintenance or backup run.
const maintenanceTimeout = 5 * time.Minute

// MaintenanceJob checkpoints the WAL and integrity-checks every database.
type MaintenanceJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

func NewMaintenanceJob(databases []*database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{databases: databases, log: log.With().Str("job", "maintenance").Logger()}
}

func (j *MaintenanceJob) Name() string { return "maintenance" }

func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	for _, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Checkpoint contention resolves itself on the next run.
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
		if stats, err := db.GetStats(); err == nil {
			j.log.Debug().Str("database", db.Name()).
				Int64("size_bytes", stats.SizeBytes).
				Int64("wal_bytes", stats.WALSizeBytes).
				Int64("freelist", stats.FreelistCount).
				Msg("Database stats")
		}
	}
	return nil
}

// RetentionJob prunes aged ledger rows at the current simulated instant.
type RetentionJob struct {
	svc   *retention.Service
	clock interface{ Now() time.Time }
	log   zerolog.Logger
}

func NewRetentionJob(svc *retention.Service, clock interface{ Now() time.Time }, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{svc: svc, clock: clock, log: log.With().Str("job", "retention").Logger()}
}

func (j *RetentionJob) Name() string { return "retention_prune" }

func (j *RetentionJob) Run() error {
	_, err := j.svc.Prune(j.clock.Now())
	return err
}

// BackupJob ships a savegame archive to the object store and rotates old
// archives.
type BackupJob struct {
	backup        *reliability.BackupService
	retentionDays int
	log           zerolog.Logger
}

func NewBackupJob(backup *reliability.BackupService, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{backup: backup, retentionDays: retentionDays, log: log.With().Str("job", "backup").Logger()}
}

func (j *BackupJob) Name() string { return "savegame_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if _, err := j.backup.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	return j.backup.RotateOldBackups(ctx, j.retentionDays)
}

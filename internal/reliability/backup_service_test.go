package reliability

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/database"
)

func TestParseArchiveTimestamp(t *testing.T) {
	ts, ok := parseArchiveTimestamp("retrograde-backup-2026-08-24-031500.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 15, 0, 0, time.UTC), ts)

	_, ok = parseArchiveTimestamp("other-backup-2026-08-24-031500.tar.gz")
	assert.False(t, ok)
	_, ok = parseArchiveTimestamp("retrograde-backup-2026-08-24-031500.zip")
	assert.False(t, ok)
	_, ok = parseArchiveTimestamp("retrograde-backup-notadate.tar.gz")
	assert.False(t, ok)
}

func TestSnapshotAndArchive_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	db, err := database.New(database.Config{Path: filepath.Join(dir, "state.db"), Profile: database.ProfileStandard, Name: "state"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	_, err = db.Exec(`INSERT INTO engine_state (id, sim_now, multiplier, paused, seed, blob, updated_at)
		VALUES (1, 0, 3600, 0, 1, x'00', 0)`)
	require.NoError(t, err)

	staging := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(staging, 0755))

	// Snapshot is a standalone, readable copy of the live database.
	snapshot := filepath.Join(staging, "state.db")
	require.NoError(t, db.BackupTo(snapshot))

	copied, err := database.New(database.Config{Path: snapshot, Profile: database.ProfileStandard, Name: "copy"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = copied.Close() })
	var simNow int64
	require.NoError(t, copied.QueryRow(`SELECT sim_now FROM engine_state WHERE id = 1`).Scan(&simNow))
	assert.Zero(t, simNow)

	checksum, err := checksumFile(snapshot)
	require.NoError(t, err)
	assert.Contains(t, checksum, "sha256:")

	require.NoError(t, writeMetadata(filepath.Join(staging, "backup-metadata.json"), BackupMetadata{
		Timestamp: time.Now().UTC(),
		Databases: []DatabaseMetadata{{Name: "state", Filename: "state.db", Checksum: checksum}},
	}))

	archivePath := filepath.Join(staging, "retrograde-backup-2026-08-24-031500.tar.gz")
	require.NoError(t, createArchive(archivePath, staging, []string{"state.db", "backup-metadata.json"}))

	assert.ElementsMatch(t, []string{"state.db", "backup-metadata.json"}, archiveEntries(t, archivePath))
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	return names
}

package pricing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/refdata"
)

func newTestOverlay(t *testing.T) *Overlay {
	t.Helper()
	cat, err := refdata.Load()
	require.NoError(t, err)
	return NewOverlay(cat.CrashScenarios(), zerolog.Nop())
}

func TestOverlay_LevelZeroOutsideScenarioWindows(t *testing.T) {
	o := newTestOverlay(t)

	assert.Zero(t, o.Level("technology", eastern(1985, time.June, 3)))
	assert.Zero(t, o.Level("finance", eastern(2006, time.March, 1)))
}

func TestOverlay_BlackMondayLevelAndCrashDay(t *testing.T) {
	o := newTestOverlay(t)

	day := eastern(1987, time.October, 19)
	market := o.Level("", day)
	tech := o.Level("technology", day)

	assert.InDelta(t, -0.30, market, 1e-9)
	assert.InDelta(t, -0.34, tech, 1e-9)
	assert.True(t, o.IsCrashDay(day))
	assert.False(t, o.IsCrashDay(eastern(1985, time.June, 3)))

	assert.Greater(t, o.VolMultiplier(day), 2.5)
	assert.Less(t, o.Sentiment(day), -0.5)
	assert.Equal(t, 1.0, o.VolMultiplier(eastern(1985, time.June, 3)))
}

func TestOverlay_ImpactDecaysThroughRecovery(t *testing.T) {
	o := newTestOverlay(t)

	day0 := o.Level("", eastern(1987, time.October, 19))
	later := o.Level("", eastern(1988, time.June, 1))
	done := o.Level("", eastern(1995, time.January, 10))

	assert.Less(t, day0, later, "impact should fade toward zero")
	assert.Less(t, later, 0.0)
	assert.Zero(t, done)
}

func TestOverlay_TriggerReanchorsScenario(t *testing.T) {
	o := newTestOverlay(t)

	at := eastern(2025, time.March, 3)
	s, err := o.Trigger("black_monday_1987", at)
	require.NoError(t, err)
	assert.Equal(t, at, s.Start)

	assert.Less(t, o.Level("", at), -0.25)
	// The library copy is untouched.
	assert.Zero(t, o.Level("", eastern(2024, time.March, 3)))

	_, err = o.Trigger("no_such_crash", at)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOverlay_DeactivateEndsEffect(t *testing.T) {
	o := newTestOverlay(t)

	during := eastern(1987, time.November, 10)
	require.NotZero(t, o.Level("", during))

	require.NoError(t, o.Deactivate("black_monday_1987", eastern(1987, time.November, 1)))
	assert.Zero(t, o.Level("", during))
	// Before the cutoff the scenario still applies.
	assert.NotZero(t, o.Level("", eastern(1987, time.October, 19)))

	assert.ErrorIs(t, o.Deactivate("no_such_crash", during), domain.ErrNotFound)
}

func TestOverlay_SnapshotRoundTrip(t *testing.T) {
	o := newTestOverlay(t)

	at := eastern(2026, time.January, 5)
	_, err := o.Trigger("financial_2008", at)
	require.NoError(t, err)
	require.NoError(t, o.Deactivate("covid_2020", eastern(2020, time.April, 1)))

	probe := at.Add(10 * 24 * time.Hour)
	want := o.Level("finance", probe)

	restored := newTestOverlay(t)
	for _, s := range o.DynamicScenarios() {
		restored.Restore(s)
	}
	for id, cutoff := range o.Deactivations() {
		restored.RestoreDeactivation(id, cutoff)
	}

	assert.Equal(t, want, restored.Level("finance", probe))
	assert.Zero(t, restored.Level("", eastern(2020, time.May, 1)))
}

func TestOverlay_StatusesFlagDynamicEntries(t *testing.T) {
	o := newTestOverlay(t)
	_, err := o.Trigger("flash_crash_2010", eastern(2030, time.June, 1))
	require.NoError(t, err)

	statuses := o.Statuses(eastern(2030, time.June, 1))
	var dynamicSeen, activeSeen bool
	for _, st := range statuses {
		if st.Dynamic {
			dynamicSeen = true
			assert.True(t, st.Active)
		}
		if st.Active {
			activeSeen = true
		}
	}
	assert.True(t, dynamicSeen)
	assert.True(t, activeSeen)
}

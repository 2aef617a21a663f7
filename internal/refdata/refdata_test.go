package refdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/simclock"
)

func TestLoad_CatalogsParseAndValidate(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cat.Symbols())
	assert.NotEmpty(t, cat.Bonds())
	assert.NotEmpty(t, cat.IndexFunds())
	assert.NotEmpty(t, cat.Halts())
	assert.NotEmpty(t, cat.CrashScenarios())
	assert.NotEmpty(t, cat.CorporateEvents())
}

func TestLoad_DatesAreEasternMidnight(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	ibm := cat.Company("IBM")
	require.NotNil(t, ibm)
	first := ibm.Anchors[0].Date
	assert.Equal(t, "EST", first.Location().String())
	assert.Equal(t, 0, first.Hour())

	// A bare date must land on its own day index, not the previous day's.
	assert.Equal(t, simclock.DayIndex(first), simclock.DayIndex(first.Add(time.Hour)))
}

func TestCompany_AnchorsSorted(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	for _, sym := range cat.Symbols() {
		co := cat.Company(sym)
		for i := 1; i < len(co.Anchors); i++ {
			assert.True(t, co.Anchors[i-1].Date.Before(co.Anchors[i].Date),
				"anchors out of order for %s", sym)
		}
	}
}

func TestCompany_DividendRateAnchorYearLookup(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	ibm := cat.Company("IBM")
	require.NotNil(t, ibm)

	// 1993 anchor applies from 1993 until the next anchor year.
	assert.InDelta(t, 0.031, ibm.DividendRate(1985), 1e-9)
	assert.InDelta(t, 0.014, ibm.DividendRate(1995), 1e-9)
	assert.InDelta(t, 0.026, ibm.DividendRate(2019), 1e-9)

	// Before the first anchor year there is no dividend.
	assert.Zero(t, cat.Company("AAPL").DividendRate(2005))
}

func TestCompany_DossierSnapshotLookup(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	aapl := cat.Company("AAPL")
	require.NotNil(t, aapl)

	products := aapl.ProductsAt(1999)
	assert.Contains(t, products, "Macintosh")

	fin, ok := aapl.FinancialsAt(2010)
	require.True(t, ok)
	assert.InDelta(t, 7983, fin.Revenue, 1e-9)

	_, ok = aapl.FinancialsAt(1982)
	assert.False(t, ok)
}

func TestCatalog_LendersFilterByAvailability(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	early := cat.Lenders(time.Date(1975, 1, 1, 0, 0, 0, 0, simclock.Eastern))
	for _, l := range early {
		assert.LessOrEqual(t, l.AvailableFrom, 1975)
	}

	all := cat.Lenders(time.Date(2020, 1, 1, 0, 0, 0, 0, simclock.Eastern))
	assert.Greater(t, len(all), len(early))
}

func TestCatalog_NewsAndEmailsRespectAsOf(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	asOf := time.Date(1990, 1, 1, 0, 0, 0, 0, simclock.Eastern)
	for _, n := range cat.NewsUpTo(asOf, 0) {
		assert.False(t, n.Date.After(asOf))
	}
	for _, e := range cat.EmailsUpTo(asOf, 0) {
		assert.False(t, e.Date.After(asOf))
	}

	// Newest first.
	news := cat.NewsUpTo(asOf, 5)
	for i := 1; i < len(news); i++ {
		assert.False(t, news[i].Date.After(news[i-1].Date))
	}
}

func TestCatalog_CorporateEventsChronological(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	events := cat.CorporateEvents()
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].EffectiveAt.Before(events[i-1].EffectiveAt))
	}
	for _, ev := range events {
		assert.Equal(t, domain.EventPending, ev.Status)
	}
}

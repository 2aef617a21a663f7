package bonds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/refdata"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cat, err := refdata.Load()
	require.NoError(t, err)
	return NewService(cat)
}

func TestBondPrice_UnknownAndUnissued(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.BondPrice("ZZZZ", time.Date(1990, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)

	_, err = svc.BondPrice("UST90A", time.Date(1985, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrNotListedYet)
}

func TestBondPrice_FaceAtMaturity(t *testing.T) {
	svc := newTestService(t)

	price, err := svc.BondPrice("UST80A", time.Date(1995, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, price)
}

func TestBondPrice_HighCouponTradesAbovePar(t *testing.T) {
	svc := newTestService(t)

	// The 1980 treasury carries an 11.25% coupon. By 1985 the modeled policy
	// rate has fallen to 8%, so the bond trades at a premium.
	price, err := svc.BondPrice("UST80A", time.Date(1985, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Greater(t, price, 1000.0)
	assert.Less(t, price, 1300.0)
}

func TestBondPrice_LowCouponTradesBelowParWhenRatesRise(t *testing.T) {
	svc := newTestService(t)

	// The 2020 treasury pays 1.5%; by 2023 the modeled policy rate is 5%.
	price, err := svc.BondPrice("UST20A", time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Less(t, price, 1000.0)
	assert.Greater(t, price, 600.0)
}

func TestBondPrice_PullToParNearMaturity(t *testing.T) {
	svc := newTestService(t)

	early, err := svc.BondPrice("UST80A", time.Date(1984, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	late, err := svc.BondPrice("UST80A", time.Date(1989, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Both dates sit in the same 8% rate era; the premium decays as
	// maturity approaches.
	assert.Less(t, late-1000, early-1000)
	assert.InDelta(t, 1000, late, 60)
}

func TestYield_RatingSpreadOrdersPrices(t *testing.T) {
	svc := newTestService(t)
	at := time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)

	cat, err := refdata.Load()
	require.NoError(t, err)

	treasury := svc.Yield(cat.Bond("UST10A"), at)
	junk := svc.Yield(cat.Bond("CRPFORD"), at)
	assert.Greater(t, junk, treasury)
}

func TestYield_MunicipalDiscount(t *testing.T) {
	svc := newTestService(t)
	at := time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)

	cat, err := refdata.Load()
	require.NoError(t, err)

	// Same A rating, similar maturities; the municipal clears lower.
	corpA := svc.Yield(cat.Bond("CRPGE"), at)
	muniA := svc.Yield(cat.Bond("MUNCAL"), at)
	assert.Less(t, muniA, corpA)
}

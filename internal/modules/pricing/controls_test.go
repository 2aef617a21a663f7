package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPEDampening_PiecewiseInterpolation(t *testing.T) {
	assert.Equal(t, 1.0, peDampening(12))
	assert.Equal(t, 1.0, peDampening(16))
	assert.InDelta(t, 0.85, peDampening(18), 1e-9)
	assert.InDelta(t, 0.7, peDampening(20), 1e-9)
	assert.InDelta(t, 0.55, peDampening(25), 1e-9)
	assert.InDelta(t, 0.4, peDampening(30), 1e-9)
	assert.InDelta(t, 0.2, peDampening(40), 1e-9)
	assert.Equal(t, 0.2, peDampening(80))
}

func TestRegimeCap_TightensWithVolatility(t *testing.T) {
	assert.Equal(t, 0.40, regimeCap(0.10))
	assert.Equal(t, 0.25, regimeCap(0.20))
	assert.Equal(t, 0.20, regimeCap(0.40))
	assert.Equal(t, 0.15, regimeCap(0.60))
}

func TestControls_MeanReversionNudgesTowardTarget(t *testing.T) {
	c := newControls()

	// A flat proposal picks up a small positive drift toward the long-run
	// target; a hot proposal is shaved toward it.
	assert.Greater(t, c.apply(0), 0.0)

	c2 := newControls()
	got := c2.apply(0.02)
	assert.Less(t, got, 0.02)
	assert.Greater(t, got, 0.0)
}

func TestControls_DailyBreakerSoftensExtremes(t *testing.T) {
	c := newControls()

	got := c.apply(0.50)
	// Mean reversion shaves the proposal, then the daily knee passes only
	// half of the excess past 10%.
	assert.Greater(t, got, 0.10)
	assert.Less(t, got, 0.20)

	c2 := newControls()
	down := c2.apply(-0.50)
	assert.Less(t, down, -0.10)
	assert.Greater(t, down, -0.20)
}

func TestControls_WeeklyBreakerAbsorbsSlides(t *testing.T) {
	c := newControls()

	// Two -9% days stay under both thresholds after mean reversion; the
	// third pushes the trailing week past -20% and gets partly absorbed.
	first := c.apply(-0.09)
	second := c.apply(-0.09)
	third := c.apply(-0.09)

	assert.InDelta(t, first, second, 1e-9)
	assert.Greater(t, third, second, "weekly breaker should absorb part of the slide")
}

func TestControls_ValuationDampeningShrinksGainsOnly(t *testing.T) {
	rich := newControls()
	rich.state.MarketPE = 35
	fair := newControls()
	fair.state.MarketPE = 16

	assert.Less(t, rich.apply(0.02), fair.apply(0.02))

	richLoss := newControls()
	richLoss.state.MarketPE = 35
	fairLoss := newControls()
	fairLoss.state.MarketPE = 16
	assert.InDelta(t, fairLoss.apply(-0.02), richLoss.apply(-0.02), 1e-12)
}

func TestControls_IdenticalInputsEvolveIdentically(t *testing.T) {
	a := newControls()
	b := newControls()

	for i := 0; i < 10; i++ {
		p := 0.01*float64(i%3) - 0.01
		assert.Equal(t, a.apply(p), b.apply(p))
	}
	assert.Equal(t, a.state.MarketPE, b.state.MarketPE)
	assert.False(t, math.IsNaN(a.state.VolEWMA))
}

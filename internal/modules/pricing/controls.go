package pricing

import (
	"math"
)

// tradingDaysPerYear is the day-count convention for converting annual
// rates to daily ones.
const tradingDaysPerYear = 252.0

// controlsState is the trailing statistics the control mechanisms evolve as
// the forward simulation extends.
type controlsState struct {
	MarketPE      float64
	VolEWMA       float64 // EWMA of squared daily returns
	RecentReturns []float64
}

// controls keeps the synthesized market average inside realistic bounds.
// Four mechanisms run in order on every proposed daily market return:
// mean reversion toward the long-run growth target, valuation dampening
// when the implied market P/E stretches, volatility-regime caps from an
// EWMA of realized moves, and soft circuit breakers past 10% daily or 20%
// weekly slides.
type controls struct {
	theta    float64 // mean-reversion strength
	target   float64 // long-run annual growth target
	ewmaBeta float64 // EWMA decay for squared returns

	state controlsState
}

func newControls() *controls {
	return &controls{
		theta:    0.15,
		target:   0.07,
		ewmaBeta: 0.94,
		state: controlsState{
			MarketPE: 16.0,
			VolEWMA:  math.Pow(0.15/math.Sqrt(tradingDaysPerYear), 2),
		},
	}
}

// peDampening scales back positive returns as the implied market P/E
// stretches. Piecewise-linear through (16,1.0) (20,0.7) (30,0.4) (40,0.2),
// flat outside.
func peDampening(pe float64) float64 {
	points := [][2]float64{{16, 1.0}, {20, 0.7}, {30, 0.4}, {40, 0.2}}
	if pe <= points[0][0] {
		return points[0][1]
	}
	for i := 1; i < len(points); i++ {
		if pe <= points[i][0] {
			p0, p1 := points[i-1], points[i]
			frac := (pe - p0[0]) / (p1[0] - p0[0])
			return p0[1] + frac*(p1[1]-p0[1])
		}
	}
	return points[len(points)-1][1]
}

// regimeCap returns the per-day absolute return cap for the current
// annualized EWMA volatility. Calm regimes leave wide headroom; stressed
// regimes tighten the cap.
func regimeCap(annualVol float64) float64 {
	switch {
	case annualVol < 0.15:
		return 0.40
	case annualVol < 0.30:
		return 0.25
	case annualVol < 0.50:
		return 0.20
	default:
		return 0.15
	}
}

// apply runs a proposed daily market return through the four control
// mechanisms, folds the accepted return into the trailing statistics, and
// returns it.
func (c *controls) apply(proposed float64) float64 {
	r := proposed

	// 1. Mean reversion toward the long-run drift.
	r -= c.theta * (r - c.target/tradingDaysPerYear)

	// 2. Valuation dampening shrinks gains only; drawdowns are how
	// valuations normalize.
	if r > 0 {
		r *= peDampening(c.state.MarketPE)
	}

	// 3. Volatility regime cap.
	cap := regimeCap(math.Sqrt(c.state.VolEWMA * tradingDaysPerYear))
	if r > cap {
		r = cap
	}
	if r < -cap {
		r = -cap
	}

	// 4a. Daily soft circuit breaker: past 10%, only half the excess
	// passes through.
	const dailyThreshold = 0.10
	if math.Abs(r) > dailyThreshold {
		r = math.Copysign(dailyThreshold+0.5*(math.Abs(r)-dailyThreshold), r)
	}

	// 4b. Weekly breaker: if today's move would push the trailing-week sum
	// past 20%, half of that excess is absorbed.
	const weeklyThreshold = 0.20
	week := c.trailingWeek() + r
	if math.Abs(week) > weeklyThreshold {
		excess := math.Abs(week) - weeklyThreshold
		r -= math.Copysign(0.5*excess, week)
	}

	c.record(r)
	return r
}

// record folds an accepted daily return into the trailing statistics.
func (c *controls) record(r float64) {
	c.state.VolEWMA = c.ewmaBeta*c.state.VolEWMA + (1-c.ewmaBeta)*r*r

	// P/E drifts with price and decays toward fair value as earnings
	// catch up.
	c.state.MarketPE *= math.Exp(r)
	c.state.MarketPE += (16.0 - c.state.MarketPE) * 0.002
	if c.state.MarketPE < 5 {
		c.state.MarketPE = 5
	}

	c.state.RecentReturns = append(c.state.RecentReturns, r)
	if len(c.state.RecentReturns) > 5 {
		c.state.RecentReturns = c.state.RecentReturns[len(c.state.RecentReturns)-5:]
	}
}

// trailingWeek sums the last five accepted daily returns.
func (c *controls) trailingWeek() float64 {
	sum := 0.0
	for _, r := range c.state.RecentReturns {
		sum += r
	}
	return sum
}

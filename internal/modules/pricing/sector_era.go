package pricing

import (
	"time"

	"github.com/aristath/retrograde/internal/simclock"
)

// eraBias is a fixed per-sector per-era growth adjustment, expressed as an
// annual log-price drift added on top of the interpolated anchor path.
type eraBias struct {
	fromYear int
	toYear   int // exclusive
	drift    float64
}

// sectorEras captures the qualitative per-era tilts: the tech run-up into
// 2000 and its unwind, the 2008 finance drawdown, the oil decades, and so
// on. Values are drifts, not levels; the anchor normalization keeps anchor
// fidelity regardless of what is listed here.
var sectorEras = map[string][]eraBias{
	"technology": {
		{1970, 1985, 0.02},
		{1985, 1995, 0.04},
		{1995, 2000, 0.18},
		{2000, 2003, -0.25},
		{2003, 2010, 0.05},
		{2010, 2030, 0.10},
	},
	"finance": {
		{1982, 2000, 0.05},
		{2007, 2009, -0.30},
		{2009, 2015, 0.08},
	},
	"energy": {
		{1973, 1981, 0.10},
		{1981, 1986, -0.08},
		{2003, 2008, 0.12},
		{2014, 2017, -0.12},
		{2020, 2021, -0.20},
	},
	"consumer": {
		{1982, 2000, 0.04},
		{2008, 2010, -0.05},
	},
	"healthcare": {
		{1985, 2000, 0.05},
	},
	"industrial": {
		{2008, 2010, -0.10},
	},
	"telecom": {
		{1996, 2000, 0.10},
		{2000, 2003, -0.22},
	},
	"automotive": {
		{1973, 1982, -0.08},
		{2008, 2010, -0.18},
		{2010, 2015, 0.08},
	},
}

// eraLevel returns the cumulative log-price level contributed by the
// sector-era table from the simulation epoch up to t. Within a year the
// drift accrues linearly by day of year.
func eraLevel(sector string, t time.Time) float64 {
	biases, ok := sectorEras[sector]
	if !ok {
		return 0
	}
	local := t.In(simclock.Eastern)
	year := local.Year()
	frac := float64(local.YearDay()) / 365.0

	level := 0.0
	for _, b := range biases {
		switch {
		case year >= b.toYear:
			level += float64(b.toYear-b.fromYear) * b.drift
		case year >= b.fromYear:
			level += (float64(year-b.fromYear) + frac) * b.drift
		}
	}
	return level
}

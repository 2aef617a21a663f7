package pricing

import (
	"github.com/aristath/retrograde/internal/prng"
)

// economicIndicators models the macro backdrop as simple functions of the
// simulated year. The deterministic tables carry the broad shape of each
// era; a small keyed stochastic component keeps years from looking
// identical across sectors without breaking reproducibility.
type economicIndicators struct {
	FedFundsRate float64
	GDPGrowth    float64
	Inflation    float64
	Unemployment float64
	QEActive     bool
}

// indicatorsForYear returns the macro snapshot for a simulated year.
// Years past the table's end extrapolate the final entry.
func indicatorsForYear(year int) economicIndicators {
	switch {
	case year < 1975:
		return economicIndicators{FedFundsRate: 0.070, GDPGrowth: 0.028, Inflation: 0.062, Unemployment: 0.055}
	case year < 1980:
		return economicIndicators{FedFundsRate: 0.085, GDPGrowth: 0.032, Inflation: 0.082, Unemployment: 0.068}
	case year < 1983:
		return economicIndicators{FedFundsRate: 0.150, GDPGrowth: 0.004, Inflation: 0.105, Unemployment: 0.090}
	case year < 1990:
		return economicIndicators{FedFundsRate: 0.080, GDPGrowth: 0.038, Inflation: 0.038, Unemployment: 0.062}
	case year < 1995:
		return economicIndicators{FedFundsRate: 0.048, GDPGrowth: 0.028, Inflation: 0.030, Unemployment: 0.064}
	case year < 2001:
		return economicIndicators{FedFundsRate: 0.055, GDPGrowth: 0.042, Inflation: 0.024, Unemployment: 0.045}
	case year < 2004:
		return economicIndicators{FedFundsRate: 0.018, GDPGrowth: 0.018, Inflation: 0.022, Unemployment: 0.058}
	case year < 2008:
		return economicIndicators{FedFundsRate: 0.042, GDPGrowth: 0.030, Inflation: 0.029, Unemployment: 0.048}
	case year < 2010:
		return economicIndicators{FedFundsRate: 0.002, GDPGrowth: -0.012, Inflation: 0.010, Unemployment: 0.094, QEActive: true}
	case year < 2016:
		return economicIndicators{FedFundsRate: 0.002, GDPGrowth: 0.022, Inflation: 0.015, Unemployment: 0.066, QEActive: true}
	case year < 2020:
		return economicIndicators{FedFundsRate: 0.018, GDPGrowth: 0.025, Inflation: 0.019, Unemployment: 0.041}
	case year < 2022:
		return economicIndicators{FedFundsRate: 0.001, GDPGrowth: 0.015, Inflation: 0.038, Unemployment: 0.062, QEActive: true}
	case year < 2024:
		return economicIndicators{FedFundsRate: 0.050, GDPGrowth: 0.022, Inflation: 0.052, Unemployment: 0.038}
	default:
		return economicIndicators{FedFundsRate: 0.035, GDPGrowth: 0.024, Inflation: 0.025, Unemployment: 0.043}
	}
}

// FedFundsRate returns the modeled policy rate for a simulated year. The
// bond desk anchors its yield curve on it.
func FedFundsRate(year int) float64 {
	return indicatorsForYear(year).FedFundsRate
}

// sectorGrowthTilt is the long-run annual drift a sector adds to or
// subtracts from the market in post-anchor synthesis.
var sectorGrowthTilt = map[string]float64{
	"technology": 0.025,
	"healthcare": 0.012,
	"consumer":   0.005,
	"finance":    0.000,
	"industrial": -0.003,
	"energy":     -0.008,
	"telecom":    -0.010,
	"automotive": -0.005,
}

// annualGrowthRate is the expected annual market (or sector) log return
// for a year: nominal GDP growth plus an easy-money kicker, minus a
// tight-policy drag, plus the sector tilt and a small deterministic
// stochastic component keyed to (seed, year, sector).
func annualGrowthRate(seed uint64, year int, sector string) float64 {
	ind := indicatorsForYear(year)

	rate := ind.GDPGrowth + ind.Inflation
	// Policy stance: cheap money relative to inflation lifts equities.
	rate -= 0.6 * (ind.FedFundsRate - ind.Inflation)
	if ind.QEActive {
		rate += 0.020
	}
	// Labor slack drags on earnings growth.
	rate -= 0.3 * (ind.Unemployment - 0.05)

	rate += sectorGrowthTilt[sector]

	// Stationary year-to-year wobble, +/-2.5%.
	s := prng.New(seed, sector, int64(year), "economy")
	rate += (s.Float64() - 0.5) * 0.05

	return rate
}

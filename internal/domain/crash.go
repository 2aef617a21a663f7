package domain

import "time"

// RecoveryShape selects how a crash scenario's effect decays after onset.
type RecoveryShape string

const (
	RecoveryImmediate  RecoveryShape = "immediate"
	RecoveryV          RecoveryShape = "v"
	RecoveryGradual    RecoveryShape = "gradual"
	RecoverySlow       RecoveryShape = "slow"
	RecoveryProlonged  RecoveryShape = "prolonged"
	RecoveryDecadeLong RecoveryShape = "decade-long"
)

// CrashImpact describes the shock a scenario applies while active.
type CrashImpact struct {
	MarketReturnShift    float64            `yaml:"market_return_shift"`
	SectorShifts         map[string]float64 `yaml:"sector_shifts"`
	VolatilityMultiplier float64            `yaml:"volatility_multiplier"`
	LiquidityReduction   float64            `yaml:"liquidity_reduction"` // 0..1
	SentimentShift       float64            `yaml:"sentiment_shift"`     // -1..+1
}

// CascadeSample describes how a shock decays or recurs after its start.
type CascadeSample struct {
	DelayDays  int     `yaml:"delay_days"`
	Multiplier float64 `yaml:"multiplier"`
}

// Recovery describes the residual decay envelope after the initial shock.
type Recovery struct {
	Shape         RecoveryShape `yaml:"shape"`
	DurationDays  int           `yaml:"duration_days"`
	DailyVolDecay float64       `yaml:"daily_vol_decay"`
}

// CrashScenario is a dated market-shock scenario. Active scenarios compose
// additively: the overlay at an instant is the sum over active scenarios of
// impact x cascade multiplier x recovery residual at days-since-start.
type CrashScenario struct {
	ID       string          `yaml:"id"`
	Kind     string          `yaml:"kind"`
	Severity float64         `yaml:"severity"`
	Start    time.Time       `yaml:"start"`
	End      *time.Time      `yaml:"end"`
	Impacts  CrashImpact     `yaml:"impacts"`
	Cascades []CascadeSample `yaml:"cascades"`
	Recovery Recovery        `yaml:"recovery"`
}

// MaxCascadeDelay returns the largest cascade offset in days. A scenario is
// completed once days-since-start exceeds this value plus the recovery window.
func (s CrashScenario) MaxCascadeDelay() int {
	maxDelay := 0
	for _, c := range s.Cascades {
		if c.DelayDays > maxDelay {
			maxDelay = c.DelayDays
		}
	}
	return maxDelay
}

// CascadeMultiplier interpolates the cascade envelope at daysSince. Between
// samples the multiplier is linearly interpolated; before the first sample it
// is 1.0 (full initial shock), after the last it is the last sample's value.
func (s CrashScenario) CascadeMultiplier(daysSince int) float64 {
	if len(s.Cascades) == 0 {
		return 1.0
	}
	if daysSince <= s.Cascades[0].DelayDays {
		if s.Cascades[0].DelayDays == 0 {
			return s.Cascades[0].Multiplier
		}
		// Ramp from full shock toward the first sample.
		frac := float64(daysSince) / float64(s.Cascades[0].DelayDays)
		return 1.0 + frac*(s.Cascades[0].Multiplier-1.0)
	}
	for i := 1; i < len(s.Cascades); i++ {
		prev, next := s.Cascades[i-1], s.Cascades[i]
		if daysSince <= next.DelayDays {
			span := float64(next.DelayDays - prev.DelayDays)
			frac := float64(daysSince-prev.DelayDays) / span
			return prev.Multiplier + frac*(next.Multiplier-prev.Multiplier)
		}
	}
	return s.Cascades[len(s.Cascades)-1].Multiplier
}

// RecoveryResidual returns the fraction of the shock still in effect at
// daysSince, in [0, 1]. Immediate recoveries cut off after one day; the
// other shapes decay linearly over their duration with shape-specific tails.
func (s CrashScenario) RecoveryResidual(daysSince int) float64 {
	if daysSince < 0 {
		return 0
	}
	dur := s.Recovery.DurationDays
	if dur <= 0 {
		dur = 1
	}
	switch s.Recovery.Shape {
	case RecoveryImmediate:
		if daysSince == 0 {
			return 1
		}
		return 0
	case RecoveryV:
		// Sharp drop, sharp rebound: symmetric triangle over the duration.
		if daysSince >= dur {
			return 0
		}
		return 1 - float64(daysSince)/float64(dur)
	default:
		// gradual, slow, prolonged, decade-long: linear decay over duration.
		if daysSince >= dur {
			return 0
		}
		return 1 - float64(daysSince)/float64(dur)
	}
}

// ActiveAt reports whether the scenario still has any effect at t.
func (s CrashScenario) ActiveAt(t time.Time) bool {
	if t.Before(s.Start) {
		return false
	}
	if s.End != nil && !t.Before(*s.End) {
		return false
	}
	horizon := s.MaxCascadeDelay() + s.Recovery.DurationDays
	return int(t.Sub(s.Start).Hours()/24) <= horizon
}

package pricing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/simclock"
)

// Overlay composes crash-scenario impacts into the price path. Library
// scenarios take effect automatically once simulated time passes their
// start; scenarios can also be triggered dynamically (re-anchored at the
// trigger instant) or deactivated early. Queries at instant t only ever see
// scenarios whose start is at or before t.
type Overlay struct {
	mu          sync.RWMutex
	library     []*domain.CrashScenario
	dynamic     []*domain.CrashScenario
	deactivated map[string]time.Time
	log         zerolog.Logger
}

// ScenarioStatus is the externally visible state of one scenario.
type ScenarioStatus struct {
	Scenario *domain.CrashScenario
	Active   bool
	Dynamic  bool
}

// NewOverlay creates the overlay over the static crash library.
func NewOverlay(library []*domain.CrashScenario, log zerolog.Logger) *Overlay {
	return &Overlay{
		library:     library,
		deactivated: make(map[string]time.Time),
		log:         log.With().Str("component", "crash_overlay").Logger(),
	}
}

// effectiveAt reports whether scenario s contributes at t, honoring early
// deactivation.
func (o *Overlay) effectiveAt(s *domain.CrashScenario, t time.Time) bool {
	if !s.ActiveAt(t) {
		return false
	}
	if cutoff, ok := o.deactivated[s.ID]; ok && !t.Before(cutoff) {
		return false
	}
	return true
}

// forEachEffective calls fn with each scenario contributing at t.
func (o *Overlay) forEachEffective(t time.Time, fn func(*domain.CrashScenario)) {
	for _, s := range o.library {
		if o.effectiveAt(s, t) {
			fn(s)
		}
	}
	for _, s := range o.dynamic {
		if o.effectiveAt(s, t) {
			fn(s)
		}
	}
}

// Level returns the summed log-price impact on a sector at t. The market
// component applies to every sector; sector shifts add on top.
func (o *Overlay) Level(sector string, t time.Time) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	level := 0.0
	o.forEachEffective(t, func(s *domain.CrashScenario) {
		days := daysSince(s.Start, t)
		envelope := s.CascadeMultiplier(days) * s.RecoveryResidual(days)
		level += s.Impacts.MarketReturnShift * envelope
		if shift, ok := s.Impacts.SectorShifts[sector]; ok {
			level += shift * envelope
		}
	})
	return level
}

// VolMultiplier returns the volatility multiplier at t: the largest
// multiplier among effective scenarios, scaled down by each scenario's
// recovery residual, floored at 1.
func (o *Overlay) VolMultiplier(t time.Time) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	mult := 1.0
	o.forEachEffective(t, func(s *domain.CrashScenario) {
		days := daysSince(s.Start, t)
		m := 1.0 + (s.Impacts.VolatilityMultiplier-1.0)*s.RecoveryResidual(days)
		if m > mult {
			mult = m
		}
	})
	return mult
}

// Sentiment returns the summed sentiment shift at t, clamped to [-1, 1].
func (o *Overlay) Sentiment(t time.Time) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	sentiment := 0.0
	o.forEachEffective(t, func(s *domain.CrashScenario) {
		days := daysSince(s.Start, t)
		sentiment += s.Impacts.SentimentShift * s.RecoveryResidual(days)
	})
	if sentiment > 1 {
		sentiment = 1
	}
	if sentiment < -1 {
		sentiment = -1
	}
	return sentiment
}

// IsCrashDay reports whether the overlay level moves sharply on the
// calendar day containing t. Crash days get the wider daily-move clamp.
func (o *Overlay) IsCrashDay(t time.Time) bool {
	day := simclock.DayIndex(t)
	today := o.Level("", simclock.DateForDayIndex(day))
	yesterday := o.Level("", simclock.DateForDayIndex(day-1))
	delta := today - yesterday
	if delta < 0 {
		delta = -delta
	}
	return delta > 0.05
}

// Trigger re-anchors a library scenario at the given instant and activates
// it as a dynamic scenario. Returns the activated copy.
func (o *Overlay) Trigger(id string, at time.Time) (*domain.CrashScenario, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var tpl *domain.CrashScenario
	for _, s := range o.library {
		if s.ID == id {
			tpl = s
			break
		}
	}
	if tpl == nil {
		return nil, domain.Wrap(domain.ErrNotFound, "crash scenario %q", id)
	}

	clone := *tpl
	clone.ID = id + "@" + at.Format("2006-01-02")
	clone.Start = at
	clone.End = nil
	o.dynamic = append(o.dynamic, &clone)
	delete(o.deactivated, clone.ID)

	o.log.Info().Str("scenario", clone.ID).Time("start", at).Msg("Crash scenario triggered")
	return &clone, nil
}

// Restore re-registers a previously persisted dynamic scenario.
func (o *Overlay) Restore(s *domain.CrashScenario) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dynamic = append(o.dynamic, s)
}

// Deactivate ends a scenario's effect from the given instant forward.
func (o *Overlay) Deactivate(id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range append(o.library, o.dynamic...) {
		if s.ID == id {
			o.deactivated[id] = at
			o.log.Info().Str("scenario", id).Time("at", at).Msg("Crash scenario deactivated")
			return nil
		}
	}
	return domain.Wrap(domain.ErrNotFound, "crash scenario %q", id)
}

// RestoreDeactivation re-applies a persisted deactivation.
func (o *Overlay) RestoreDeactivation(id string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deactivated[id] = at
}

// Statuses returns every known scenario with its activity at t.
func (o *Overlay) Statuses(t time.Time) []ScenarioStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ScenarioStatus, 0, len(o.library)+len(o.dynamic))
	for _, s := range o.library {
		out = append(out, ScenarioStatus{Scenario: s, Active: o.effectiveAt(s, t)})
	}
	for _, s := range o.dynamic {
		out = append(out, ScenarioStatus{Scenario: s, Active: o.effectiveAt(s, t), Dynamic: true})
	}
	return out
}

// DynamicScenarios returns the dynamically triggered scenarios for
// persistence.
func (o *Overlay) DynamicScenarios() []*domain.CrashScenario {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*domain.CrashScenario, len(o.dynamic))
	copy(out, o.dynamic)
	return out
}

// Deactivations returns the deactivation cutoffs for persistence.
func (o *Overlay) Deactivations() map[string]time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]time.Time, len(o.deactivated))
	for k, v := range o.deactivated {
		out[k] = v
	}
	return out
}

// daysSince counts calendar days from start to t in the simulation zone.
func daysSince(start, t time.Time) int {
	return int(simclock.DayIndex(t) - simclock.DayIndex(start))
}

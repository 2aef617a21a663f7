// Package simclock owns simulated time: the current instant, the speed
// multiplier, the market-hours predicate and the trading-halt schedule.
package simclock

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/domain"
)

// Eastern is the single timezone of the whole simulation: US Eastern pinned
// to standard time. Keeping DST out makes calendar-day arithmetic unambiguous.
var Eastern = time.FixedZone("EST", -5*60*60)

// epoch is the simulation's day-zero, midnight 1970-01-01 Eastern.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, Eastern)

// SupportedMultipliers are the game-seconds-per-wall-second speeds the clock
// accepts. Unknown values are clamped to the nearest supported one.
var SupportedMultipliers = []int64{60, 300, 3600, 21600, 86400, 604800}

// Clock advances simulated time on a fixed wall-clock tick.
type Clock struct {
	mu         sync.RWMutex
	current    time.Time
	multiplier int64
	paused     bool
	halts      []domain.Halt // sorted by start
	log        zerolog.Logger
}

// New creates a clock positioned at start with the given halt schedule.
func New(start time.Time, halts []domain.Halt, log zerolog.Logger) *Clock {
	sorted := make([]domain.Halt, len(halts))
	copy(sorted, halts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	return &Clock{
		current:    start.In(Eastern),
		multiplier: 3600,
		halts:      sorted,
		log:        log.With().Str("component", "simclock").Logger(),
	}
}

// Now returns the current simulated instant.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Multiplier returns the current speed in game seconds per wall second.
func (c *Clock) Multiplier() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiplier
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// AdvanceBy moves simulated time forward by wallDt scaled through the
// multiplier. Returns the new instant. No-op while paused.
func (c *Clock) AdvanceBy(wallDt time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.current
	}
	gameDt := time.Duration(float64(wallDt) * float64(c.multiplier))
	c.current = c.current.Add(gameDt)
	return c.current
}

// SetNow repositions the clock, used when loading a savegame and in tests.
func (c *Clock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t.In(Eastern)
}

// SetMultiplier sets the speed, clamping unknown values to the nearest
// supported multiplier. Never fails.
func (c *Clock) SetMultiplier(x int64) int64 {
	clamped := SupportedMultipliers[0]
	bestDiff := int64(-1)
	for _, m := range SupportedMultipliers {
		diff := m - x
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			clamped = m
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if clamped != x {
		c.log.Debug().Int64("requested", x).Int64("clamped", clamped).Msg("Multiplier clamped to nearest supported value")
	}
	c.multiplier = clamped
	return clamped
}

// Pause stops the clock.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume restarts the clock.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// TogglePause flips the pause state and returns the new value.
func (c *Clock) TogglePause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = !c.paused
	return c.paused
}

// IsMarketOpen reports whether the market trades at instant t:
// a non-holiday weekday with local time in [09:30, 16:00).
func (c *Clock) IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	local := t.In(Eastern)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsTradingDay reports whether t falls on a weekday that is not a market
// holiday, regardless of the time of day.
func IsTradingDay(t time.Time) bool {
	local := t.In(Eastern)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isHoliday(local)
}

// ActiveHalt returns the halt gating symbol at t, or nil. A full halt gates
// every symbol; a partial halt gates only its listed symbols. Pass an empty
// symbol to match full halts only.
func (c *Clock) ActiveHalt(t time.Time, symbol string) *domain.Halt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.halts {
		h := &c.halts[i]
		if t.Before(h.Start) {
			// Schedule is sorted; nothing later can cover t either, but
			// overlapping windows may start earlier, so keep scanning only
			// windows that have started.
			break
		}
		if symbol == "" {
			if h.Scope == domain.HaltFull && !t.Before(h.Start) && t.Before(h.End) {
				return h
			}
			continue
		}
		if h.Covers(t, symbol) {
			return h
		}
	}
	return nil
}

// DayIndex returns calendar days since the simulation epoch, computed in the
// simulation timezone. This is the counter that keys per-day noise streams.
func DayIndex(t time.Time) int64 {
	local := t.In(Eastern)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Eastern)
	return int64(midnight.Sub(epoch) / (24 * time.Hour))
}

// DateForDayIndex inverts DayIndex to midnight Eastern of that day.
func DateForDayIndex(idx int64) time.Time {
	return epoch.Add(time.Duration(idx) * 24 * time.Hour)
}

// isHoliday covers the fixed market holidays: New Year's Day, Independence
// Day, Thanksgiving (fourth Thursday of November) and Christmas.
func isHoliday(local time.Time) bool {
	switch {
	case local.Month() == time.January && local.Day() == 1:
		return true
	case local.Month() == time.July && local.Day() == 4:
		return true
	case local.Month() == time.December && local.Day() == 25:
		return true
	case local.Month() == time.November && local.Weekday() == time.Thursday &&
		local.Day() >= 22 && local.Day() <= 28:
		return true
	}
	return false
}

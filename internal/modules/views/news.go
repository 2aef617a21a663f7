package views

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/prng"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/simclock"
)

const (
	// newsWindowDays bounds how far back the dynamic scan reaches; older
	// items are evicted from the cache.
	newsWindowDays = 90

	// moveThresholdPct fires a per-symbol item.
	moveThresholdPct = 8.0

	// sectorThresholdPct fires a sector-aggregate item on the average move.
	sectorThresholdPct = 5.0

	symbolCooldownDays = 7
	sectorCooldownDays = 3
)

var gainTemplates = []string{
	"%s surges %.1f%% in heavy trading",
	"%s rallies %.1f%% as buyers pile in",
	"Investors bid %s up %.1f%%",
}

var lossTemplates = []string{
	"%s plunges %.1f%% in broad selloff",
	"%s drops %.1f%% as sentiment sours",
	"Sellers knock %s down %.1f%%",
}

// newsCache derives move-driven news items from the price series. The
// derivation is deterministic: item identity is keyed by (symbol, day) and
// headline wording by the seeded stream, so a rebuilt cache produces
// byte-identical items.
type newsCache struct {
	cat    *refdata.Catalog
	stocks StockPricer
	seed   uint64

	mu          sync.Mutex
	items       []domain.NewsItem
	scannedUpTo int64 // day index, exclusive of the next day to scan
	symbolFired map[string]int64
	sectorFired map[string]int64
	windowStart int64
}

func newNewsCache(cat *refdata.Catalog, stocks StockPricer, seed uint64) *newsCache {
	return &newsCache{
		cat:         cat,
		stocks:      stocks,
		seed:        seed,
		symbolFired: map[string]int64{},
		sectorFired: map[string]int64{},
	}
}

// itemsUpTo returns the dynamic items for the trailing window ending at t,
// scanning any days not yet covered and evicting expired ones.
func (n *newsCache) itemsUpTo(t time.Time) []domain.NewsItem {
	n.mu.Lock()
	defer n.mu.Unlock()

	today := simclock.DayIndex(t)
	start := today - newsWindowDays + 1

	// A clock rewind or a gap past the window resets the scan.
	if start > n.scannedUpTo || today < n.scannedUpTo-1 {
		n.items = nil
		n.symbolFired = map[string]int64{}
		n.sectorFired = map[string]int64{}
		n.scannedUpTo = start
	}

	for d := n.scannedUpTo; d <= today; d++ {
		n.scanDay(d)
	}
	n.scannedUpTo = today + 1
	n.evictBefore(start)

	out := make([]domain.NewsItem, len(n.items))
	copy(out, n.items)
	return out
}

func (n *newsCache) scanDay(day int64) {
	date := simclock.DateForDayIndex(day)
	sectorSum := map[string]float64{}
	sectorCount := map[string]int{}

	for _, symbol := range n.cat.Symbols() {
		change, ok := n.dailyChange(symbol, day)
		if !ok {
			continue
		}
		co := n.cat.Company(symbol)
		sectorSum[co.Sector] += change
		sectorCount[co.Sector]++

		if abs(change) < moveThresholdPct {
			continue
		}
		if last, fired := n.symbolFired[symbol]; fired && day-last < symbolCooldownDays {
			continue
		}
		n.symbolFired[symbol] = day
		n.items = append(n.items, domain.NewsItem{
			ID:       fmt.Sprintf("dyn-%s-%d", symbol, day),
			Date:     date,
			Headline: n.headline(symbol, day, change),
			Body:     fmt.Sprintf("%s moved %+.1f%% on the day.", co.Name, change),
			Symbol:   symbol,
			Sector:   co.Sector,
			Dynamic:  true,
		})
	}

	sectors := make([]string, 0, len(sectorSum))
	for sector := range sectorSum {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)
	for _, sector := range sectors {
		avg := sectorSum[sector] / float64(sectorCount[sector])
		if abs(avg) < sectorThresholdPct {
			continue
		}
		if last, fired := n.sectorFired[sector]; fired && day-last < sectorCooldownDays {
			continue
		}
		n.sectorFired[sector] = day
		direction := "rallies"
		if avg < 0 {
			direction = "slides"
		}
		n.items = append(n.items, domain.NewsItem{
			ID:       fmt.Sprintf("dyn-sector-%s-%d", sector, day),
			Date:     date,
			Headline: fmt.Sprintf("%s sector %s %.1f%% on average", sector, direction, abs(avg)),
			Body:     fmt.Sprintf("The %s sector averaged a %+.1f%% move across %d stocks.", sector, avg, sectorCount[sector]),
			Sector:   sector,
			Dynamic:  true,
		})
	}
}

// dailyChange returns the percent move vs the previous calendar day, false
// when either day is unpriced.
func (n *newsCache) dailyChange(symbol string, day int64) (float64, bool) {
	today, err := n.stocks.PriceAt(symbol, simclock.DateForDayIndex(day))
	if err != nil {
		return 0, false
	}
	prev, err := n.stocks.PriceAt(symbol, simclock.DateForDayIndex(day-1))
	if err != nil || prev <= 0 {
		return 0, false
	}
	return (today - prev) / prev * 100, true
}

func (n *newsCache) headline(symbol string, day int64, change float64) string {
	templates := gainTemplates
	if change < 0 {
		templates = lossTemplates
	}
	stream := prng.New(n.seed, symbol, day, "news")
	return fmt.Sprintf(templates[stream.IntN(int64(len(templates)))], symbol, abs(change))
}

func (n *newsCache) evictBefore(startDay int64) {
	if n.windowStart == startDay {
		return
	}
	n.windowStart = startDay
	cutoff := simclock.DateForDayIndex(startDay)
	kept := n.items[:0]
	for _, item := range n.items {
		if !item.Date.Before(cutoff) {
			kept = append(kept, item)
		}
	}
	n.items = kept
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package refdata

import (
	"embed"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/retrograde/internal/domain"
	"github.com/aristath/retrograde/internal/simclock"
)

//go:embed data/*.yaml
var dataFS embed.FS

// Load parses every embedded catalog, normalizes all dates into the
// simulation timezone and validates cross-references. Called once at startup.
func Load() (*Catalog, error) {
	cat := &Catalog{
		companies: make(map[string]*Company),
		bonds:     make(map[string]*domain.Bond),
		indices:   make(map[string]*domain.IndexFund),
		crashes:   make(map[string]*domain.CrashScenario),
	}

	if err := loadCompanies(cat); err != nil {
		return nil, err
	}
	if err := loadBonds(cat); err != nil {
		return nil, err
	}
	if err := loadIndexFunds(cat); err != nil {
		return nil, err
	}
	if err := loadLenders(cat); err != nil {
		return nil, err
	}
	if err := loadHalts(cat); err != nil {
		return nil, err
	}
	if err := loadCrashScenarios(cat); err != nil {
		return nil, err
	}
	if err := loadCorporateEvents(cat); err != nil {
		return nil, err
	}
	if err := loadNews(cat); err != nil {
		return nil, err
	}
	if err := loadEmails(cat); err != nil {
		return nil, err
	}

	if err := cat.validate(); err != nil {
		return nil, err
	}

	return cat, nil
}

func unmarshalFile(name string, out interface{}) error {
	raw, err := dataFS.ReadFile("data/" + name)
	if err != nil {
		return fmt.Errorf("failed to read embedded catalog %s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", name, err)
	}
	return nil
}

// toEastern reinterprets a YAML timestamp (parsed in UTC) as the same wall
// time in the simulation timezone. A bare date like 1987-10-19 must mean
// midnight Eastern, not midnight UTC, or day indexing shifts by one.
func toEastern(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, simclock.Eastern)
}

func toEasternPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	e := toEastern(*t)
	return &e
}

func loadCompanies(cat *Catalog) error {
	var doc struct {
		Companies []*Company `yaml:"companies"`
	}
	if err := unmarshalFile("companies.yaml", &doc); err != nil {
		return err
	}
	for _, c := range doc.Companies {
		c.ListedFrom = toEastern(c.ListedFrom)
		c.RetiredAt = toEasternPtr(c.RetiredAt)
		for i := range c.Anchors {
			c.Anchors[i].Date = toEastern(c.Anchors[i].Date)
		}
		sort.Slice(c.Anchors, func(i, j int) bool { return c.Anchors[i].Date.Before(c.Anchors[j].Date) })
		cat.companies[c.Symbol] = c
		cat.symbols = append(cat.symbols, c.Symbol)
	}
	sort.Strings(cat.symbols)
	return nil
}

func loadBonds(cat *Catalog) error {
	var doc struct {
		Bonds []*domain.Bond `yaml:"bonds"`
	}
	if err := unmarshalFile("bonds.yaml", &doc); err != nil {
		return err
	}
	for _, b := range doc.Bonds {
		b.IssueDate = toEastern(b.IssueDate)
		b.MaturityDate = toEastern(b.MaturityDate)
		cat.bonds[b.Symbol] = b
	}
	return nil
}

func loadIndexFunds(cat *Catalog) error {
	var doc struct {
		Funds []*domain.IndexFund `yaml:"index_funds"`
	}
	if err := unmarshalFile("indexfunds.yaml", &doc); err != nil {
		return err
	}
	for _, f := range doc.Funds {
		f.Inception = toEastern(f.Inception)
		cat.indices[f.Symbol] = f
	}
	return nil
}

func loadLenders(cat *Catalog) error {
	var doc struct {
		Lenders []domain.Lender `yaml:"lenders"`
	}
	if err := unmarshalFile("lenders.yaml", &doc); err != nil {
		return err
	}
	cat.lenders = doc.Lenders
	sort.Slice(cat.lenders, func(i, j int) bool { return cat.lenders[i].TrustTier < cat.lenders[j].TrustTier })
	return nil
}

func loadHalts(cat *Catalog) error {
	var doc struct {
		Halts []domain.Halt `yaml:"halts"`
	}
	if err := unmarshalFile("halts.yaml", &doc); err != nil {
		return err
	}
	for i := range doc.Halts {
		doc.Halts[i].Start = toEastern(doc.Halts[i].Start)
		doc.Halts[i].End = toEastern(doc.Halts[i].End)
	}
	sort.Slice(doc.Halts, func(i, j int) bool { return doc.Halts[i].Start.Before(doc.Halts[j].Start) })
	cat.halts = doc.Halts
	return nil
}

func loadCrashScenarios(cat *Catalog) error {
	var doc struct {
		Scenarios []*domain.CrashScenario `yaml:"scenarios"`
	}
	if err := unmarshalFile("crash_scenarios.yaml", &doc); err != nil {
		return err
	}
	for _, s := range doc.Scenarios {
		s.Start = toEastern(s.Start)
		s.End = toEasternPtr(s.End)
		sort.Slice(s.Cascades, func(i, j int) bool { return s.Cascades[i].DelayDays < s.Cascades[j].DelayDays })
		cat.crashes[s.ID] = s
	}
	return nil
}

func loadCorporateEvents(cat *Catalog) error {
	var doc struct {
		Events []domain.CorporateEvent `yaml:"events"`
	}
	if err := unmarshalFile("corporate_events.yaml", &doc); err != nil {
		return err
	}
	for i := range doc.Events {
		doc.Events[i].EffectiveAt = toEastern(doc.Events[i].EffectiveAt)
		doc.Events[i].Status = domain.EventPending
	}
	sort.Slice(doc.Events, func(i, j int) bool {
		return doc.Events[i].EffectiveAt.Before(doc.Events[j].EffectiveAt)
	})
	cat.events = doc.Events
	return nil
}

func loadNews(cat *Catalog) error {
	var doc struct {
		News []domain.NewsItem `yaml:"news"`
	}
	if err := unmarshalFile("news.yaml", &doc); err != nil {
		return err
	}
	for i := range doc.News {
		doc.News[i].Date = toEastern(doc.News[i].Date)
	}
	sort.Slice(doc.News, func(i, j int) bool { return doc.News[i].Date.Before(doc.News[j].Date) })
	cat.news = doc.News
	return nil
}

func loadEmails(cat *Catalog) error {
	var doc struct {
		Emails []domain.EmailItem `yaml:"emails"`
	}
	if err := unmarshalFile("emails.yaml", &doc); err != nil {
		return err
	}
	for i := range doc.Emails {
		doc.Emails[i].Date = toEastern(doc.Emails[i].Date)
	}
	sort.Slice(doc.Emails, func(i, j int) bool { return doc.Emails[i].Date.Before(doc.Emails[j].Date) })
	cat.emails = doc.Emails
	return nil
}

func (c *Catalog) validate() error {
	for sym, co := range c.companies {
		if len(co.Anchors) == 0 {
			return fmt.Errorf("company %s has no anchor history", sym)
		}
		for _, a := range co.Anchors {
			if a.Price <= 0 {
				return fmt.Errorf("company %s has non-positive anchor price at %s", sym, a.Date.Format("2006-01-02"))
			}
		}
		if co.PublicFloat > co.SharesOutstanding {
			return fmt.Errorf("company %s float exceeds outstanding", sym)
		}
	}
	for _, f := range c.indices {
		for _, sym := range f.Constituents {
			if _, ok := c.companies[sym]; !ok {
				return fmt.Errorf("index fund %s references unknown constituent %s", f.Symbol, sym)
			}
		}
	}
	return nil
}

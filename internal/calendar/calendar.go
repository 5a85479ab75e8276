// Package calendar implements the B3 trading calendar: Brazilian national
// holidays, the São Paulo state subdivision, Easter-derived floating
// holidays, and one-off exchange closures supplied via configuration.
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Calendar answers business-day questions for the São Paulo exchange.
// Safe for concurrent use; downloader workers share one instance.
type Calendar struct {
	specialClosures map[string]string // "2006-01-02" -> closure name

	mu           sync.RWMutex
	holidayCache map[int]map[string]string
}

// New creates a calendar. specialClosures entries follow the
// "YYYY-MM-DD:name" form of the SPECIAL_MARKET_CLOSURES parameter; malformed
// entries are reported, not silently dropped.
func New(specialClosures []string) (*Calendar, error) {
	c := &Calendar{
		specialClosures: make(map[string]string),
		holidayCache:    make(map[int]map[string]string),
	}
	for _, entry := range specialClosures {
		dateStr, name, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("calendar: malformed special closure %q (want YYYY-MM-DD:name)", entry)
		}
		if _, err := time.Parse("2006-01-02", dateStr); err != nil {
			return nil, fmt.Errorf("calendar: malformed special closure date %q: %w", dateStr, err)
		}
		c.specialClosures[dateStr] = strings.TrimSpace(name)
	}
	return c, nil
}

// Holidays returns the full holiday map for a year: date string -> name.
// The returned map is shared and must not be mutated.
func (c *Calendar) Holidays(year int) map[string]string {
	c.mu.RLock()
	cached, ok := c.holidayCache[year]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	h := make(map[string]string)
	add := func(m time.Month, d int, name string) {
		h[date(year, m, d)] = name
	}

	// Brazilian national holidays.
	add(time.January, 1, "Confraternização Universal")
	add(time.April, 21, "Tiradentes")
	add(time.May, 1, "Dia do Trabalho")
	add(time.September, 7, "Independência do Brasil")
	add(time.October, 12, "Nossa Senhora Aparecida")
	add(time.November, 2, "Finados")
	add(time.November, 15, "Proclamação da República")
	add(time.December, 25, "Natal")

	// São Paulo subdivision and fixed market holidays.
	add(time.January, 25, "Aniversário de São Paulo")
	add(time.July, 9, "Data Magna de São Paulo")
	add(time.November, 20, "Consciência Negra")
	add(time.December, 24, "Véspera de Natal")
	add(time.December, 31, "Véspera de Ano Novo")

	// Easter-derived floating holidays.
	easter := EasterSunday(year)
	h[easter.AddDate(0, 0, -48).Format("2006-01-02")] = "Carnaval (segunda)"
	h[easter.AddDate(0, 0, -47).Format("2006-01-02")] = "Carnaval (terça)"
	h[easter.AddDate(0, 0, -2).Format("2006-01-02")] = "Sexta-feira Santa"
	h[easter.AddDate(0, 0, 60).Format("2006-01-02")] = "Corpus Christi"

	// One-off B3 closures from configuration.
	for d, name := range c.specialClosures {
		if strings.HasPrefix(d, fmt.Sprintf("%04d-", year)) {
			h[d] = name
		}
	}

	c.mu.Lock()
	if prior, ok := c.holidayCache[year]; ok {
		h = prior
	} else {
		c.holidayCache[year] = h
	}
	c.mu.Unlock()
	return h
}

// IsHoliday reports whether d falls on an exchange holiday.
func (c *Calendar) IsHoliday(d time.Time) bool {
	_, ok := c.Holidays(d.Year())[d.Format("2006-01-02")]
	return ok
}

// IsBusinessDay reports whether d is a weekday that is not a holiday.
func (c *Calendar) IsBusinessDay(d time.Time) bool {
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(d)
}

// PreviousBusinessDay steps backwards from the day before `from`, skipping
// weekends and holidays.
func (c *Calendar) PreviousBusinessDay(from time.Time) time.Time {
	d := truncate(from).AddDate(0, 0, -1)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// BusinessDays returns the business days in [start, end], ascending.
func (c *Calendar) BusinessDays(start, end time.Time) []time.Time {
	var out []time.Time
	for d := truncate(start); !d.After(truncate(end)); d = d.AddDate(0, 0, 1) {
		if c.IsBusinessDay(d) {
			out = append(out, d)
		}
	}
	return out
}

// SortedHolidays lists the year's holiday dates in order, for logs.
func (c *Calendar) SortedHolidays(year int) []string {
	h := c.Holidays(year)
	out := make([]string, 0, len(h))
	for d := range h {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// EasterSunday computes Easter for a year using the anonymous Gregorian
// computus.
func EasterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func date(year int, m time.Month, d int) string {
	return time.Date(year, m, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

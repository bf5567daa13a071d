package model

import (
	"fmt"
	"time"
)

// Day is a calendar date in UTC, normalized to midnight.
type Day struct {
	t time.Time
}

// NewDay builds a Day from year, month, day.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates an instant to its UTC calendar date.
func DayOf(ts time.Time) Day {
	u := ts.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

// ParseDay parses a YYYYMMDD string.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day{t: t}, nil
}

func (d Day) Time() time.Time     { return d.t }
func (d Day) Year() int           { return d.t.Year() }
func (d Day) Month() time.Month   { return d.t.Month() }
func (d Day) DayOfMonth() int     { return d.t.Day() }
func (d Day) IsZero() bool        { return d.t.IsZero() }
func (d Day) String() string      { return d.t.Format("2006-01-02") }
func (d Day) Compact() string     { return d.t.Format("20060102") }
func (d Day) AddDays(n int) Day   { return Day{t: d.t.AddDate(0, 0, n)} }
func (d Day) Before(o Day) bool   { return d.t.Before(o.t) }
func (d Day) After(o Day) bool    { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool    { return d.t.Equal(o.t) }
func (d Day) YearMonth() YearMonth {
	return YearMonth{Year: d.t.Year(), Month: d.t.Month()}
}

// YearMonth is a calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

// ParseYearMonth parses a YYYY-MM string.
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.ParseInLocation("2006-01", s, time.UTC)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

// YearMonthOf returns the month containing an instant.
func YearMonthOf(ts time.Time) YearMonth {
	u := ts.UTC()
	return YearMonth{Year: u.Year(), Month: u.Month()}
}

func (m YearMonth) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// First returns the first day of the month.
func (m YearMonth) First() Day { return NewDay(m.Year, m.Month, 1) }

// Last returns the last day of the month.
func (m YearMonth) Last() Day {
	return Day{t: time.Date(m.Year, m.Month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)}
}

// Next returns the following month.
func (m YearMonth) Next() YearMonth {
	t := time.Date(m.Year, m.Month+1, 1, 0, 0, 0, 0, time.UTC)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Prev returns the preceding month.
func (m YearMonth) Prev() YearMonth {
	t := time.Date(m.Year, m.Month-1, 1, 0, 0, 0, 0, time.UTC)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Before reports whether m precedes o.
func (m YearMonth) Before(o YearMonth) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// After reports whether m follows o.
func (m YearMonth) After(o YearMonth) bool { return o.Before(m) }

// MonthsBetween enumerates months from start to end inclusive.
func MonthsBetween(start, end YearMonth) []YearMonth {
	var months []YearMonth
	for m := start; !m.After(end); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// Period is a reaggregation target: either a single day or a whole month.
type Period struct {
	day     Day
	month   YearMonth
	isMonth bool
}

// DayPeriod wraps a single day.
func DayPeriod(d Day) Period { return Period{day: d, month: d.YearMonth()} }

// MonthPeriod wraps a whole month.
func MonthPeriod(m YearMonth) Period { return Period{month: m, isMonth: true} }

// ParsePeriod accepts YYYYMMDD or YYYY-MM.
func ParsePeriod(s string) (Period, error) {
	if len(s) == 8 {
		d, err := ParseDay(s)
		if err != nil {
			return Period{}, err
		}
		return DayPeriod(d), nil
	}
	m, err := ParseYearMonth(s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: want YYYYMMDD or YYYY-MM", s)
	}
	return MonthPeriod(m), nil
}

// IsMonth reports whether the period spans a whole month.
func (p Period) IsMonth() bool { return p.isMonth }

// Day returns the single day of a day period.
func (p Period) Day() Day { return p.day }

// Month returns the month containing the period.
func (p Period) Month() YearMonth { return p.month }

// Bounds returns the first and last day covered by the period.
func (p Period) Bounds() (Day, Day) {
	if p.isMonth {
		return p.month.First(), p.month.Last()
	}
	return p.day, p.day
}

// Contains reports whether a day falls inside the period.
func (p Period) Contains(d Day) bool {
	from, to := p.Bounds()
	return !d.Before(from) && !d.After(to)
}

func (p Period) String() string {
	if p.isMonth {
		return p.month.String()
	}
	return p.day.Compact()
}

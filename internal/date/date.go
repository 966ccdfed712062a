// Package date provides a calendar day value with no time component. Trade
// dates, price dates and simulated dates all use it.
package date

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Format is the canonical ISO-8601 day layout used for reads and writes.
const Format = "2006-01-02"

// readFormat also accepts single-digit months and days ("2020-1-5").
const readFormat = "2006-1-2"

// ErrInvalidDate is returned when a string cannot be parsed as a day.
var ErrInvalidDate = errors.New("date: invalid date")

// Date is a day-granularity calendar date. The zero value is "no date".
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date ("2020-02-30" becomes "2020-03-01").
func New(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{t.Year(), t.Month(), t.Day()}
}

// FromTime truncates t to its calendar day in t's own location.
func FromTime(t time.Time) Date { return New(t.Date()) }

// Today returns the current UTC day.
func Today() Date { return FromTime(time.Now().UTC()) }

// Parse parses a day. It is lenient on zero padding.
func Parse(s string) (Date, error) {
	t, err := time.Parse(readFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w %q, want format %s", ErrInvalidDate, s, Format)
	}
	return FromTime(t), nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

func (d Date) Year() int         { return d.y }
func (d Date) Month() time.Month { return d.m }
func (d Date) Day() int          { return d.d }
func (d Date) IsZero() bool      { return d == Date{} }

// AddDays returns the date i days later (earlier when negative).
func (d Date) AddDays(i int) Date { return New(d.y, d.m, d.d+i) }

// AddMonths returns the same day i months later, normalized.
func (d Date) AddMonths(i int) Date { return New(d.y, d.m+time.Month(i), d.d) }

func (d Date) Before(x Date) bool { return d.Time().Before(x.Time()) }
func (d Date) After(x Date) bool  { return d.Time().After(x.Time()) }
func (d Date) Equal(x Date) bool  { return d == x }

// String formats the day as YYYY-MM-DD, or "" for the zero value.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(Format)
}

// MonthsBetween counts calendar month boundaries crossed going from `from` to
// `to`: 2020-01-31 to 2020-02-01 is one month. Negative spans clamp to 0.
func MonthsBetween(from, to Date) int {
	n := (to.y-from.y)*12 + int(to.m) - int(from.m)
	if n < 0 {
		return 0
	}
	return n
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, b)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

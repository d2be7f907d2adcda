package core

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// DateLayout is the wire and storage format of a calendar date.
const DateLayout = "2006-01-02"

// Date is a calendar date without a time of day or zone.
type Date struct {
	civil.Date
}

// NewDate creates a new Date from year, month, day.
// Out of range values normalize the way time.Date does.
func NewDate(year, month, day int) Date {
	return Date{Date: civil.DateOf(time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC))}
}

// DateOf returns the calendar date of the instant t as seen in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date{Date: civil.DateOf(t.In(loc))}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	parsed, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{Date: parsed}, nil
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Date.Day
}

// Month returns the month
func (d Date) Month() int {
	return int(d.Date.Month)
}

// Year returns the year
func (d Date) Year() int {
	return d.Date.Year
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Date == civil.Date{}
}

// IsEmpty returns true if the date is zero
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

func (d Date) Before(o Date) bool { return d.Date.Before(o.Date) }

func (d Date) After(o Date) bool { return d.Date.After(o.Date) }

func (d Date) Equal(o Date) bool { return d.Date == o.Date }

// AddDays moves the date by n days.
func (d Date) AddDays(n int) Date {
	return Date{Date: d.Date.AddDays(n)}
}

// AddMonthsClamped moves the date by n calendar months keeping the day of
// month, clamped to the last day of the target month.
func (d Date) AddMonthsClamped(n int) Date {
	months := d.Date.Year*12 + int(d.Date.Month) - 1 + n
	year, month := months/12, months%12+1
	day := d.Date.Day
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return Date{Date: civil.Date{Year: year, Month: time.Month(month), Day: day}}
}

// StartIn returns the instant the calendar day begins in loc.
func (d Date) StartIn(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return d.Date.In(loc)
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Date.String()
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	if d.Date.Month < time.January || d.Date.Month > time.December {
		return ErrInvalidMonth
	}
	if d.Date.Day < 1 || d.Date.Day > DaysIn(d.Date.Year, int(d.Date.Month)) {
		return ErrInvalidDay
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*raw)
	if err != nil {
		// RFC3339 timestamps are accepted and truncated to their UTC date
		ts, tsErr := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
		if tsErr != nil {
			return err
		}
		parsed = DateOf(ts, time.UTC)
	}
	*d = parsed
	return nil
}

// DaysIn returns the number of days in the given month.
func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

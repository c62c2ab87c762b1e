// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package period handles the calendar month keys usage summaries and
// invoices are grouped by.
package period

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Month is a calendar month in UTC. The zero value is not a valid
	// month.
	Month struct {
		year  int
		month time.Month
	}
)

const layout = "2006-01"

var (
	_ json.Marshaler   = Month{}
	_ json.Unmarshaler = (*Month)(nil)
)

// NewMonth returns the month of the given year.
func NewMonth(year int, month time.Month) Month {
	return MonthOf(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC))
}

// MonthOf returns the UTC calendar month containing t.
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{year: t.Year(), month: t.Month()}
}

// ParseMonth parses a "YYYY-MM" key.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return Month{}, fmt.Errorf("cannot parse month %q: %w", s, err)
	}

	return MonthOf(t), nil
}

func (m Month) Year() int           { return m.year }
func (m Month) Month() time.Month   { return m.month }
func (m Month) IsZero() bool        { return m.year == 0 && m.month == 0 }
func (m Month) Start() time.Time    { return time.Date(m.year, m.month, 1, 0, 0, 0, 0, time.UTC) }
func (m Month) End() time.Time      { return m.Start().AddDate(0, 1, 0) }
func (m Month) Previous() Month     { return MonthOf(m.Start().AddDate(0, -1, 0)) }
func (m Month) Next() Month         { return MonthOf(m.End()) }
func (m Month) Before(o Month) bool { return m.Start().Before(o.Start()) }
func (m Month) After(o Month) bool  { return m.Start().After(o.Start()) }

// String returns the "YYYY-MM" key.
func (m Month) String() string {
	return m.Start().Format(layout)
}

func (m Month) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Month) UnmarshalText(b []byte) error {
	v, err := ParseMonth(string(b))
	if err != nil {
		return err
	}

	*m = v
	return nil
}

func (m Month) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Month) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("cannot decode month: %w", err)
	}

	return m.UnmarshalText([]byte(s))
}

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

// Package window computes fixed rate limit windows.
//
// Time is split in non-overlapping intervals aligned on the Unix
// epoch, so every process sharing a clock agrees on the window a given
// instant belongs to without any coordination.
package window

import (
	"fmt"
	"time"

	"go.gearno.de/meter"
)

// Start returns the start of the window of lengthSeconds containing
// now, computed as floor(unix(now) / length) * length. The result is
// always in UTC.
func Start(now time.Time, lengthSeconds int) (time.Time, error) {
	if lengthSeconds < 1 {
		return time.Time{}, fmt.Errorf("%w: length must be at least 1 second, got %d", meter.ErrInvalidWindow, lengthSeconds)
	}

	var (
		length = int64(lengthSeconds)
		secs   = now.Unix()
		start  = secs / length * length
	)

	// Integer division truncates toward zero; before the epoch that
	// would land after now.
	if secs%length < 0 {
		start -= length
	}

	return time.Unix(start, 0).UTC(), nil
}

// End returns the exclusive end of the window starting at start.
func End(start time.Time, lengthSeconds int) time.Time {
	return start.Add(time.Duration(lengthSeconds) * time.Second)
}

// Bounds returns both the start and the exclusive end of the window of
// lengthSeconds containing now.
func Bounds(now time.Time, lengthSeconds int) (time.Time, time.Time, error) {
	start, err := Start(now, lengthSeconds)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return start, End(start, lengthSeconds), nil
}

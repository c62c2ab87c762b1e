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

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/meter"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
)

type (
	fakeInvoicer struct {
		mu       sync.Mutex
		months   []period.Month
		sweeps   int
		failures []billing.Failure
		err      error
	}

	fakePurger struct {
		mu   sync.Mutex
		days []int
	}

	fakeLocker struct {
		held bool
		jobs []string
	}

	syncBuffer struct {
		mu sync.Mutex
		b  bytes.Buffer
	}
)

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func (f *fakeInvoicer) RunForPeriod(_ context.Context, month period.Month) (*billing.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.months = append(f.months, month)
	if f.err != nil {
		return nil, f.err
	}

	return &billing.RunReport{Period: month, Failures: f.failures}, nil
}

func (f *fakeInvoicer) SweepOverdue(context.Context) (*billing.SweepReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sweeps++
	return &billing.SweepReport{Marked: 2}, f.err
}

func (f *fakePurger) PurgeWindowsOlderThan(_ context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.days = append(f.days, days)
	return 3, nil
}

func (l *fakeLocker) WithJobLock(ctx context.Context, job string, f func(context.Context) error) (bool, error) {
	l.jobs = append(l.jobs, job)
	if l.held {
		return false, nil
	}

	return true, f(ctx)
}

func newScheduler(invoicer Invoicer, purger Purger, options ...Option) (*Scheduler, *syncBuffer) {
	logBuf := &syncBuffer{}

	options = append(
		[]Option{
			WithLogger(log.NewLogger(log.WithOutput(logBuf))),
			WithRegisterer(prometheus.NewRegistry()),
			WithClock(func() time.Time { return time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC) }),
		},
		options...,
	)

	return New(invoicer, purger, options...), logBuf
}

func TestScheduler_RunJob(t *testing.T) {
	ctx := context.Background()
	invoicer := &fakeInvoicer{}
	purger := &fakePurger{}
	s, _ := newScheduler(invoicer, purger, WithRetentionDays(3))

	require.NoError(t, s.RunJob(ctx, JobInvoiceRun))
	require.NoError(t, s.RunJob(ctx, JobOverdueSweep))
	require.NoError(t, s.RunJob(ctx, JobWindowPurge))

	assert.Equal(t, []period.Month{period.NewMonth(2024, time.February)}, invoicer.months)
	assert.Equal(t, 1, invoicer.sweeps)
	assert.Equal(t, []int{3}, purger.days)

	for _, name := range []string{JobInvoiceRun, JobOverdueSweep, JobWindowPurge} {
		assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues(name, resultSuccess)))
	}

	err := s.RunJob(ctx, "nope")
	assert.ErrorIs(t, err, meter.ErrInvalidArgument)
}

func TestScheduler_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		invoicer := &fakeInvoicer{err: errors.New("database is down")}
		s, logBuf := newScheduler(invoicer, &fakePurger{})

		err := s.RunJob(ctx, JobInvoiceRun)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2024-02")
		assert.Contains(t, logBuf.String(), "job failed")
		assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues(JobInvoiceRun, resultFailure)))
	})

	t.Run("partial", func(t *testing.T) {
		invoicer := &fakeInvoicer{failures: []billing.Failure{{SubjectID: "acme", Error: "boom"}}}
		s, _ := newScheduler(invoicer, &fakePurger{})

		assert.Error(t, s.RunJob(ctx, JobInvoiceRun))
		assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues(JobInvoiceRun, resultFailure)))
	})
}

func TestScheduler_Locker(t *testing.T) {
	ctx := context.Background()

	t.Run("acquired", func(t *testing.T) {
		locker := &fakeLocker{}
		purger := &fakePurger{}
		s, _ := newScheduler(&fakeInvoicer{}, purger, WithLocker(locker))

		require.NoError(t, s.RunJob(ctx, JobWindowPurge))
		assert.Equal(t, []string{JobWindowPurge}, locker.jobs)
		assert.Len(t, purger.days, 1)
	})

	t.Run("held elsewhere", func(t *testing.T) {
		locker := &fakeLocker{held: true}
		purger := &fakePurger{}
		s, logBuf := newScheduler(&fakeInvoicer{}, purger, WithLocker(locker))

		require.NoError(t, s.RunJob(ctx, JobWindowPurge))
		assert.Empty(t, purger.days)
		assert.Contains(t, logBuf.String(), "job skipped")
		assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues(JobWindowPurge, resultSkipped)))
	})
}

func TestScheduler_Run(t *testing.T) {
	purger := &fakePurger{}
	s, logBuf := newScheduler(&fakeInvoicer{}, purger, WithSchedules("", "", "@every 10ms"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(
		t,
		func() bool {
			purger.mu.Lock()
			defer purger.mu.Unlock()
			return len(purger.days) > 0
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Contains(t, logBuf.String(), "job scheduled")
}

func TestScheduler_Run_InvalidSpec(t *testing.T) {
	s, _ := newScheduler(&fakeInvoicer{}, &fakePurger{}, WithSchedules("not a spec", "", ""))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobInvoiceRun)
}

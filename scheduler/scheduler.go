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

// Package scheduler runs the periodic jobs of the metering service:
// the monthly invoice run, the daily overdue sweep and the purge of
// old rate limit windows.
//
// A job failure is logged and counted; it never stops the scheduler.
// When a Locker is configured each run holds a named lock, so several
// replicas sharing a database never run the same job at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.gearno.de/meter"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/ratelimit"
)

type (
	// Locker runs f only when no other holder has the lock named
	// job. It reports whether f ran.
	Locker interface {
		WithJobLock(ctx context.Context, job string, f func(context.Context) error) (bool, error)
	}

	Invoicer interface {
		RunForPeriod(ctx context.Context, month period.Month) (*billing.RunReport, error)
		SweepOverdue(ctx context.Context) (*billing.SweepReport, error)
	}

	Purger interface {
		PurgeWindowsOlderThan(ctx context.Context, retentionDays int) (int64, error)
	}

	Option func(s *Scheduler)

	Scheduler struct {
		invoicer Invoicer
		purger   Purger

		logger   *log.Logger
		locker   Locker
		clock    meter.Clock
		location *time.Location
		timeout  time.Duration

		invoiceSpec   string
		sweepSpec     string
		purgeSpec     string
		retentionDays int

		runsTotal   *prometheus.CounterVec
		runDuration *prometheus.HistogramVec
	}

	job struct {
		name string
		spec string
		run  func(context.Context) error
	}
)

const (
	JobInvoiceRun   = "invoice-run"
	JobOverdueSweep = "overdue-sweep"
	JobWindowPurge  = "window-purge"

	DefaultInvoiceSpec = "0 2 1 * *"
	DefaultSweepSpec   = "0 3 * * *"
	DefaultPurgeSpec   = "@hourly"

	resultSuccess = "success"
	resultFailure = "failure"
	resultSkipped = "skipped"
)

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l.Named("scheduler")
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.registerMetrics(r)
	}
}

// WithLocker makes every run hold the lock named after its job.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

func WithClock(c meter.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLocation sets the time zone of the cron specs. Default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithJobTimeout bounds the duration of one run. Default is 30
// minutes.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithSchedules overrides the cron specs of the jobs. An empty spec
// keeps the default one.
func WithSchedules(invoice, sweep, purge string) Option {
	return func(s *Scheduler) {
		if invoice != "" {
			s.invoiceSpec = invoice
		}
		if sweep != "" {
			s.sweepSpec = sweep
		}
		if purge != "" {
			s.purgeSpec = purge
		}
	}
}

// WithRetentionDays sets how many days of rate limit windows the
// purge keeps. Default is ratelimit.DefaultRetentionDays.
func WithRetentionDays(days int) Option {
	return func(s *Scheduler) {
		s.retentionDays = days
	}
}

// New returns a scheduler running invoice generation, the overdue
// sweep and the rate limit purge. Call Run to start it.
func New(invoicer Invoicer, purger Purger, options ...Option) *Scheduler {
	s := &Scheduler{
		invoicer:      invoicer,
		purger:        purger,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		clock:         meter.SystemClock,
		location:      time.UTC,
		timeout:       30 * time.Minute,
		invoiceSpec:   DefaultInvoiceSpec,
		sweepSpec:     DefaultSweepSpec,
		purgeSpec:     DefaultPurgeSpec,
		retentionDays: ratelimit.DefaultRetentionDays,
	}

	s.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *Scheduler) registerMetrics(r prometheus.Registerer) {
	s.runsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Number of scheduled job runs by job and result.",
			},
			[]string{"job", "result"},
		),
	)

	s.runDuration = promutil.Register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "scheduler",
				Name:      "job_duration_seconds",
				Help:      "Duration of scheduled job runs in seconds.",
				Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
	)
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: JobInvoiceRun, spec: s.invoiceSpec, run: s.runInvoices},
		{name: JobOverdueSweep, spec: s.sweepSpec, run: s.sweepOverdue},
		{name: JobWindowPurge, spec: s.purgeSpec, run: s.purgeWindows},
	}
}

// Run schedules the jobs and blocks until ctx is done, then waits
// for the runs in progress.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, j := range s.jobs() {
		if _, err := c.AddFunc(j.spec, func() { _ = s.run(ctx, j) }); err != nil {
			return fmt.Errorf("cannot schedule job %q with spec %q: %w", j.name, j.spec, err)
		}

		s.logger.InfoCtx(ctx, "job scheduled", log.String("job", j.name), log.String("spec", j.spec))
	}

	c.Start()
	<-ctx.Done()

	s.logger.InfoCtx(ctx, "stopping scheduler")
	<-c.Stop().Done()

	return nil
}

// RunJob runs the job named name once, honoring the lock.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs() {
		if j.name == name {
			return s.run(ctx, j)
		}
	}

	return fmt.Errorf("%w: unknown job %q", meter.ErrInvalidArgument, name)
}

func (s *Scheduler) run(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		start  = time.Now()
		logger = s.logger.With(log.String("job", j.name))
		ran    = true
		err    error
	)

	if s.locker != nil {
		ran, err = s.locker.WithJobLock(ctx, j.name, j.run)
	} else {
		err = j.run(ctx)
	}

	duration := time.Since(start)

	result := resultSuccess
	switch {
	case err != nil:
		result = resultFailure
		logger.ErrorCtx(ctx, "job failed", log.Error(err), log.Duration("duration", duration))
	case !ran:
		result = resultSkipped
		logger.InfoCtx(ctx, "job skipped, lock held by another instance")
	default:
		logger.InfoCtx(ctx, "job completed", log.Duration("duration", duration))
	}

	s.runsTotal.WithLabelValues(j.name, result).Inc()
	if ran {
		s.runDuration.WithLabelValues(j.name).Observe(duration.Seconds())
	}

	return err
}

func (s *Scheduler) runInvoices(ctx context.Context) error {
	month := period.MonthOf(s.clock()).Previous()

	report, err := s.invoicer.RunForPeriod(ctx, month)
	if err != nil {
		return fmt.Errorf("cannot generate invoices of %s: %w", month, err)
	}

	s.logger.InfoCtx(
		ctx,
		"invoices generated",
		log.Stringer("period", month),
		log.Int("created", report.InvoicesCreated),
		log.Int("skipped", report.Skipped),
		log.Int("failed", len(report.Failures)),
	)

	if len(report.Failures) > 0 {
		return fmt.Errorf("cannot generate %d invoices of %s", len(report.Failures), month)
	}

	return nil
}

func (s *Scheduler) sweepOverdue(ctx context.Context) error {
	report, err := s.invoicer.SweepOverdue(ctx)
	if err != nil {
		return fmt.Errorf("cannot sweep overdue invoices: %w", err)
	}

	s.logger.InfoCtx(
		ctx,
		"overdue invoices swept",
		log.Int("marked", report.Marked),
		log.Int("failed", len(report.Failures)),
	)

	if len(report.Failures) > 0 {
		return fmt.Errorf("cannot mark %d invoices overdue", len(report.Failures))
	}

	return nil
}

func (s *Scheduler) purgeWindows(ctx context.Context) error {
	if _, err := s.purger.PurgeWindowsOlderThan(ctx, s.retentionDays); err != nil {
		return fmt.Errorf("cannot purge rate limit windows: %w", err)
	}

	return nil
}

type cronLogger struct {
	logger *log.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, attrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if err == nil {
		err = errors.New("unknown error")
	}

	l.logger.Error("cron: "+msg, append(attrs(keysAndValues), log.Error(err))...)
}

func attrs(keysAndValues []any) []log.Attr {
	out := make([]log.Attr, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}

		out = append(out, log.Any(key, keysAndValues[i+1]))
	}

	return out
}

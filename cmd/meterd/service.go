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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/meter/api"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/httpclient"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/pg"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/scheduler"
	"go.gearno.de/meter/store/memstore"
	"go.gearno.de/meter/store/pgstore"
	"go.gearno.de/meter/unit"
	"go.gearno.de/meter/usage"
	"go.opentelemetry.io/otel/trace"
)

type (
	service struct {
		config config
	}

	config struct {
		Dev       bool            `json:"dev"`
		API       apiConfig       `json:"api"`
		Pg        pgConfig        `json:"pg"`
		RateLimit rateLimitConfig `json:"rate-limit"`
		Billing   billingConfig   `json:"billing"`
		Scheduler schedulerConfig `json:"scheduler"`
	}

	apiConfig struct {
		Addr       string `json:"addr"`
		AdminToken string `json:"admin-token"`
		KeyPrefix  string `json:"key-prefix"`
		Upstream   string `json:"upstream"`
	}

	pgConfig struct {
		Addr     string `json:"addr"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
		PoolSize int32  `json:"pool-size"`
		QueryLog bool   `json:"query-log"`
	}

	rateLimitConfig struct {
		RetentionDays int `json:"retention-days"`
	}

	billingConfig struct {
		Currency                string `json:"currency"`
		DefaultPricePerThousand int64  `json:"default-price-per-thousand"`
		DueAfterDays            int    `json:"due-after-days"`
	}

	schedulerConfig struct {
		Enabled    bool   `json:"enabled"`
		Timezone   string `json:"timezone"`
		Invoice    string `json:"invoice"`
		Sweep      string `json:"sweep"`
		Purge      string `json:"purge"`
		JobTimeout int    `json:"job-timeout"`
	}

	store interface {
		ratelimit.CounterStore
		ratelimit.SubjectStore
		usage.Store
		billing.UsageSource
		billing.InvoiceStore
		billing.PricingStore
		api.SubjectStore
	}
)

var (
	_ unit.Configurable = (*service)(nil)
	_ unit.Runnable     = (*service)(nil)

	_ store = (*pgstore.Store)(nil)
	_ store = (*memstore.Store)(nil)
)

func newService() *service {
	return &service{
		config: config{
			API: apiConfig{
				Addr: ":8080",
			},
			Pg: pgConfig{
				Addr:     "localhost:5432",
				User:     "postgres",
				Password: "postgres",
				Database: "meter",
				PoolSize: 20,
			},
			RateLimit: rateLimitConfig{
				RetentionDays: ratelimit.DefaultRetentionDays,
			},
			Billing: billingConfig{
				Currency:                billing.DefaultCurrency,
				DefaultPricePerThousand: billing.DefaultPricePerThousand,
				DueAfterDays:            int(billing.DefaultDueAfter / (24 * time.Hour)),
			},
			Scheduler: schedulerConfig{
				Enabled:    true,
				Timezone:   "UTC",
				Invoice:    scheduler.DefaultInvoiceSpec,
				Sweep:      scheduler.DefaultSweepSpec,
				Purge:      scheduler.DefaultPurgeSpec,
				JobTimeout: 1800,
			},
		},
	}
}

func (s *service) GetConfiguration() any {
	return &s.config
}

func (s *service) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	var (
		st     store
		locker scheduler.Locker
	)

	if s.config.Dev {
		logger.WarnCtx(ctx, "using in-memory store, data is lost on exit")
		st = memstore.New()
	} else {
		pgClient, err := pg.NewClient(
			pg.WithLogger(logger),
			pg.WithAddr(s.config.Pg.Addr),
			pg.WithUser(s.config.Pg.User),
			pg.WithPassword(s.config.Pg.Password),
			pg.WithDatabase(s.config.Pg.Database),
			pg.WithPoolSize(s.config.Pg.PoolSize),
			pg.WithQueryLog(s.config.Pg.QueryLog),
			pg.WithTracerProvider(tp),
			pg.WithRegisterer(registerer),
		)
		if err != nil {
			return fmt.Errorf("cannot create pg client: %w", err)
		}
		defer pgClient.Close()

		pgStore := pgstore.New(pgClient)
		if err := pgStore.Migrate(ctx, logger); err != nil {
			return fmt.Errorf("cannot migrate database: %w", err)
		}

		st = pgStore
		locker = pgStore
	}

	limiter := ratelimit.NewLimiter(
		st,
		st,
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithRetentionDays(s.config.RateLimit.RetentionDays),
	)

	aggregator := usage.NewAggregator(
		st,
		usage.WithLogger(logger),
		usage.WithTracerProvider(tp),
		usage.WithRegisterer(registerer),
	)

	generator := billing.NewGenerator(
		st,
		st,
		st,
		billing.WithLogger(logger),
		billing.WithTracerProvider(tp),
		billing.WithRegisterer(registerer),
		billing.WithCurrency(s.config.Billing.Currency),
		billing.WithDefaultPricePerThousand(s.config.Billing.DefaultPricePerThousand),
		billing.WithDueAfter(time.Duration(s.config.Billing.DueAfterDays)*24*time.Hour),
	)

	apiOptions := []api.Option{
		api.WithLogger(logger),
		api.WithAdminToken(s.config.API.AdminToken),
	}
	if s.config.API.KeyPrefix != "" {
		apiOptions = append(apiOptions, api.WithKeyPrefix(s.config.API.KeyPrefix))
	}

	if s.config.API.Upstream != "" {
		target, err := url.Parse(s.config.API.Upstream)
		if err != nil {
			return fmt.Errorf("cannot parse upstream url: %w", err)
		}

		transport := httpclient.DefaultPooledTransport(
			httpclient.WithLogger(logger),
			httpclient.WithTracerProvider(tp),
			httpclient.WithRegisterer(registerer),
		)

		apiOptions = append(apiOptions, api.WithUpstream(api.NewProxy(target, transport, logger)))
	}

	if s.config.API.AdminToken == "" {
		logger.WarnCtx(ctx, "admin token not set, admin routes disabled")
	}

	handler := api.New(st, limiter, aggregator, generator, apiOptions...).Handler()

	server := httpserver.NewServer(
		s.config.API.Addr,
		handler,
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(registerer),
	)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	var wg sync.WaitGroup

	if s.config.Scheduler.Enabled {
		loc, err := time.LoadLocation(s.config.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("cannot load scheduler timezone: %w", err)
		}

		schedulerOptions := []scheduler.Option{
			scheduler.WithLogger(logger),
			scheduler.WithRegisterer(registerer),
			scheduler.WithLocation(loc),
			scheduler.WithJobTimeout(time.Duration(s.config.Scheduler.JobTimeout) * time.Second),
			scheduler.WithSchedules(
				s.config.Scheduler.Invoice,
				s.config.Scheduler.Sweep,
				s.config.Scheduler.Purge,
			),
			scheduler.WithRetentionDays(s.config.RateLimit.RetentionDays),
		}
		if locker != nil {
			schedulerOptions = append(schedulerOptions, scheduler.WithLocker(locker))
		}

		sched := scheduler.New(generator, limiter, schedulerOptions...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				cancel(fmt.Errorf("scheduler crashed: %w", err))
			}
		}()
	} else {
		limiter.StartCleanup(ctx)
	}

	listener, err := net.Listen("tcp", s.config.API.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", s.config.API.Addr, err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.InfoCtx(ctx, "starting api server", log.String("addr", s.config.API.Addr))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel(fmt.Errorf("cannot serve http requests: %w", err))
		}
	}()

	<-ctx.Done()

	logger.InfoCtx(ctx, "shutting down api server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(ctx, "cannot shutdown api server", log.Error(err))
	}

	wg.Wait()

	if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

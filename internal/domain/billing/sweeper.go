package billing

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// TenantRunner lists tenants and scopes work to one of them.
// db.Tenants implements it.
type TenantRunner interface {
	List(ctx context.Context) ([]string, error)
	Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// TenantSweep is the outcome of one tenant's overdue sweep.
type TenantSweep struct {
	TenantID string `json:"tenant_id"`
	Marked   int    `json:"marked"`
}

// OverdueSweeper runs MarkOverdueInvoices for every tenant, a bounded number
// of tenants at a time.
type OverdueSweeper struct {
	svc         *Service
	tenants     TenantRunner
	concurrency int
	logger      zerolog.Logger
}

func NewOverdueSweeper(svc *Service, tenants TenantRunner, concurrency int, logger zerolog.Logger) *OverdueSweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &OverdueSweeper{
		svc:         svc,
		tenants:     tenants,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "overdue_sweeper").Logger(),
	}
}

// Sweep marks past-due invoices in all tenants. A failing tenant does not stop
// the others; its error is combined into the returned error and its partial
// count is still reported.
func (s *OverdueSweeper) Sweep(ctx context.Context, asOf time.Time) ([]TenantSweep, error) {
	ids, err := s.tenants.List(ctx)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[TenantSweep]().
		WithErrors().
		WithCollectErrored().
		WithMaxGoroutines(s.concurrency)
	for _, id := range ids {
		p.Go(func() (TenantSweep, error) {
			res := TenantSweep{TenantID: id}
			err := s.tenants.Run(ctx, id, func(ctx context.Context) error {
				n, err := s.svc.MarkOverdueInvoices(ctx, asOf)
				res.Marked = n
				return err
			})
			if err != nil {
				s.logger.Error().Err(err).Str("tenant_id", id).Msg("tenant overdue sweep failed")
				return res, errors.Wrapf(err, "tenant %s", id)
			}
			return res, nil
		})
	}
	results, err := p.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].TenantID < results[b].TenantID })
	total := 0
	for _, r := range results {
		total += r.Marked
	}
	s.logger.Info().Int("tenants", len(ids)).Int("marked", total).Msg("overdue sweep across tenants finished")
	return results, err
}

// Schedule registers the sweep on a cron spec (standard five fields or a
// descriptor such as @daily) and starts the scheduler. Stop the returned cron
// to end it.
func (s *OverdueSweeper) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := c.AddFunc(spec, func() {
		_, _ = s.Sweep(context.Background(), timeNow())
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule %q", spec)
	}
	c.Start()
	s.logger.Info().Str("schedule", spec).Msg("overdue sweep scheduled")
	return c, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

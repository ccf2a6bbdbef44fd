// Package pipeline drives scrape units through fetch, extract, clean and
// load, writing each stage to the checkpoint store before doing its work.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/checkpoint"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
	"github.com/tyler180/baseball-almanac-backends/internal/dedup"
	"github.com/tyler180/baseball-almanac-backends/internal/fetcher"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/store"
	"github.com/tyler180/baseball-almanac-backends/internal/tabfile"
)

// ErrCheckpoint marks a failed checkpoint write. It aborts the whole run,
// since progress can no longer be recorded.
var ErrCheckpoint = errors.New("checkpoint write failed")

// errUnitClosed means another writer already finished the unit.
var errUnitClosed = errors.New("unit already closed")

type SessionFactory func() (fetcher.Session, error)

type Options struct {
	Catalog     *almanac.Catalog
	Checkpoints checkpoint.Store
	Store       *store.DB
	Files       *tabfile.Dir
	Index       *dedup.Index
	Sessions    SessionFactory
	Limiter     *rate.Limiter
	Fetch       fetcher.Config
	Workers     int
	Logger      logger.Logger
}

type Pipeline struct {
	cat       *almanac.Catalog
	cp        checkpoint.Store
	db        *store.DB
	files     *tabfile.Dir
	index     *dedup.Index
	sessions  SessionFactory
	limiter   *rate.Limiter
	fetchCfg  fetcher.Config
	workers   int
	log       logger.Logger
	extractor *almanac.Extractor
}

func New(o Options) (*Pipeline, error) {
	switch {
	case o.Checkpoints == nil:
		return nil, errors.New("pipeline: checkpoint store is required")
	case o.Store == nil:
		return nil, errors.New("pipeline: structured store is required")
	case o.Files == nil:
		return nil, errors.New("pipeline: file directory is required")
	}
	if o.Catalog == nil {
		o.Catalog = almanac.NewCatalog("")
	}
	if o.Index == nil {
		o.Index = dedup.NewIndex()
	}
	if o.Limiter == nil {
		o.Limiter = fetcher.NewLimiter(o.Fetch.MinDelay)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	return &Pipeline{
		cat:       o.Catalog,
		cp:        o.Checkpoints,
		db:        o.Store,
		files:     o.Files,
		index:     o.Index,
		sessions:  o.Sessions,
		limiter:   o.Limiter,
		fetchCfg:  o.Fetch,
		workers:   o.Workers,
		log:       o.Logger,
		extractor: almanac.NewExtractor(o.Logger),
	}, nil
}

// Run processes the units that are neither committed nor skipped. Unit
// failures are recorded and the run continues. A checkpoint write failure
// aborts it. On cancellation the partial result is returned with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, units []almanac.ScrapeUnit) (*RunResult, error) {
	res := newRunResult(len(units))
	pending, err := p.cp.Pending(ctx, units)
	if err != nil {
		return res, fmt.Errorf("%w: pending: %v", ErrCheckpoint, err)
	}
	res.AlreadyDone = len(units) - len(pending)
	p.log.Info("run planned",
		logger.Int("units", len(units)),
		logger.Int("pending", len(pending)),
		logger.Int("workers", p.workers),
	)
	if len(pending) == 0 {
		return res, nil
	}
	if p.sessions == nil {
		return res, errors.New("pipeline: no session factory configured")
	}

	urls := make([]string, len(pending))
	for i, u := range pending {
		urls[i] = p.cat.URL(u)
	}
	pages := newPageCache(urls)
	groups := byTable(pending)

	jobs := make(chan []almanac.ScrapeUnit)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, grp := range groups {
			select {
			case jobs <- grp:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	n := min(p.workers, len(groups))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			sess, err := p.sessions()
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			f := fetcher.New(sess, p.limiter, p.fetchCfg,
				fetcher.WithReady(func(pg *fetcher.Page) bool { return almanac.HasTables(pg.Body) }),
				fetcher.WithLogger(p.log),
			)
			defer f.Close()
			w := &worker{p: p, f: f, pages: pages, res: res, log: p.log.With(logger.Int("worker", i))}
			for grp := range jobs {
				for _, u := range grp {
					if err := w.unit(gctx, u); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		p.log.Warn("run interrupted", logger.String("summary", res.Summary()))
		return res, ctx.Err()
	}
	if err != nil {
		return res, err
	}
	p.log.Info("run finished", logger.String("summary", res.Summary()))
	return res, nil
}

type worker struct {
	p     *Pipeline
	f     *fetcher.Fetcher
	pages *pageCache
	res   *RunResult
	log   logger.Logger
}

// mark writes a transition. Only checkpoint trouble and cancellation are
// returned; they stop the worker.
func (w *worker) mark(ctx context.Context, u almanac.ScrapeUnit, st checkpoint.Status, prog checkpoint.Progress) error {
	cp, err := w.p.cp.Mark(ctx, u, st, prog)
	switch {
	case err == nil && checkpoint.Closed(cp, st):
		return errUnitClosed
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s -> %s: %v", ErrCheckpoint, u, st, err)
	}
}

// close records a terminal outcome for a unit that did not commit.
func (w *worker) close(ctx context.Context, o UnitOutcome) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := w.mark(ctx, o.Unit, o.Status, checkpoint.Progress{Attempts: o.Attempts, Retries: o.Retries, Err: o.Err})
	if errors.Is(err, errUnitClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	lvl := w.log.Warn
	if o.Status == checkpoint.Skipped {
		lvl = w.log.Info
	}
	lvl("unit "+string(o.Status), logger.String("unit", o.Unit.String()), logger.Int("attempts", o.Attempts), logger.Error(o.Err))
	w.res.record(o)
	return nil
}

func (w *worker) unit(ctx context.Context, u almanac.ScrapeUnit) error {
	url := w.p.cat.URL(u)
	defer w.pages.release(url)
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.run(ctx, u, url)
	if errors.Is(err, errUnitClosed) {
		w.log.Info("unit closed elsewhere", logger.String("unit", u.String()))
		return nil
	}
	return err
}

func (w *worker) run(ctx context.Context, u almanac.ScrapeUnit, url string) error {
	spec, err := almanac.SpecFor(u.TableType)
	if err != nil {
		return w.close(ctx, UnitOutcome{Unit: u, Status: checkpoint.Failed, Err: err})
	}
	out := UnitOutcome{Unit: u}

	raws, resumed := w.resumeRaw(ctx, u, spec)
	if !resumed {
		if err := w.mark(ctx, u, checkpoint.Fetching, checkpoint.Progress{}); err != nil {
			return err
		}
		fr, err := w.pages.get(url, func() (fetcher.Result, error) { return w.f.Fetch(ctx, url) })
		out.Attempts, out.Retries = fr.Attempts, fr.Retries()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out.Err = err
			out.Status = checkpoint.Failed
			if errors.Is(err, fetcher.ErrAbsent) {
				out.Status = checkpoint.Skipped
			}
			return w.close(ctx, out)
		}
		if err := w.mark(ctx, u, checkpoint.Fetched, checkpoint.Progress{Attempts: out.Attempts, Retries: out.Retries}); err != nil {
			return err
		}

		if err := w.mark(ctx, u, checkpoint.Extracting, checkpoint.Progress{}); err != nil {
			return err
		}
		raws, err = almanac.Collect(w.p.extractor.Extract(fr.Page.Body, url, u))
		if err != nil {
			out.Err = err
			out.Status = checkpoint.Failed
			if errors.Is(err, almanac.ErrTableNotFound) {
				out.Status = checkpoint.Skipped
			}
			return w.close(ctx, out)
		}
		if err := w.p.files.WriteRaw(u, spec, raws); err != nil {
			out.Err, out.Status = err, checkpoint.Failed
			return w.close(ctx, out)
		}
		if err := w.mark(ctx, u, checkpoint.Extracted, checkpoint.Progress{}); err != nil {
			return err
		}
	}

	if err := w.mark(ctx, u, checkpoint.Cleaning, checkpoint.Progress{}); err != nil {
		return err
	}
	rep := clean.NewReport(u.Table())
	rows := clean.NewNormalizer(spec).NormalizeRows(raws, rep)
	if err := w.p.seed(ctx, u); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out.Err, out.Status = err, checkpoint.Failed
		return w.close(ctx, out)
	}
	kept := w.p.index.Filter(rows, rep)
	if err := w.p.files.WriteCleaned(u, spec, kept); err != nil {
		out.Err, out.Status = err, checkpoint.Failed
		return w.close(ctx, out)
	}
	cr, err := w.p.db.Commit(ctx, u, kept)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out.Err, out.Status = err, checkpoint.Failed
		return w.close(ctx, out)
	}
	w.p.index.Admit(kept)
	if err := w.mark(ctx, u, checkpoint.Committed, checkpoint.Progress{}); err != nil {
		return err
	}

	out.Status = checkpoint.Committed
	out.Inserted, out.Present = cr.Inserted, cr.Present
	w.res.record(out)
	w.res.merge(rep)
	w.log.Info("unit committed",
		logger.String("unit", u.String()),
		logger.Int("attempts", out.Attempts),
		logger.Int("rows", len(kept)),
		logger.Int("inserted", cr.Inserted),
		logger.Int("dropped", rep.DroppedTotal()),
		logger.Bool("resumed", resumed),
	)
	return nil
}

// resumeRaw picks up a unit that already reached extracted in an earlier
// run, so its page is not fetched again.
func (w *worker) resumeRaw(ctx context.Context, u almanac.ScrapeUnit, spec almanac.TableSpec) ([]almanac.RawRow, bool) {
	cp, err := w.p.cp.Get(ctx, u)
	if err != nil || cp.Status.Rank() < checkpoint.Extracted.Rank() || cp.Status.Terminal() {
		return nil, false
	}
	raws, err := w.p.files.ReadRaw(u, spec)
	if err != nil {
		w.log.Warn("raw file unreadable, fetching again", logger.String("unit", u.String()), logger.Error(err))
		return nil, false
	}
	return raws, true
}

// seed loads the stored keys of the unit's season into the dedup index once.
func (p *Pipeline) seed(ctx context.Context, u almanac.ScrapeUnit) error {
	if p.index.Seeded(u.Table(), u.Season) {
		return nil
	}
	entries, err := p.db.Keys(ctx, u.League, u.TableType, u.Season)
	if err != nil {
		return fmt.Errorf("seed dedup %s: %w", u, err)
	}
	p.index.Seed(u.Table(), u.Season, entries)
	return nil
}

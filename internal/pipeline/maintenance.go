package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
	"github.com/tyler180/baseball-almanac-backends/internal/dedup"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/tabfile"
)

// Rework summarises a reclean or reload pass.
type Rework struct {
	Units   int
	Missing int
	Rows    int
	Reports map[string]*clean.QualityReport
}

func newRework() *Rework {
	return &Rework{Reports: map[string]*clean.QualityReport{}}
}

func (r *Rework) merge(rep *clean.QualityReport) {
	cur, ok := r.Reports[rep.Table]
	if !ok {
		cur = clean.NewReport(rep.Table)
		r.Reports[rep.Table] = cur
	}
	cur.Merge(rep)
}

// TableRef names one destination table.
type TableRef struct {
	League    string
	TableType almanac.TableType
}

func (t TableRef) String() string { return almanac.TableName(t.League, t.TableType) }

// Reclean rebuilds cleaned files from raw files without fetching. Units are
// processed in unit order against a fresh dedup index, so the first row per
// key wins exactly as it would in a full run. The store is not touched.
func (p *Pipeline) Reclean(ctx context.Context, units []almanac.ScrapeUnit) (*Rework, error) {
	units = append([]almanac.ScrapeUnit(nil), units...)
	almanac.SortUnits(units)

	out := newRework()
	idx := dedup.NewIndex()
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		spec, err := almanac.SpecFor(u.TableType)
		if err != nil {
			return out, err
		}
		raws, err := p.files.ReadRaw(u, spec)
		if errors.Is(err, tabfile.ErrNoFile) {
			out.Missing++
			continue
		}
		if err != nil {
			return out, err
		}
		rep := clean.NewReport(u.Table())
		rows := clean.NewNormalizer(spec).NormalizeRows(raws, rep)
		kept := idx.Filter(rows, rep)
		idx.Admit(kept)
		if err := p.files.WriteCleaned(u, spec, kept); err != nil {
			return out, err
		}
		out.Units++
		out.Rows += len(kept)
		out.merge(rep)
		p.log.Debug("unit recleaned", logger.String("unit", u.String()), logger.Int("rows", len(kept)))
	}
	p.log.Info("reclean finished",
		logger.Int("units", out.Units),
		logger.Int("missing_raw", out.Missing),
		logger.Int("rows", out.Rows),
	)
	return out, nil
}

// Reload replaces each table's contents with its cleaned files in one
// transaction per table. Readers see either the old or the new table.
func (p *Pipeline) Reload(ctx context.Context, tables []TableRef) (*Rework, error) {
	out := newRework()
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		spec, err := almanac.SpecFor(t.TableType)
		if err != nil {
			return out, err
		}
		units, err := p.files.CleanedUnits(t.League, t.TableType)
		if err != nil {
			return out, err
		}
		rep := clean.NewReport(t.String())
		idx := dedup.NewIndex()
		var all []clean.CleanedRow
		for _, u := range units {
			rows, err := p.files.ReadCleaned(u, spec)
			if err != nil {
				return out, fmt.Errorf("reload %s: %w", t, err)
			}
			rep.RowsIn += len(rows)
			rep.RowsOut += len(rows)
			kept := idx.Filter(rows, rep)
			idx.Admit(kept)
			all = append(all, kept...)
		}
		res, err := p.db.Rebuild(ctx, t.League, t.TableType, all)
		if err != nil {
			return out, err
		}
		p.index.ForgetTable(t.String())
		out.Units += len(units)
		out.Rows += res.Inserted
		out.merge(rep)
		p.log.Info("table reloaded",
			logger.String("table", t.String()),
			logger.Int("units", len(units)),
			logger.Int("rows", res.Inserted),
		)
	}
	return out, nil
}

// Reset returns units to pending so the next run scrapes them again. With
// purge their stored rows and files are removed first.
func (p *Pipeline) Reset(ctx context.Context, units []almanac.ScrapeUnit, purge bool) error {
	for _, u := range units {
		if purge {
			n, err := p.db.DeleteUnit(ctx, u)
			if err != nil {
				return err
			}
			if err := p.files.Remove(u); err != nil {
				return err
			}
			p.index.Forget(u)
			p.log.Info("unit purged", logger.String("unit", u.String()), logger.Int64("rows", n))
		}
		if err := p.cp.Reset(ctx, u); err != nil {
			return fmt.Errorf("%w: reset %s: %v", ErrCheckpoint, u, err)
		}
	}
	return nil
}

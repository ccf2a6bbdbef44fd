package main

import (
	"context"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tyler180/baseball-almanac-backends/internal/app"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
	"github.com/tyler180/baseball-almanac-backends/internal/config"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/pipeline"
)

func runScrapeCmd(g *globals) *cobra.Command {
	var f filters
	cmd := &cobra.Command{
		Use:   "run-scrape",
		Short: "Scrape, clean and load the selected units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				sel, err := f.selection(a.Cfg)
				if err != nil {
					return err
				}
				return scrape(ctx, a, sel, cmd.OutOrStdout())
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func resumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue every configured unit that is not committed or skipped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				return scrape(ctx, a, config.Selection{Leagues: a.Cfg.Leagues}, cmd.OutOrStdout())
			})
		},
	}
}

func scrape(ctx context.Context, a *app.App, sel config.Selection, out io.Writer) error {
	cat, err := a.Catalog(ctx)
	if err != nil {
		return err
	}
	p, err := a.Pipeline(cat)
	if err != nil {
		return err
	}
	units := pipeline.Matrix(cat, sel.Leagues, sel.Tables, sel.Seasons)
	res, err := p.Run(ctx, units)
	if res != nil {
		renderReports(out, res.Tables(), res.Reports)
		for _, e := range res.Errors {
			a.Log.Warn("unit failed", logger.Error(e))
		}
	}
	return err
}

func recleanCmd(g *globals) *cobra.Command {
	var f filters
	cmd := &cobra.Command{
		Use:   "reclean",
		Short: "Rebuild cleaned files from raw files without fetching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				sel, err := f.selection(a.Cfg)
				if err != nil {
					return err
				}
				cat := a.StaticCatalog()
				p, err := a.Pipeline(cat)
				if err != nil {
					return err
				}
				rw, err := p.Reclean(ctx, pipeline.Matrix(cat, sel.Leagues, sel.Tables, sel.Seasons))
				if rw != nil {
					renderRework(cmd.OutOrStdout(), rw)
				}
				return err
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func reloadCmd(g *globals) *cobra.Command {
	var f filters
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Replace store tables with their cleaned files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				sel, err := f.selection(a.Cfg)
				if err != nil {
					return err
				}
				p, err := a.Pipeline(a.StaticCatalog())
				if err != nil {
					return err
				}
				rw, err := p.Reload(ctx, app.Tables(sel))
				if rw != nil {
					renderRework(cmd.OutOrStdout(), rw)
				}
				return err
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func resetCmd(g *globals) *cobra.Command {
	var (
		f     filters
		purge bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Return units to pending so the next run scrapes them again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				sel, err := f.selection(a.Cfg)
				if err != nil {
					return err
				}
				cat := a.StaticCatalog()
				p, err := a.Pipeline(cat)
				if err != nil {
					return err
				}
				units := pipeline.Matrix(cat, sel.Leagues, sel.Tables, sel.Seasons)
				if err := p.Reset(ctx, units, purge); err != nil {
					return err
				}
				a.Log.Info("units reset", logger.Int("units", len(units)), logger.Bool("purge", purge))
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete stored rows and files")
	return cmd
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count checkpoints per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				rows, err := a.Status(ctx)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetTitle("Checkpoints")
				t.AppendHeader(table.Row{"Status", "Units"})
				total := 0
				for _, r := range rows {
					t.AppendRow(table.Row{r.Status, r.Units})
					total += r.Units
				}
				t.AppendFooter(table.Row{"total", total})
				t.SetStyle(table.StyleRounded)
				t.Render()
				return nil
			})
		},
	}
}

func exportCmd(g *globals) *cobra.Command {
	var f filters
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write cleaned units to the parquet lake and refresh its Athena table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(g, func(ctx context.Context, a *app.App) error {
				sel, err := f.selection(a.Cfg)
				if err != nil {
					return err
				}
				units := pipeline.Matrix(a.StaticCatalog(), sel.Leagues, sel.Tables, sel.Seasons)
				sum, err := a.Export(ctx, units)
				a.Log.Info("export finished",
					logger.String("location", sum.Location),
					logger.Int("files", sum.Files),
					logger.Int("records", sum.Records),
					logger.Int("missing", sum.Missing),
					logger.Int64("lake_values", sum.Rows),
				)
				return err
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func renderReports(w io.Writer, tables []string, reports map[string]*clean.QualityReport) {
	for _, name := range tables {
		reports[name].Render(w)
	}
}

func renderRework(w io.Writer, rw *pipeline.Rework) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Units", "Missing", "Rows"})
	t.AppendRow(table.Row{rw.Units, rw.Missing, rw.Rows})
	t.SetStyle(table.StyleRounded)
	t.Render()

	names := make([]string, 0, len(rw.Reports))
	for n := range rw.Reports {
		names = append(names, n)
	}
	sort.Strings(names)
	renderReports(w, names, rw.Reports)
}

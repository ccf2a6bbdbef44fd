package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler180/baseball-almanac-backends/internal/app"
	"github.com/tyler180/baseball-almanac-backends/internal/config"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/pipeline"
)

// Event is the invocation payload. Empty filters select everything configured.
type Event struct {
	Mode    string   `json:"mode"` // run | resume | export
	Leagues []string `json:"leagues"`
	Tables  []string `json:"tables"`
	Seasons string   `json:"seasons"`
}

type Response struct {
	Mode      string `json:"mode"`
	Planned   int    `json:"planned,omitempty"`
	Committed int    `json:"committed,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Fetches   int    `json:"fetches,omitempty"`
	Files     int    `json:"files,omitempty"`
	Values    int64  `json:"values,omitempty"`
	Location  string `json:"location,omitempty"`
	Summary   string `json:"summary"`
}

var openApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(os.Getenv("ALMANAC_CONFIG"))
	if err != nil {
		return nil, err
	}
	rootPaths(cfg, os.TempDir())
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: logger: %v", config.ErrInvalid, err)
	}
	return app.Open(ctx, cfg, log)
}

// rootPaths moves relative local paths under dir; the function's working
// directory is read-only.
func rootPaths(cfg *config.Config, dir string) {
	for _, p := range []*string{&cfg.Paths.DataDir, &cfg.Paths.StorePath, &cfg.Checkpoint.SQLitePath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func handle(ctx context.Context, e Event) (Response, error) {
	mode := strings.ToLower(strings.TrimSpace(e.Mode))
	if mode == "" {
		mode = "resume"
	}
	switch mode {
	case "run", "resume", "export":
	default:
		return Response{}, fmt.Errorf("%w: unknown mode %q", config.ErrInvalid, e.Mode)
	}

	a, err := openApp(ctx)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = a.Close() }()
	defer func() { _ = a.Log.Sync() }()

	sel := config.Selection{Leagues: a.Cfg.Leagues}
	if mode != "resume" {
		if sel, err = a.Cfg.Select(e.Leagues, e.Tables, e.Seasons); err != nil {
			return Response{}, err
		}
	}
	if mode == "export" {
		return export(ctx, a, sel)
	}
	return run(ctx, a, mode, sel)
}

func run(ctx context.Context, a *app.App, mode string, sel config.Selection) (Response, error) {
	cat, err := a.Catalog(ctx)
	if err != nil {
		return Response{Mode: mode}, err
	}
	p, err := a.Pipeline(cat)
	if err != nil {
		return Response{Mode: mode}, err
	}
	res, err := p.Run(ctx, pipeline.Matrix(cat, sel.Leagues, sel.Tables, sel.Seasons))
	out := Response{Mode: mode}
	if res != nil {
		out.Planned = res.Planned
		out.Committed = res.Committed
		out.Skipped = res.Skipped
		out.Failed = res.Failed
		out.Fetches = res.Fetches
		out.Summary = res.Summary()
		for _, name := range res.Tables() {
			a.Log.Info("quality", logger.String("report", res.Reports[name].Summary()))
		}
	}
	// a deadline hit mid-run is a partial run; the next invocation resumes it
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.Log.Warn("run interrupted; next invocation resumes", logger.Error(err))
		return out, nil
	}
	return out, err
}

func export(ctx context.Context, a *app.App, sel config.Selection) (Response, error) {
	sum, err := a.Export(ctx, pipeline.Matrix(a.StaticCatalog(), sel.Leagues, sel.Tables, sel.Seasons))
	return Response{
		Mode:     "export",
		Files:    sum.Files,
		Values:   sum.Rows,
		Location: sum.Location,
		Summary:  fmt.Sprintf("files=%d records=%d missing=%d", sum.Files, sum.Records, sum.Missing),
	}, err
}

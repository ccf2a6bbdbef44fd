// Package app wires configuration into the stores, the pipeline and the lake
// exporter. Both the CLI and the Lambda entrypoint build on it.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/ath"
	"github.com/tyler180/baseball-almanac-backends/internal/checkpoint"
	"github.com/tyler180/baseball-almanac-backends/internal/config"
	"github.com/tyler180/baseball-almanac-backends/internal/fetcher"
	"github.com/tyler180/baseball-almanac-backends/internal/lake"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/materializer"
	"github.com/tyler180/baseball-almanac-backends/internal/pipeline"
	"github.com/tyler180/baseball-almanac-backends/internal/store"
	"github.com/tyler180/baseball-almanac-backends/internal/tabfile"
)

type App struct {
	Cfg         *config.Config
	Log         logger.Logger
	Checkpoints checkpoint.Store
	Store       *store.DB
	Files       *tabfile.Dir
	Sessions    pipeline.SessionFactory

	limiter *rate.Limiter
	awsCfg  *aws.Config
}

// Open opens both stores. A failure here is fatal for any command.
func Open(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{
		Cfg:     cfg,
		Log:     log,
		limiter: fetcher.NewLimiter(cfg.Fetch.MinDelay),
	}
	a.Sessions = func() (fetcher.Session, error) {
		return fetcher.NewCollySession(cfg.Source.UserAgent, cfg.Fetch.Timeout)
	}

	fs := afero.NewOsFs()
	for _, dir := range []string{cfg.Paths.DataDir, filepath.Dir(cfg.Paths.StorePath)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	a.Files = tabfile.New(fs, cfg.Paths.DataDir)

	db, err := store.Open(ctx, cfg.Paths.StorePath)
	if err != nil {
		return nil, err
	}
	a.Store = db

	switch cfg.Checkpoint.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := a.AWS(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.Checkpoints = checkpoint.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Checkpoint.DynamoTable)
	default:
		if err := fs.MkdirAll(filepath.Dir(cfg.Checkpoint.SQLitePath), 0o755); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		cp, err := checkpoint.OpenSQLite(ctx, cfg.Checkpoint.SQLitePath)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.Checkpoints = cp
	}
	log.Info("stores opened",
		logger.String("store", cfg.Paths.StorePath),
		logger.String("checkpoints", cfg.Checkpoint.Backend),
		logger.String("data_dir", cfg.Paths.DataDir),
	)
	return a, nil
}

func (a *App) Close() error {
	var first error
	if a.Checkpoints != nil {
		first = a.Checkpoints.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AWS loads the default credential chain once.
func (a *App) AWS(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// StaticCatalog plans from each league's known season span without
// touching the source.
func (a *App) StaticCatalog() *almanac.Catalog {
	return almanac.NewCatalog(a.Cfg.Source.BaseURL)
}

// Catalog discovers year pages from the source menu. Not reaching the menu
// means no progress is possible, so the error is fatal.
func (a *App) Catalog(ctx context.Context) (*almanac.Catalog, error) {
	sess, err := a.Sessions()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	f := fetcher.New(sess, a.limiter, a.Cfg.FetcherConfig(), fetcher.WithLogger(a.Log))
	defer f.Close()

	url := a.Cfg.Source.BaseURL + a.Cfg.Source.MenuPath
	res, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("year menu: %w", err)
	}
	cat, err := almanac.ParseMenu(res.Page.Body, a.Cfg.Source.BaseURL)
	if err != nil {
		return nil, err
	}
	for _, l := range a.Cfg.Leagues {
		a.Log.Debug("league seasons discovered", logger.String("league", l), logger.Int("seasons", len(cat.Seasons(l))))
	}
	return cat, nil
}

func (a *App) Pipeline(cat *almanac.Catalog) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Options{
		Catalog:     cat,
		Checkpoints: a.Checkpoints,
		Store:       a.Store,
		Files:       a.Files,
		Sessions:    a.Sessions,
		Limiter:     a.limiter,
		Fetch:       a.Cfg.FetcherConfig(),
		Workers:     a.Cfg.Workers,
		Logger:      a.Log,
	})
}

// Tables lists the destination tables a selection covers.
func Tables(sel config.Selection) []pipeline.TableRef {
	tables := sel.Tables
	if len(tables) == 0 {
		tables = almanac.AllTableTypes()
	}
	var out []pipeline.TableRef
	for _, l := range sel.Leagues {
		for _, tt := range tables {
			out = append(out, pipeline.TableRef{League: l, TableType: tt})
		}
	}
	return out
}

// StatusRow is one line of the status view.
type StatusRow struct {
	Status checkpoint.Status
	Units  int
}

// Status counts checkpoints per state in lifecycle order.
func (a *App) Status(ctx context.Context) ([]StatusRow, error) {
	cps, err := a.Checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := checkpoint.Counts(cps)
	out := make([]StatusRow, 0, len(counts))
	for _, st := range checkpoint.AllStatuses() {
		if n := counts[st]; n > 0 {
			out = append(out, StatusRow{Status: st, Units: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Status.Rank() < out[j].Status.Rank() })
	return out, nil
}

// ExportSummary is what an export pass did, lake side and Athena side.
type ExportSummary struct {
	lake.ExportResult
	Location string
	Rows     int64
}

// Export writes the selected units to the lake and refreshes the Athena
// table over it.
func (a *App) Export(ctx context.Context, units []almanac.ScrapeUnit) (ExportSummary, error) {
	if a.Cfg.Lake.Bucket == "" {
		return ExportSummary{}, fmt.Errorf("%w: lake.bucket is required for export", config.ErrInvalid)
	}
	awsCfg, err := a.AWS(ctx)
	if err != nil {
		return ExportSummary{}, err
	}
	ex := lake.NewExporter(a.Files, lake.NewUploader(s3.NewFromConfig(awsCfg), a.Cfg.Lake.Bucket), a.Cfg.Lake.Prefix, a.Log)
	res, err := ex.Export(ctx, units)
	sum := ExportSummary{ExportResult: res, Location: ex.Location()}
	if err != nil {
		return sum, err
	}

	runner := &ath.Runner{
		Client:    athena.NewFromConfig(awsCfg),
		Workgroup: a.Cfg.Lake.Workgroup,
		Database:  a.Cfg.Lake.AthenaDB,
		OutputS3:  a.Cfg.Lake.OutputS3,
		Logger:    a.Log,
	}
	return a.register(ctx, runner, sum)
}

func (a *App) register(ctx context.Context, runner *ath.Runner, sum ExportSummary) (ExportSummary, error) {
	db := a.Cfg.Lake.AthenaDB
	if _, err := runner.ExecAndWait(ctx, materializer.BuildCreateExternal(db, sum.Location)); err != nil {
		return sum, fmt.Errorf("create lake table: %w", err)
	}
	if _, err := runner.ExecAndWait(ctx, materializer.BuildRepair(db)); err != nil {
		return sum, fmt.Errorf("repair lake partitions: %w", err)
	}
	n, err := runner.CountRows(ctx, materializer.BuildCount(db, "", 0))
	if err != nil {
		// the export itself succeeded
		a.Log.Warn("lake row count failed", logger.Error(err))
		return sum, nil
	}
	sum.Rows = n
	a.Log.Info("lake table refreshed", logger.String("location", sum.Location), logger.Int64("values", n))
	return sum, nil
}

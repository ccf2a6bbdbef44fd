// Command almanac scrapes, cleans and loads baseball-almanac season tables.
//
// Usage:
//
//	almanac run-scrape --league AL --table team_standings --seasons 1901-1950
//	almanac resume
//	almanac reclean --league NL
//	almanac reload --table pitcher_leaders
//	almanac reset --league AL --seasons 1950 --purge
//	almanac status
//	almanac export --league AL
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tyler180/baseball-almanac-backends/internal/app"
	"github.com/tyler180/baseball-almanac-backends/internal/config"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

func main() {
	os.Exit(exitCode(newRoot().Execute()))
}

// exitCode is non-zero only for structural problems. Anything else has been
// logged and is recoverable by running again.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	default:
		return 0
	}
}

type globals struct {
	configPath string
}

func newRoot() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "almanac",
		Short:         "Resumable baseball-almanac scrape, clean and load",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		_ = cmd.Usage()
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	})

	root.AddCommand(
		runScrapeCmd(g),
		resumeCmd(g),
		recleanCmd(g),
		reloadCmd(g),
		resetCmd(g),
		statusCmd(g),
		exportCmd(g),
	)
	return root
}

// filters are the unit selection flags shared by most commands.
type filters struct {
	leagues []string
	tables  []string
	seasons string
}

func (f *filters) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.leagues, "league", nil, "league codes (default: configured leagues)")
	cmd.Flags().StringSliceVar(&f.tables, "table", nil, "table types (default: all)")
	cmd.Flags().StringVar(&f.seasons, "seasons", "", `season or range, e.g. "1950" or "1901-1950"`)
}

func (f *filters) selection(cfg *config.Config) (config.Selection, error) {
	return cfg.Select(f.leagues, f.tables, f.seasons)
}

// runApp loads config, opens the stores and hands over a context that is
// cancelled on SIGINT or SIGTERM. Non-structural failures are logged here.
func runApp(g *globals, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("%w: logger: %v", config.ErrInvalid, err)
	}
	defer func() { _ = log.Sync() }()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		// nothing can run against stores that do not open; point at the paths
		log.Error("open stores", logger.Error(err))
		return fmt.Errorf("%w: open stores: %v", config.ErrInvalid, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close stores", logger.Error(err))
		}
	}()

	err = fn(ctx, a)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrInvalid):
	case errors.Is(err, context.Canceled):
		log.Warn("interrupted; progress is checkpointed, run resume to continue")
	default:
		log.Error("command failed", logger.Error(err))
	}
	return err
}

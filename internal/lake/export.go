package lake

import (
	"context"
	"errors"
	"fmt"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/logger"
	"github.com/tyler180/baseball-almanac-backends/internal/tabfile"
)

type Exporter struct {
	files  *tabfile.Dir
	up     *Uploader
	prefix string
	log    logger.Logger
}

func NewExporter(files *tabfile.Dir, up *Uploader, prefix string, log logger.Logger) *Exporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Exporter{files: files, up: up, prefix: prefix, log: log}
}

// Location is the table root Athena reads.
func (e *Exporter) Location() string {
	return fmt.Sprintf("s3://%s/%s", e.up.Bucket(), TableRoot(e.prefix))
}

type ExportResult struct {
	Files   int
	Records int
	Missing int
	Keys    []string
}

// Export uploads one part file per unit that has a cleaned file. Units
// without one are counted as missing.
func (e *Exporter) Export(ctx context.Context, units []almanac.ScrapeUnit) (ExportResult, error) {
	var res ExportResult
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		spec, err := almanac.SpecFor(u.TableType)
		if err != nil {
			return res, err
		}
		rows, err := e.files.ReadCleaned(u, spec)
		if errors.Is(err, tabfile.ErrNoFile) {
			res.Missing++
			continue
		}
		if err != nil {
			return res, err
		}
		recs := Explode(spec, rows)
		if len(recs) == 0 {
			continue
		}
		body, err := Encode(recs)
		if err != nil {
			return res, fmt.Errorf("%s: %w", u, err)
		}
		key := Key(e.prefix, u)
		if err := e.up.Put(ctx, key, body); err != nil {
			return res, err
		}
		res.Files++
		res.Records += len(recs)
		res.Keys = append(res.Keys, key)
		e.log.Debug("unit exported",
			logger.String("unit", u.String()),
			logger.String("key", key),
			logger.Int("records", len(recs)),
			logger.Strings("fields", fieldsOf(recs)),
		)
	}
	e.log.Info("export finished",
		logger.Int("files", res.Files),
		logger.Int("records", res.Records),
		logger.Int("missing", res.Missing),
	)
	return res, nil
}

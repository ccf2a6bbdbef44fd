// Package tabfile persists per-unit raw and cleaned rows as CSV so later
// stages can be re-run without fetching again.
package tabfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
)

const (
	kindRaw     = "raw"
	kindCleaned = "cleaned"

	colSourceURL = "source_url"
	colOrdinal   = "row_ordinal"
	colRowHash   = "row_hash"
)

var ErrNoFile = errors.New("tabfile: no file for unit")

// Dir lays files out as <root>/{raw,cleaned}/<league>/<table_type>/<season>[_p<page>].csv.
type Dir struct {
	fs   afero.Fs
	root string
}

func New(fs afero.Fs, root string) *Dir {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Dir{fs: fs, root: root}
}

func (d *Dir) path(kind string, u almanac.ScrapeUnit) string {
	name := strconv.Itoa(u.Season)
	if u.Page > 0 {
		name += "_p" + strconv.Itoa(u.Page)
	}
	return filepath.Join(d.root, kind, u.League, string(u.TableType), name+".csv")
}

func (d *Dir) RawPath(u almanac.ScrapeUnit) string     { return d.path(kindRaw, u) }
func (d *Dir) CleanedPath(u almanac.ScrapeUnit) string { return d.path(kindCleaned, u) }

// writeAtomic writes to a temp file beside the target and renames it in place,
// so a reader sees either the old file or the complete new one.
func (d *Dir) writeAtomic(path string, write func(w *csv.Writer) error) error {
	dir := filepath.Dir(path)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(d.fs, dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = d.fs.Remove(tmpName) }

	w := csv.NewWriter(tmp)
	if err := write(w); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := d.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (d *Dir) WriteRaw(u almanac.ScrapeUnit, spec almanac.TableSpec, rows []almanac.RawRow) error {
	return d.writeAtomic(d.RawPath(u), func(w *csv.Writer) error {
		if err := w.Write(append([]string{colSourceURL, colOrdinal}, spec.FieldNames()...)); err != nil {
			return err
		}
		for _, r := range rows {
			rec := []string{r.SourceURL, strconv.Itoa(r.Ordinal)}
			for _, f := range spec.Fields {
				v, _ := r.Get(f.Name)
				rec = append(rec, v)
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Dir) WriteCleaned(u almanac.ScrapeUnit, spec almanac.TableSpec, rows []clean.CleanedRow) error {
	return d.writeAtomic(d.CleanedPath(u), func(w *csv.Writer) error {
		if err := w.Write(append([]string{colSourceURL, colOrdinal, colRowHash}, spec.FieldNames()...)); err != nil {
			return err
		}
		for _, r := range rows {
			rec := []string{r.SourceURL, strconv.Itoa(r.Ordinal), r.Hash()}
			for _, f := range spec.Fields {
				rec = append(rec, clean.FormatValue(r.Values[f.Name]))
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

type sheet struct {
	header map[string]int
	rows   [][]string
}

func (s sheet) cell(rec []string, name string) string {
	i, ok := s.header[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func (d *Dir) read(path string) (sheet, error) {
	f, err := d.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return sheet{}, fmt.Errorf("%s: %w", path, ErrNoFile)
	}
	if err != nil {
		return sheet{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	hdr, err := r.Read()
	if err != nil {
		return sheet{}, fmt.Errorf("read header %s: %w", path, err)
	}
	s := sheet{header: make(map[string]int, len(hdr))}
	for i, h := range hdr {
		s.header[strings.TrimSpace(h)] = i
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sheet{}, fmt.Errorf("read %s: %w", path, err)
		}
		s.rows = append(s.rows, rec)
	}
	return s, nil
}

func (d *Dir) ReadRaw(u almanac.ScrapeUnit, spec almanac.TableSpec) ([]almanac.RawRow, error) {
	s, err := d.read(d.RawPath(u))
	if err != nil {
		return nil, err
	}
	out := make([]almanac.RawRow, 0, len(s.rows))
	for i, rec := range s.rows {
		ord, err := strconv.Atoi(s.cell(rec, colOrdinal))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad ordinal: %w", d.RawPath(u), i+2, err)
		}
		vals := make(map[string]*string, len(spec.Fields))
		for _, f := range spec.Fields {
			if v := s.cell(rec, f.Name); v != "" {
				vals[f.Name] = &v
			} else {
				vals[f.Name] = nil
			}
		}
		out = append(out, almanac.RawRow{Unit: u, SourceURL: s.cell(rec, colSourceURL), Ordinal: ord, Values: vals})
	}
	return out, nil
}

// ReadCleaned restores typed rows and rejects a file whose row_hash no longer
// matches its values.
func (d *Dir) ReadCleaned(u almanac.ScrapeUnit, spec almanac.TableSpec) ([]clean.CleanedRow, error) {
	path := d.CleanedPath(u)
	s, err := d.read(path)
	if err != nil {
		return nil, err
	}
	out := make([]clean.CleanedRow, 0, len(s.rows))
	for i, rec := range s.rows {
		line := i + 2
		ord, err := strconv.Atoi(s.cell(rec, colOrdinal))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad ordinal: %w", path, line, err)
		}
		vals := make(map[string]any, len(spec.Fields))
		for _, f := range spec.Fields {
			cell := s.cell(rec, f.Name)
			if cell == "" {
				vals[f.Name] = nil
				continue
			}
			v, err := clean.ParseValue(f.Kind, cell)
			if err != nil {
				return nil, fmt.Errorf("%s line %d field %s: %w", path, line, f.Name, err)
			}
			vals[f.Name] = v
		}
		row := clean.CleanedRow{
			Unit:        u,
			SourceURL:   s.cell(rec, colSourceURL),
			Ordinal:     ord,
			Values:      vals,
			Fingerprint: clean.Fingerprint(spec, vals),
		}
		row.Entity, _ = vals[spec.Entity].(string)
		if spec.Category != "" {
			row.Category, _ = vals[spec.Category].(string)
		}
		if want := s.cell(rec, colRowHash); want != "" && want != row.Hash() {
			return nil, fmt.Errorf("%s line %d: row_hash %s does not match values (%s)", path, line, want, row.Hash())
		}
		out = append(out, row)
	}
	return out, nil
}

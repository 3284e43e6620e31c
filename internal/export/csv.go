// Package export appends the records changed since the previous export to a
// CSV file.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/registry"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// DefaultPath is used when no export path is configured.
const DefaultPath = "data.csv"

// Header is the first row of every export file.
var Header = []string{"MAC Address", "RSSI", "Distance", "Comment", "Date", "Time"}

// Source is the registry side of an export.
type Source interface {
	DrainUpdated() []registry.Record
	Remark(ids []string)
}

// Recorder is told about each completed export.
type Recorder interface {
	RecordExport(ctx context.Context, path string, rows int, at time.Time) error
}

// Result describes a completed export.
type Result struct {
	Path string    `json:"path"`
	Rows int       `json:"rows"`
	At   time.Time `json:"exported_at"`
}

// Exporter writes drained records to a single CSV file. Exports are
// serialised so two callers never interleave rows.
type Exporter struct {
	mu       sync.Mutex
	path     string
	source   Source
	clock    timeutil.Clock
	recorder Recorder
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock sets the clock used for the Date and Time columns.
func WithClock(c timeutil.Clock) Option {
	return func(e *Exporter) { e.clock = c }
}

// WithRecorder reports each export to r.
func WithRecorder(r Recorder) Option {
	return func(e *Exporter) { e.recorder = r }
}

// NewExporter returns an Exporter appending to path.
func NewExporter(path string, source Source, opts ...Option) *Exporter {
	if path == "" {
		path = DefaultPath
	}
	e := &Exporter{
		path:   path,
		source: source,
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Path returns the export file path.
func (e *Exporter) Path() string {
	return e.path
}

// Export drains the updated set and appends one row per record. The header
// is written when the file is new or empty. The file is opened before the
// drain; if writing fails afterwards the drained records are marked updated
// again so a later export still writes them.
func (e *Exporter) Export(ctx context.Context) (res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	res = Result{Path: e.path, At: now}

	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("create export directory: %w", err)
		}
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return res, fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("stat export file: %w", err)
	}

	records := e.source.DrainUpdated()
	defer func() {
		if err != nil && len(records) > 0 {
			ids := make([]string, len(records))
			for i, rec := range records {
				ids[i] = rec.ID
			}
			e.source.Remark(ids)
			res.Rows = 0
		}
	}()

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return res, fmt.Errorf("write header: %w", err)
		}
	}

	date := now.Format("2006-01-02")
	clock := now.Format("15:04:05")
	for _, rec := range records {
		row := []string{rec.ID, strconv.Itoa(rec.RSSI), rec.Distance, rec.Comment, date, clock}
		if err := w.Write(row); err != nil {
			return res, fmt.Errorf("write row for %s: %w", rec.ID, err)
		}
		res.Rows++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return res, fmt.Errorf("flush export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("close export file: %w", err)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordExport(ctx, e.path, res.Rows, now); err != nil {
			monitoring.Logf("failed to record export of %s: %v", e.path, err)
		}
	}
	return res, nil
}

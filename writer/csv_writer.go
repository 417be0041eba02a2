package writer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

// WorkingDirName holds the authoritative files while a capture runs.
const WorkingDirName = ".writing"

const (
	bom                        = "\uFEFF"
	defaultPreviewInitialDelay = 2 * time.Second
	defaultPreviewInterval     = 5 * time.Second
)

// ErrClosed is returned by AppendRow after Close.
var ErrClosed = errors.New("writer: closed")

// Options tunes a CSVWriter. Zero values select the defaults.
type Options struct {
	PreviewInitialDelay time.Duration
	PreviewInterval     time.Duration
	Location            *time.Location
}

type symbolFile struct {
	symbol      string
	file        *os.File
	buf         *bufio.Writer
	workingPath string
	previewPath string
	rows        int64
}

// CSVWriter appends rows to one CSV file per symbol under a hidden working
// directory and mirrors each into the destination on a timer.
type CSVWriter struct {
	destDir  string
	workDir  string
	infoPath string
	headers  []string
	display  map[string]string
	meta     Meta
	opts     Options
	loc      *time.Location
	log      *logger.Log

	mu       sync.Mutex
	files    map[string]*symbolFile
	counts   map[string]int64
	closed   bool
	received int64
	rate     float64

	stopSync chan struct{}
	syncDone chan struct{}
}

// New creates the destination layout, writes the sidecar file and schedules
// the preview sync.
func New(destDir string, headers []string, displayNames map[string]string, meta Meta, opts Options) (*CSVWriter, error) {
	if destDir == "" {
		return nil, fmt.Errorf("writer: destination directory is required")
	}
	if opts.PreviewInitialDelay <= 0 {
		opts.PreviewInitialDelay = defaultPreviewInitialDelay
	}
	if opts.PreviewInterval <= 0 {
		opts.PreviewInterval = defaultPreviewInterval
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}

	workDir := filepath.Join(destDir, WorkingDirName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	display := make(map[string]string, len(displayNames))
	for k, v := range displayNames {
		display[k] = v
	}

	w := &CSVWriter{
		destDir:  destDir,
		workDir:  workDir,
		infoPath: filepath.Join(destDir, InfoFileName),
		headers:  append([]string(nil), headers...),
		display:  display,
		meta:     meta,
		opts:     opts,
		loc:      loc,
		log:      logger.GetLogger(),
		files:    make(map[string]*symbolFile),
		counts:   make(map[string]int64),
		stopSync: make(chan struct{}),
		syncDone: make(chan struct{}),
	}

	if err := w.writeSidecar(sidecarState{running: true}); err != nil {
		return nil, err
	}

	go w.syncLoop()

	w.log.WithComponent("csv_writer").WithFields(logger.Fields{
		"dest":    destDir,
		"columns": len(headers),
	}).Info("csv writer initialized")
	return w, nil
}

// DestDir returns the destination directory.
func (w *CSVWriter) DestDir() string { return w.destDir }

// Headers returns the field names in column order.
func (w *CSVWriter) Headers() []string { return append([]string(nil), w.headers...) }

// AppendRow writes one row for symbol. The file and its header are created on
// the first row seen for that symbol.
func (w *CSVWriter) AppendRow(symbol string, record map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	sf, err := w.openLocked(symbol)
	if err != nil {
		return err
	}

	cells := make([]string, len(w.headers))
	for i, h := range w.headers {
		cells[i] = formatCell(record[h], w.loc)
	}
	if _, err := sf.buf.WriteString(strings.Join(cells, ",") + "\n"); err != nil {
		return fmt.Errorf("append row for %s: %w", symbol, err)
	}
	sf.rows++
	w.counts[symbol]++
	metrics.IncRowsWritten(w.meta.Source)
	return nil
}

// openLocked returns the file for symbol. Symbols with the same safe file
// name share one handle.
func (w *CSVWriter) openLocked(symbol string) (*symbolFile, error) {
	stem := safeFileName(symbol)
	if sf, ok := w.files[stem]; ok {
		return sf, nil
	}

	name := stem + ".csv"
	sf := &symbolFile{
		symbol:      symbol,
		workingPath: filepath.Join(w.workDir, name),
		previewPath: filepath.Join(w.destDir, name),
	}
	f, err := os.OpenFile(sf.workingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sf.workingPath, err)
	}
	sf.file = f
	sf.buf = bufio.NewWriter(f)

	header := make([]string, len(w.headers))
	for i, h := range w.headers {
		header[i] = headerCell(h, w.display)
	}
	if _, err := sf.buf.WriteString(bom + strings.Join(header, ",") + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header for %s: %w", symbol, err)
	}

	w.files[stem] = sf
	w.log.WithComponent("csv_writer").WithFields(logger.Fields{
		"symbol": symbol,
		"file":   sf.workingPath,
	}).Debug("opened symbol file")
	return sf, nil
}

func (w *CSVWriter) syncLoop() {
	defer close(w.syncDone)

	timer := time.NewTimer(w.opts.PreviewInitialDelay)
	defer timer.Stop()
	select {
	case <-w.stopSync:
		return
	case <-timer.C:
		w.SyncPreview()
	}

	ticker := time.NewTicker(w.opts.PreviewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopSync:
			return
		case <-ticker.C:
			w.SyncPreview()
		}
	}
}

// SyncPreview flushes every open file and copies it over its preview.
// Per-file failures are logged and skipped.
func (w *CSVWriter) SyncPreview() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncLocked()
}

func (w *CSVWriter) syncLocked() {
	log := w.log.WithComponent("csv_writer")
	for stem, sf := range w.files {
		if sf.buf != nil {
			if err := sf.buf.Flush(); err != nil {
				log.WithError(err).WithField("file", stem).Warn("flush failed")
				continue
			}
		}
		if err := copyFile(sf.workingPath, sf.previewPath); err != nil {
			log.WithError(err).WithField("file", stem).Warn("preview sync failed")
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// UpdateStatus rewrites the sidecar file with running totals.
func (w *CSVWriter) UpdateStatus(received int64, rate float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.received = received
	w.rate = rate
	if err := w.writeSidecar(w.stateLocked(true)); err != nil {
		w.log.WithComponent("csv_writer").WithError(err).Warn("sidecar update failed")
	}
}

func (w *CSVWriter) stateLocked(running bool) sidecarState {
	var rows int64
	for _, sf := range w.files {
		rows += sf.rows
	}
	return sidecarState{
		running:  running,
		received: w.received,
		rate:     w.rate,
		rows:     rows,
		symbols:  len(w.counts),
		stopped:  time.Now(),
	}
}

// Close flushes and closes every file, performs a final preview sync and
// marks the sidecar as stopped. Later calls return nil.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopSync)
	<-w.syncDone

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for stem, sf := range w.files {
		if err := sf.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", stem, err))
		}
		if err := sf.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stem, err))
		}
		sf.buf = nil
	}
	w.syncLocked()

	state := w.stateLocked(false)
	if err := w.writeSidecar(state); err != nil {
		errs = append(errs, err)
	}

	w.log.WithComponent("csv_writer").WithFields(logger.Fields{
		"dest":    w.destDir,
		"rows":    state.rows,
		"symbols": state.symbols,
	}).Info("csv writer closed")
	return errors.Join(errs...)
}

// Stats returns rows written per symbol, sorted by symbol.
func (w *CSVWriter) Stats() []models.SymbolCount {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.SymbolCount, 0, len(w.counts))
	for symbol, n := range w.counts {
		out = append(out, models.SymbolCount{Symbol: symbol, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TotalRows returns the number of rows written across all symbols.
func (w *CSVWriter) TotalRows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, sf := range w.files {
		total += sf.rows
	}
	return total
}

// Files maps the first symbol written to each file onto its preview path.
func (w *CSVWriter) Files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.files))
	for _, sf := range w.files {
		out[sf.symbol] = sf.previewPath
	}
	return out
}

// InfoPath returns the sidecar file path.
func (w *CSVWriter) InfoPath() string { return w.infoPath }

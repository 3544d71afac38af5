package report

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/search"
)

// Paths are the three sink files of a run.
type Paths struct {
	Objects   string `json:"assets_csv"`
	Code      string `json:"dll_csv"`
	Narrative string `json:"txt"`
}

// PathsFor derives the sink paths for a query inside root.
func PathsFor(root, query string) Paths {
	safe := search.SafeFileName(query)
	return Paths{
		Objects:   filepath.Join(root, "output_assets_"+safe+".csv"),
		Code:      filepath.Join(root, "output_dll_"+safe+".csv"),
		Narrative: filepath.Join(root, "output_"+safe+".txt"),
	}
}

// All lists the paths in creation order.
func (p Paths) All() []string {
	return []string{p.Objects, p.Code, p.Narrative}
}

// Options configure a Recorder.
type Options struct {
	Root         string
	Query        string
	UnityVersion string // empty when unknown

	// Console receives the live "Found!" lines; nil discards them.
	Console io.Writer
	Color   bool
	// BeforeLine runs before each live line, e.g. to clear a status line.
	BeforeLine func()

	Stats *Statistics // nil allocates a fresh one
}

// Recorder owns the sinks of one run. Record methods may be called from
// several goroutines; records land in the order the calls are serialized.
type Recorder struct {
	mu     sync.Mutex
	opts   Options
	paths  Paths
	stats  *Statistics
	closed bool
	err    error

	objFile, codeFile, txtFile *os.File
	objCSV, codeCSV            *csv.Writer
	txt                        *bufio.Writer

	objects []ObjectMatch
	code    []CodeMatch
}

// Open creates the three sinks, writes the CSV header rows and the narrative
// run header. On error nothing is left open.
func Open(opts Options) (*Recorder, error) {
	r := &Recorder{opts: opts, paths: PathsFor(opts.Root, opts.Query), stats: opts.Stats}
	if r.stats == nil {
		r.stats = NewStatistics()
	}
	if r.opts.Console == nil {
		r.opts.Console = io.Discard
	}

	var err error
	if r.objFile, err = os.Create(r.paths.Objects); err != nil {
		return nil, fmt.Errorf("creating asset results: %w", err)
	}
	if r.codeFile, err = os.Create(r.paths.Code); err != nil {
		_ = r.objFile.Close()
		return nil, fmt.Errorf("creating dll results: %w", err)
	}
	if r.txtFile, err = os.Create(r.paths.Narrative); err != nil {
		_ = r.objFile.Close()
		_ = r.codeFile.Close()
		return nil, fmt.Errorf("creating text results: %w", err)
	}

	r.objCSV = newCSV(r.objFile)
	r.codeCSV = newCSV(r.codeFile)
	r.txt = bufio.NewWriter(r.txtFile)

	if err := r.writeHeaders(); err != nil {
		r.closed = true
		return nil, errors.Join(err, r.closeFiles())
	}
	return r, nil
}

func newCSV(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	return cw
}

func (r *Recorder) writeHeaders() error {
	if err := writeRow(r.objCSV, objectHeader); err != nil {
		return fmt.Errorf("writing asset header: %w", err)
	}
	if err := writeRow(r.codeCSV, codeHeader); err != nil {
		return fmt.Errorf("writing dll header: %w", err)
	}

	var b strings.Builder
	b.WriteString("[INFO]\n")
	if r.opts.UnityVersion != "" {
		fmt.Fprintf(&b, "Unity version: %s\n", r.opts.UnityVersion)
	}
	fmt.Fprintf(&b, "Search text: %s\n", r.opts.Query)
	fmt.Fprintf(&b, "Search directory: %s\n\n", r.opts.Root)
	if _, err := r.txt.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing text header: %w", err)
	}
	return r.txt.Flush()
}

func writeRow(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Paths returns the sink paths.
func (r *Recorder) Paths() Paths { return r.paths }

// Stats returns the run statistics.
func (r *Recorder) Stats() *Statistics { return r.stats }

// RecordObject prints and persists one structured-object match.
func (r *Recorder) RecordObject(m ObjectMatch, via search.Comparison) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	r.live(m.Line())
	r.objects = append(r.objects, m)
	r.stats.addObject(m, via)
	if err := writeRow(r.objCSV, m.row()); err != nil {
		return r.fail(fmt.Errorf("writing asset result: %w", err))
	}
	return nil
}

// RecordCode prints and persists one bytecode match.
func (r *Recorder) RecordCode(m CodeMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	r.live(m.Line())
	r.code = append(r.code, m)
	r.stats.addCode(m)
	if err := writeRow(r.codeCSV, m.row()); err != nil {
		return r.fail(fmt.Errorf("writing dll result: %w", err))
	}
	return nil
}

var errClosed = errors.New("recorder is closed")

// fail keeps the first write error for Close.
func (r *Recorder) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return err
}

func (r *Recorder) live(line string) {
	if r.opts.BeforeLine != nil {
		r.opts.BeforeLine()
	}
	if r.opts.Color {
		line = ColorString("Found!", AnsiBold+AnsiGreen, true) + strings.TrimPrefix(line, "Found!")
	}
	_, _ = fmt.Fprintln(r.opts.Console, line)
}

// Close writes the narrative result sections and closes every sink. It is
// safe to call more than once; later calls return nil.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.writeSections()
	return errors.Join(r.err, err, r.closeFiles())
}

func (r *Recorder) writeSections() error {
	var b strings.Builder
	b.WriteString("[SEARCH RESULTS]\n\n")

	b.WriteString("[DLL RESULTS]\n")
	if len(r.code) == 0 {
		b.WriteString("No results found.\n")
	}
	for _, m := range r.code {
		b.WriteString(m.Line())
		b.WriteByte('\n')
	}
	b.WriteString("\n[ASSET RESULTS]\n")
	if len(r.objects) == 0 {
		b.WriteString("No results found.\n")
	}
	for _, m := range r.objects {
		b.WriteString(m.Line())
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := r.txt.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing text results: %w", err)
	}
	if err := r.txt.Flush(); err != nil {
		return fmt.Errorf("writing text results: %w", err)
	}
	return nil
}

func (r *Recorder) closeFiles() error {
	r.objCSV.Flush()
	r.codeCSV.Flush()
	return errors.Join(
		r.objCSV.Error(),
		r.codeCSV.Error(),
		r.objFile.Close(),
		r.codeFile.Close(),
		r.txtFile.Close(),
	)
}

// Summary snapshots the run outcome.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Query:        r.opts.Query,
		Root:         r.opts.Root,
		UnityVersion: r.opts.UnityVersion,
		Objects:      append([]ObjectMatch(nil), r.objects...),
		Code:         append([]CodeMatch(nil), r.code...),
		Outputs:      []string{r.paths.Narrative},
		stats:        r.stats,
	}
	if len(r.objects) > 0 {
		s.Outputs = append(s.Outputs, r.paths.Objects)
	}
	if len(r.code) > 0 {
		s.Outputs = append(s.Outputs, r.paths.Code)
	}
	return s
}

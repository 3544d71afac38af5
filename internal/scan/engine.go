package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/classify"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/diag"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/progress"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/report"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
)

const comp = "scan"

// Config is fixed for the lifetime of an Engine.
type Config struct {
	// Workers > 1 scans files concurrently. Record order is then not
	// deterministic.
	Workers  int
	Logger   *diag.Logger
	Progress progress.Reporter
	Stats    *report.Statistics
	// Console receives the phase messages; nil discards them.
	Console io.Writer
}

// RunStats summarizes one Run.
type RunStats struct {
	Scanned int
	Skipped int
	Failed  int
	Items   report.ItemCounts
	Elapsed time.Duration
}

// Engine drives both lanes over a pair of worklists.
type Engine struct {
	cfg     Config
	objects *ObjectLane
	code    *CodeLane
}

// NewEngine returns an engine over the two lanes. A nil or disabled code
// lane leaves the DLL worklist unscanned.
func NewEngine(cfg Config, objects *ObjectLane, code *CodeLane) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Nop{}
	}
	if cfg.Stats == nil {
		cfg.Stats = report.NewStatistics()
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	return &Engine{cfg: cfg, objects: objects, code: code}
}

type job struct {
	entry classify.FileEntry
	lane  interface {
		Scan(ctx context.Context, path string) FileResult
	}
	label string
}

// jobs lists the files Run scans, DLLs first.
func (e *Engine) jobs(w classify.Worklists) []job {
	var jobs []job
	if e.code.Enabled() {
		for _, f := range w.ManagedCode {
			jobs = append(jobs, job{entry: f, lane: e.code, label: "Searching DLL: "})
		}
	}
	for _, f := range w.Containers {
		jobs = append(jobs, job{entry: f, lane: e.objects, label: "Searching asset: "})
	}
	return jobs
}

// Run scans every file of w. It returns ctx.Err() when cancelled; per-file
// failures are logged and counted, never returned.
func (e *Engine) Run(ctx context.Context, w classify.Worklists) (RunStats, error) {
	start := time.Now()
	if !e.code.Enabled() {
		e.cfg.Stats.DisableCodeLane()
	}
	jobs := e.jobs(w)

	var (
		stats RunStats
		done  atomic.Int64
		err   error
	)
	results := make(chan FileResult)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range results {
			e.tally(&stats, res)
		}
	}()

	run := func(ctx context.Context, j job) {
		n := int(done.Add(1))
		e.cfg.Progress.Report(n, len(jobs), j.label+filepath.Base(j.entry.Path))
		res := scanFile(ctx, j)
		res.Path = j.entry.Path
		managed := j.entry.Kind == classify.ManagedCode
		e.recordFile(res, managed)
		results <- res
	}

	if e.cfg.Workers == 1 {
		err = e.sequential(ctx, jobs, run)
	} else {
		err = e.parallel(ctx, jobs, run)
	}
	close(results)
	<-collected

	stats.Elapsed = time.Since(start)
	e.cfg.Logger.Finish(comp, "scan finished", start, map[string]string{
		"files":   strconv.Itoa(stats.Scanned),
		"failed":  strconv.Itoa(stats.Failed),
		"workers": strconv.Itoa(e.cfg.Workers),
	})
	return stats, err
}

func (e *Engine) sequential(ctx context.Context, jobs []job, run func(context.Context, job)) error {
	var phase string
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p := phaseMessage(j.entry.Kind); p != phase {
			phase = p
			_, _ = fmt.Fprintln(e.cfg.Console, p)
		}
		run(ctx, j)
	}
	return ctx.Err()
}

func (e *Engine) parallel(ctx context.Context, jobs []job, run func(context.Context, job)) error {
	printed := map[string]bool{}
	for _, j := range jobs {
		if p := phaseMessage(j.entry.Kind); !printed[p] {
			printed[p] = true
			_, _ = fmt.Fprintln(e.cfg.Console, p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run(gctx, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// scanFile runs one lane scan. A panic fails the file instead of the
// worker goroutine.
func scanFile(ctx context.Context, j job) (res FileResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FileResult{Err: fmt.Errorf("panic while scanning: %v", r)}
		}
	}()
	return j.lane.Scan(ctx, j.entry.Path)
}

func phaseMessage(k classify.Kind) string {
	if k == classify.ManagedCode {
		return "Searching DLL files..."
	}
	return "Searching asset files..."
}

func (e *Engine) tally(stats *RunStats, res FileResult) {
	stats.Items = stats.Items.Add(res.Items)
	switch {
	case res.Err == nil:
		stats.Scanned++
	case isCancel(res.Err):
	case notForThisLane(res.Err):
		stats.Skipped++
	default:
		stats.Failed++
	}
}

// recordFile logs the file outcome and feeds the shared statistics.
func (e *Engine) recordFile(res FileResult, managed bool) {
	e.cfg.Stats.AddItems(res.Items)
	switch {
	case res.Err == nil:
		e.cfg.Stats.AddFile(managed, report.FileScanned)
	case isCancel(res.Err):
	case notForThisLane(res.Err):
		e.cfg.Logger.FileDebug(comp, res.Path, res.Err)
		e.cfg.Stats.AddFile(managed, report.FileSkipped)
	default:
		e.cfg.Logger.FileError(comp, res.Path, res.Err)
		e.cfg.Stats.AddFile(managed, report.FileFailed)
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// notForThisLane reports files that are not Unity data or not managed code.
func notForThisLane(err error) bool {
	return errors.Is(err, unityfs.ErrUnrecognized) || errors.Is(err, cil.ErrNotManaged)
}

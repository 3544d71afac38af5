// Package main implements uats, which searches the assets and managed DLLs
// of a Unity game directory for a piece of text.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/classify"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/diag"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/mapped"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/progress"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/report"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/scan"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/search"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/version"
)

const (
	appName    = "uats"
	appVersion = "2.0.0"
)

const fallbackWarning = "Unity version has stripped. using fallback version...\n" +
	"if you want to use custom version or program can't find unity version,\n" +
	"run program with -v argument to specify unity version"

// configFiles are read by kong when present; flags and env take precedence.
var configFiles = []string{"uats.json", "~/.config/uats/uats.json"}

// searchText records whether --search was given at all, so an explicit empty
// value is told apart from an omitted one.
type searchText struct {
	Value string
	Set   bool
}

func (s *searchText) UnmarshalText(b []byte) error {
	s.Value = string(b)
	s.Set = true
	return nil
}

// CLI defines the command-line interface structure
type CLI struct {
	UnityVersion  string     `short:"v" name:"unity-version" env:"UATS_UNITY_VERSION" help:"Unity version to use for loading assets. Example: -v \"2022.3.15f1\""`
	Search        searchText `short:"s" name:"search" env:"UATS_SEARCH" placeholder:"TEXT" help:"Search text (if not provided, will prompt for input)"`
	Directory     string     `short:"d" name:"directory" env:"UATS_DIRECTORY" type:"path" help:"Directory to search (default: current directory)"`
	NoDLL         bool       `name:"no-dll" env:"UATS_NO_DLL" help:"Skip DLL searching"`
	Workers       int        `short:"j" name:"workers" env:"UATS_WORKERS" default:"1" help:"Number of files to search concurrently (1 keeps result order deterministic)"`
	Types         []string   `name:"type" env:"UATS_TYPES" sep:"," help:"Additional object types to search besides TextAsset and MonoBehaviour"`
	Color         string     `name:"color" env:"UATS_COLOR" enum:"auto,always,never" default:"auto" help:"Colorize console output (auto/always/never)"`
	JSON          bool       `name:"json" env:"UATS_JSON" help:"Print the summary as JSON on stdout; console messages go to stderr"`
	Stats         bool       `name:"stats" env:"UATS_STATS" help:"Print search statistics after the summary"`
	Progress      string     `name:"progress" env:"UATS_PROGRESS" enum:"auto,title,line,none" default:"auto" help:"Progress display (auto/title/line/none)"`
	LogLevel      string     `name:"log-level" env:"UATS_LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Diagnostic level on stderr"`
	LogFile       string     `name:"log-file" env:"UATS_LOG_FILE" type:"path" help:"Append diagnostics as JSON lines to this file"`
	MmapThreshold int64      `name:"mmap-threshold" env:"UATS_MMAP_THRESHOLD" default:"1048576" help:"Memory-map DLLs at or above this size in bytes"`
	NoMmap        bool       `name:"no-mmap" env:"UATS_NO_MMAP" help:"Never memory-map DLLs"`
	Version       bool       `name:"version" help:"Display version information"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "%s: .env: %v\n", appName, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one search and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	var cli CLI
	exited, exitCode := false, 0
	parser, err := kong.New(&cli,
		kong.Name(appName),
		kong.Description("Search for strings in Unity dlls, assets and assetbundles."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, configFiles...),
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { exited, exitCode = true, c }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return 1
	}
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintf(stderr, "%s: error: %v\n", appName, err)
		return 1
	}
	if exited {
		return exitCode
	}

	// Handle version flag
	if cli.Version {
		fmt.Fprintf(stdout, "%s %s\n", appName, appVersion)
		return 0
	}

	console := stdout
	if cli.JSON {
		console = stderr
	}
	mode, _ := report.ParseColorMode(cli.Color)
	useColor := report.ShouldUseColor(mode) && !cli.JSON

	log := diag.New(appName, diag.ParseLevel(cli.LogLevel), stderr)
	if cli.LogFile != "" {
		if err := log.OpenEventFile(cli.LogFile); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", appName, err)
			return 1
		}
	}
	defer func() { _ = log.Close() }()

	var rec *report.Recorder
	defer func() {
		if r := recover(); r != nil {
			if rec != nil {
				_ = rec.Close()
			}
			fmt.Fprintf(stderr, "\nUnexpected error: %v\n%s", r, debug.Stack())
			code = 1
		}
	}()

	cancelled := func() int {
		fmt.Fprintln(console, "\n\nSearch cancelled by user.")
		return 0
	}

	root := cli.Directory
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			log.FileError("cli", ".", err)
			return 1
		}
	}

	fmt.Fprintln(console, report.ColorString("Unity Asset Text Searcher", report.AnsiBold+report.AnsiCyan, useColor))
	fmt.Fprintf(console, "Made by Snowyegret, Version: %s\n\n", appVersion)
	fmt.Fprintf(console, "Search directory: %s\n\n", root)

	mopts := mapped.Options{Threshold: cli.MmapThreshold, DisableMmap: cli.NoMmap}

	var dis scan.Disassembler
	if !cli.NoDLL {
		fmt.Fprintln(console, "Loading IL disassembler...")
		d, err := cil.New(cil.Options{Mapped: mopts})
		if err != nil {
			fmt.Fprintf(console, "Error loading IL disassembler: %v\n", err)
			fmt.Fprintln(console, "DLL search will be disabled.")
		} else {
			fmt.Fprintln(console, "IL disassembler loaded successfully!")
			dis = d
		}
	}

	resolved := version.Resolve(root, cli.UnityVersion, unityfs.NewDecoder(unityfs.Config{}))
	if resolved.Warning != "" {
		fmt.Fprintf(console, "Warning: %s\n", resolved.Warning)
	}
	if !resolved.Found() {
		fmt.Fprintln(console, "Warning: Could not auto-detect Unity version.")
		fmt.Fprintln(console, "You can specify it with -v argument.")
	} else {
		fmt.Fprintf(console, "Unity version: %s\n", resolved.Version)
		log.Debugf("version", "unity version %s from %s", resolved.Version, resolved.Source)
	}
	fmt.Fprintln(console)
	if ctx.Err() != nil {
		return cancelled()
	}

	text := cli.Search.Value
	if !cli.Search.Set {
		fmt.Fprint(console, "Search text: ")
		line, err := readLine(ctx, stdin)
		if ctx.Err() != nil {
			return cancelled()
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.FileError("cli", "stdin", err)
			return 1
		}
		text = strings.TrimSpace(line)
	}
	query, err := search.NewQuery(text)
	if err != nil {
		fmt.Fprintln(console, "Error: Search text cannot be empty.")
		return 1
	}
	fmt.Fprintf(console, "\nSearching for: %s\n\n", query)

	paths := report.PathsFor(root, query.String())
	lists, err := classify.Collect(root, classify.Options{
		Skip: paths.All(),
		OnWarn: func(path string, err error) {
			log.Warnf("classify", "%s: %v", path, err)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return 1
	}
	log.Debugf("classify", "%d files classified under %s", lists.Total(), root)
	if ctx.Err() != nil {
		return cancelled()
	}

	reporter, clearLine := newProgress(cli.Progress, console, stderr)
	rec, err = report.Open(report.Options{
		Root:         root,
		Query:        query.String(),
		UnityVersion: resolved.Version,
		Console:      console,
		Color:        useColor,
		BeforeLine:   clearLine,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", appName, err)
		return 1
	}
	log.Debugf("report", "writing results to %s", strings.Join(rec.Paths().All(), ", "))

	dcfg := unityfs.Config{FallbackVersion: resolved.Version}
	if !resolved.Found() {
		dcfg.OnFallback = func(string) {
			log.WarnOnce("unityfs", "fallback-version", fallbackWarning)
		}
	}
	decoder := unityfs.NewDecoder(dcfg)
	engine := scan.NewEngine(scan.Config{
		Workers:  cli.Workers,
		Logger:   log,
		Progress: reporter,
		Stats:    rec.Stats(),
		Console:  console,
	},
		scan.NewObjectLane(scan.UnityContainers(decoder), query, rec, cli.Types...),
		scan.NewCodeLane(dis, query, rec),
	)

	dlls := len(lists.ManagedCode)
	if dis == nil {
		dlls = 0
	}
	fmt.Fprintf(console, "Found %d DLL files and %d asset files to search.\n\n", dlls, len(lists.Containers))

	runStats, runErr := engine.Run(ctx, lists)
	progress.Finish(reporter, progress.CompleteTitle)
	if err := rec.Close(); err != nil {
		log.FileError("report", root, err)
		return 1
	}
	if errors.Is(runErr, context.Canceled) {
		return cancelled()
	}
	if runErr != nil {
		log.FileError("scan", root, runErr)
		return 1
	}

	summary := rec.Summary()
	if cli.JSON {
		data, err := summary.JSON()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", appName, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", data)
		return 0
	}
	summary.Format(console, useColor)
	if cli.Stats {
		fmt.Fprintln(console)
		rec.Stats().Format(console, useColor)
		fmt.Fprintf(console, "\n  Scanned %d files (%d skipped, %d failed) in %s\n",
			runStats.Scanned, runStats.Skipped, runStats.Failed, runStats.Elapsed.Round(time.Millisecond))
	}
	return 0
}

// readLine reads one line of r, giving up when ctx is cancelled.
func readLine(ctx context.Context, r io.Reader) (string, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.line, a.err
	}
}

// newProgress picks the progress display. Title sequences go to console so
// they never mix into JSON on stdout. The returned func clears an inline
// status line before other console output and is nil otherwise.
func newProgress(mode string, console, stderr io.Writer) (progress.Reporter, func()) {
	switch mode {
	case "title":
		return progress.NewTitle(console), nil
	case "line":
		line := progress.NewLine(stderr, progress.DefaultInterval)
		return line, line.Clear
	case "none":
		return progress.Nop{}, nil
	}
	if f, ok := console.(*os.File); ok && report.IsTerminal(f) {
		return progress.NewTitle(console), nil
	}
	return progress.Nop{}, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil/ciltest"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs/unitytest"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to create test file %s: %v", path, err)
	}
}

func serialized(version, script string) []byte {
	return unitytest.SerializedFile(unitytest.Options{UnityVersion: version}, []unitytest.Object{
		{PathID: 1, ClassID: unityfs.ClassTextAsset, Data: unitytest.TextAsset("dialogue", script)},
	})
}

// newGame creates <tmp>/Game with a Game_Data directory holding a version
// probe, one asset file and one managed DLL.
func newGame(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Game")
	data := filepath.Join(root, "Game_Data")
	writeFile(t, filepath.Join(data, "globalgamemanagers"), serialized("2021.3.16f1", "settings"))
	writeFile(t, filepath.Join(data, "level0"), serialized("2021.3.16f1", "Greetings, Traveler"))
	writeFile(t, filepath.Join(data, "Managed", "Assembly-CSharp.dll"), ciltest.Assembly(
		ciltest.Options{ModuleName: "Assembly-CSharp.dll"},
		ciltest.Type{Name: "Inn", Methods: []ciltest.Method{{Name: "Welcome", Strings: []string{"Rest well, traveler"}}}},
	))
	return root
}

type result struct {
	code           int
	stdout, stderr string
}

func runCLI(t *testing.T, ctx context.Context, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--color=never", "--progress=none"}, args...)
	code := run(ctx, args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRunFindsBothLanes(t *testing.T) {
	root := newGame(t)
	res := runCLI(t, context.Background(), "", "-d", root, "-s", "traveler")
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}

	for _, want := range []string{
		"Unity Asset Text Searcher\nMade by Snowyegret, Version: 2.0.0\n",
		"Search directory: " + root,
		"Unity version: 2021.3.16f1",
		"Searching for: traveler",
		"Found 1 DLL files and 2 asset files to search.",
		"Searching DLL files...",
		"Found! | File: Assembly-CSharp.dll | Class: Inn | Method: Welcome | Text: Rest well, traveler",
		"Searching asset files...",
		"| assets_name: level0 | path_id: 1 | type_name: TextAsset | obj_name: dialogue",
		"Search completed!",
		"DLL results: 1",
		"Asset results: 1",
		filepath.Join(root, "output_traveler.txt"),
		filepath.Join(root, "output_assets_traveler.csv"),
		filepath.Join(root, "output_dll_traveler.csv"),
	} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, res.stdout)
		}
	}
	if strings.Index(res.stdout, "Searching DLL files...") > strings.Index(res.stdout, "Searching asset files...") {
		t.Error("DLL lane should run before the asset lane")
	}

	txt, err := os.ReadFile(filepath.Join(root, "output_traveler.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(txt), "[INFO]\nUnity version: 2021.3.16f1\nSearch text: traveler\n") {
		t.Errorf("narrative header = %q", string(txt))
	}
}

func TestRunPromptsForSearchText(t *testing.T) {
	root := newGame(t)
	res := runCLI(t, context.Background(), "  Greetings  \n", "-d", root, "--no-dll")
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "Search text: ") || !strings.Contains(res.stdout, "Searching for: Greetings\n") {
		t.Errorf("prompt flow missing:\n%s", res.stdout)
	}
	if strings.Contains(res.stdout, "Loading IL disassembler") {
		t.Error("--no-dll should not load the disassembler")
	}
	if !strings.Contains(res.stdout, "Found 0 DLL files and 2 asset files to search.") {
		t.Errorf("DLL worklist should be empty with --no-dll:\n%s", res.stdout)
	}
	if _, err := os.Stat(filepath.Join(root, "output_Greetings.txt")); err != nil {
		t.Errorf("narrative sink missing: %v", err)
	}
}

func TestRunEmptySearchText(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"explicit empty flag", "", []string{"--search="}},
		{"blank prompt", "   \n", nil},
		{"closed stdin", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newGame(t)
			res := runCLI(t, context.Background(), tt.stdin, append([]string{"-d", root}, tt.args...)...)
			if res.code != 1 {
				t.Errorf("exit code = %d, want 1", res.code)
			}
			if !strings.Contains(res.stdout, "Error: Search text cannot be empty.") {
				t.Errorf("stdout missing empty-text error:\n%s", res.stdout)
			}
			matches, _ := filepath.Glob(filepath.Join(root, "output_*"))
			if len(matches) != 0 {
				t.Errorf("sinks created on configuration error: %v", matches)
			}
		})
	}
}

func TestRunVersionOverrideAndMissingProbe(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "data.unity3d"), serialized("0.0.0", "stripped text"))

	res := runCLI(t, context.Background(), "", "-d", root, "-s", "stripped", "--no-dll")
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "Warning: Could not auto-detect Unity version.\nYou can specify it with -v argument.") {
		t.Errorf("missing version warning:\n%s", res.stdout)
	}
	if got := strings.Count(res.stderr, "Unity version has stripped"); got != 1 {
		t.Errorf("fallback warning printed %d times, want 1:\n%s", got, res.stderr)
	}

	res = runCLI(t, context.Background(), "", "-d", root, "-s", "stripped", "--no-dll", "-v", "5.6.7f1")
	if !strings.Contains(res.stdout, "Unity version: 5.6.7f1") {
		t.Errorf("override not reported:\n%s", res.stdout)
	}
	if strings.Contains(res.stderr, "Unity version has stripped") {
		t.Error("fallback warning printed despite override")
	}
}

func TestRunJSON(t *testing.T) {
	root := newGame(t)
	res := runCLI(t, context.Background(), "", "-d", root, "-s", "traveler", "--json")
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}

	var out struct {
		Query        string            `json:"query"`
		UnityVersion string            `json:"unity_version"`
		DLLResults   []json.RawMessage `json:"dll_results"`
		AssetResults []json.RawMessage `json:"asset_results"`
		Stats        map[string]any    `json:"stats"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &out); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, res.stdout)
	}
	if out.Query != "traveler" || out.UnityVersion != "2021.3.16f1" {
		t.Errorf("query/version = %q/%q", out.Query, out.UnityVersion)
	}
	if len(out.DLLResults) != 1 || len(out.AssetResults) != 1 {
		t.Errorf("results = %d dll, %d asset; want 1 and 1", len(out.DLLResults), len(out.AssetResults))
	}
	if !strings.Contains(res.stderr, "Found! |") {
		t.Error("live lines should go to stderr in JSON mode")
	}
}

func TestRunJSONWithTitleProgress(t *testing.T) {
	root := newGame(t)
	res := runCLI(t, context.Background(), "", "-d", root, "-s", "traveler", "--json", "--progress=title")
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if strings.Contains(res.stdout, "\x1b]") {
		t.Errorf("title sequences leaked into stdout: %q", res.stdout)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.stdout), &out); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%q", err, res.stdout)
	}
	if !strings.Contains(res.stderr, "\x1b]") {
		t.Error("title progress should go to stderr in JSON mode")
	}
}

func TestRunStats(t *testing.T) {
	root := newGame(t)
	res := runCLI(t, context.Background(), "", "-d", root, "-s", "traveler", "--stats")
	if res.code != 0 {
		t.Fatalf("exit code = %d", res.code)
	}
	for _, want := range []string{"Statistics:", "DLL files:", "Top classes:", "Scanned 3 files (0 skipped, 0 failed) in "} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("stdout missing %q", want)
		}
	}
}

func TestRunCancelledBeforeSearch(t *testing.T) {
	root := newGame(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := runCLI(t, ctx, "", "-d", root, "-s", "traveler")
	if res.code != 0 {
		t.Errorf("exit code = %d, want 0", res.code)
	}
	if !strings.Contains(res.stdout, "Search cancelled by user.") {
		t.Errorf("stdout missing cancellation message:\n%s", res.stdout)
	}
	if strings.Contains(res.stdout, "Search completed!") {
		t.Error("summary printed after cancellation")
	}
	matches, _ := filepath.Glob(filepath.Join(root, "output_*"))
	if len(matches) != 0 {
		t.Errorf("sinks created after cancellation: %v", matches)
	}
}

// promptWatch closes prompted once the search-text prompt has been written.
type promptWatch struct {
	bytes.Buffer
	prompted chan struct{}
}

func (p *promptWatch) Write(b []byte) (int, error) {
	if strings.Contains(string(b), "Search text: ") {
		close(p.prompted)
	}
	return p.Buffer.Write(b)
}

func TestRunCancelledAtPrompt(t *testing.T) {
	root := newGame(t)
	stdin, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &promptWatch{prompted: make(chan struct{})}
	var stderr bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--color=never", "--progress=none", "-d", root, "--no-dll"}, stdin, stdout, &stderr)
	}()

	// Nothing is ever written to stdin, so the prompt blocks until cancel
	select {
	case <-stdout.prompted:
		cancel()
	case <-time.After(5 * time.Second):
		t.Fatal("prompt was never shown")
	}
	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prompt did not return after cancellation")
	}
	out := stdout.String()
	if !strings.Contains(out, "Search text: ") || !strings.Contains(out, "Search cancelled by user.") {
		t.Errorf("stdout = %q, want the prompt followed by the cancellation message", out)
	}
}

func TestRunMissingDirectory(t *testing.T) {
	res := runCLI(t, context.Background(), "", "-d", filepath.Join(t.TempDir(), "nope"), "-s", "x", "--no-dll")
	if res.code != 1 {
		t.Errorf("exit code = %d, want 1", res.code)
	}
}

func TestRunVersionFlag(t *testing.T) {
	res := runCLI(t, context.Background(), "", "--version")
	if res.code != 0 || res.stdout != "uats 2.0.0\n" {
		t.Errorf("--version = %d %q", res.code, res.stdout)
	}
}

func TestRunBadFlag(t *testing.T) {
	res := runCLI(t, context.Background(), "", "--progress=sometimes")
	if res.code != 1 {
		t.Errorf("exit code = %d, want 1", res.code)
	}
}

func TestRunLogFile(t *testing.T) {
	root := newGame(t)
	writeFile(t, filepath.Join(root, "Game_Data", "broken.bundle"),
		unitytest.Bundle([]unitytest.Node{{Path: "CAB-1", Data: serialized("2021.3.16f1", "x")}}, unitytest.None)[:60])
	logPath := filepath.Join(t.TempDir(), "events.jsonl")

	res := runCLI(t, context.Background(), "", "-d", root, "-s", "traveler", "--log-file", logPath)
	if res.code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stderr, "broken.bundle") {
		t.Errorf("stderr missing decode error:\n%s", res.stderr)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"code":"decode"`) {
		t.Errorf("event file missing decode event:\n%s", data)
	}
}

package scan_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil/ciltest"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/classify"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/diag"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/progress"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/report"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/scan"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs/unitytest"
)

type progressLog struct {
	mu      sync.Mutex
	updates []string
}

func (p *progressLog) Report(current, total int, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, progress.Format(current, total, description))
}

func write(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func textAssetFile(script string) []byte {
	return unitytest.SerializedFile(unitytest.Options{UnityVersion: "2020.3.48f1"}, []unitytest.Object{
		{PathID: 1, ClassID: unityfs.ClassTextAsset, Data: unitytest.TextAsset("lines", script)},
	})
}

// gameDir lays out a small game: two containers, one managed and one native
// DLL, an excluded file and a file that is not Unity data.
func gameDir(t *testing.T) string {
	root := filepath.Join(t.TempDir(), "Game_Data")
	write(t, filepath.Join(root, "level0"), textAssetFile("Hello traveler"))
	write(t, filepath.Join(root, "level1"), textAssetFile("nothing to see"))
	write(t, filepath.Join(root, "Managed", "Assembly-CSharp.dll"), ciltest.Assembly(
		ciltest.Options{ModuleName: "Assembly-CSharp.dll"},
		ciltest.Type{Name: "Npc", Methods: []ciltest.Method{{Name: "Greet", Strings: []string{"hello there", "bye"}}}},
	))
	write(t, filepath.Join(root, "Plugins", "native.dll"), ciltest.Assembly(ciltest.Options{Native: true}))
	write(t, filepath.Join(root, "notes.txt"), []byte("hello"))
	write(t, filepath.Join(root, "junk.bin"), []byte("hello, but not unity data"))
	return root
}

type harness struct {
	rec      *report.Recorder
	engine   *scan.Engine
	lists    classify.Worklists
	progress *progressLog
	console  *bytes.Buffer
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, root string, workers int, withCode bool) *harness {
	t.Helper()
	q := mustQuery(t, "hello")
	stats := report.NewStatistics()
	rec, err := report.Open(report.Options{Root: root, Query: q.String(), Stats: stats})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	lists, err := classify.Collect(root, classify.Options{Skip: rec.Paths().All()})
	require.NoError(t, err)

	var dis scan.Disassembler
	if withCode {
		d, err := cil.New(cil.Options{})
		require.NoError(t, err)
		dis = d
	}

	h := &harness{rec: rec, lists: lists, progress: &progressLog{}, console: &bytes.Buffer{}, logs: &bytes.Buffer{}}
	h.engine = scan.NewEngine(scan.Config{
		Workers:  workers,
		Logger:   diag.New("uats", diag.Debug, h.logs),
		Progress: h.progress,
		Stats:    stats,
		Console:  h.console,
	},
		scan.NewObjectLane(scan.UnityContainers(unityfs.NewDecoder(unityfs.Config{})), q, rec),
		scan.NewCodeLane(dis, q, rec),
	)
	return h
}

func TestEngineSequential(t *testing.T) {
	root := gameDir(t)
	h := newHarness(t, root, 1, true)

	require.Len(t, h.lists.ManagedCode, 2)
	require.Len(t, h.lists.Containers, 3)

	stats, err := h.engine.Run(context.Background(), h.lists)
	require.NoError(t, err)
	require.NoError(t, h.rec.Close())

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Skipped, "native dll and junk.bin")
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 2, stats.Items.Matched)

	sum := h.rec.Summary()
	require.Len(t, sum.Code, 1)
	assert.Equal(t, "Npc", sum.Code[0].Class)
	assert.Equal(t, "hello there", sum.Code[0].Text)
	require.Len(t, sum.Objects, 1)
	assert.Equal(t, filepath.Join(root, "level0"), sum.Objects[0].SourceFile)
	assert.Equal(t, "lines", sum.Objects[0].DisplayName)

	assert.Equal(t, []string{
		"[000001 / 000005] Searching DLL: Assembly-CSharp.dll",
		"[000002 / 000005] Searching DLL: native.dll",
		"[000003 / 000005] Searching asset: junk.bin",
		"[000004 / 000005] Searching asset: level0",
		"[000005 / 000005] Searching asset: level1",
	}, h.progress.updates)
	assert.Equal(t, "Searching DLL files...\nSearching asset files...\n", h.console.String())
	assert.Contains(t, h.logs.String(), "native.dll")
	assert.Contains(t, h.logs.String(), "junk.bin")
	assert.NotContains(t, h.logs.String(), "error:")
}

func TestEngineSingleAssetMatch(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Game_Data")
	write(t, filepath.Join(root, "level0"), textAssetFile("hello"))
	write(t, filepath.Join(root, "level1"), textAssetFile("unrelated"))
	h := newHarness(t, root, 1, true)

	_, err := h.engine.Run(context.Background(), h.lists)
	require.NoError(t, err)
	require.NoError(t, h.rec.Close())

	paths := h.rec.Paths()
	objects, err := os.ReadFile(paths.Objects)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(objects), "\r\n"))

	code, err := os.ReadFile(paths.Code)
	require.NoError(t, err)
	assert.Equal(t, "file_path,class_name,method_name,text\r\n", string(code))

	txt, err := os.ReadFile(paths.Narrative)
	require.NoError(t, err)
	assert.Contains(t, string(txt), "[DLL RESULTS]\nNo results found.\n")
	assert.Equal(t, 1, strings.Count(string(txt), "No results found."))
}

func TestEngineCodeLaneDisabled(t *testing.T) {
	root := gameDir(t)
	h := newHarness(t, root, 1, false)

	stats, err := h.engine.Run(context.Background(), h.lists)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Len(t, h.progress.updates, 3)
	assert.Empty(t, h.rec.Summary().Code)
	assert.Len(t, h.rec.Summary().Objects, 1)
	assert.True(t, h.rec.Stats().CodeLaneOff)
	for _, u := range h.progress.updates {
		assert.NotContains(t, u, "DLL")
	}
}

func TestEngineParallel(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Game_Data")
	for i := range 24 {
		script := "filler"
		if i%3 == 0 {
			script = fmt.Sprintf("HELLO #%d", i)
		}
		write(t, filepath.Join(root, fmt.Sprintf("level%02d", i)), textAssetFile(script))
	}
	h := newHarness(t, root, 4, true)

	stats, err := h.engine.Run(context.Background(), h.lists)
	require.NoError(t, err)
	assert.Equal(t, 24, stats.Scanned)
	assert.Len(t, h.progress.updates, 24)

	var got []string
	for _, m := range h.rec.Summary().Objects {
		got = append(got, filepath.Base(m.SourceFile))
	}
	sort.Strings(got)
	assert.Equal(t, []string{"level00", "level03", "level06", "level09", "level12", "level15", "level18", "level21"}, got)
}

func TestEngineCancelled(t *testing.T) {
	for _, workers := range []int{1, 4} {
		h := newHarness(t, gameDir(t), workers, true)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		stats, err := h.engine.Run(ctx, h.lists)
		assert.ErrorIs(t, err, context.Canceled, "workers=%d", workers)
		assert.Zero(t, stats.Scanned)
		assert.Empty(t, h.rec.Summary().Objects)
	}
}

func TestEngineLogsDecodeFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Game_Data")
	good := textAssetFile("hello")
	bundle := unitytest.Bundle([]unitytest.Node{{Path: "CAB-1", Data: good}}, unitytest.None)
	write(t, filepath.Join(root, "broken.bundle"), bundle[:60])
	write(t, filepath.Join(root, "level0"), good)
	h := newHarness(t, root, 1, true)

	stats, err := h.engine.Run(context.Background(), h.lists)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Scanned)
	assert.Contains(t, h.logs.String(), "error: "+filepath.Join(root, "broken.bundle"))
	assert.Equal(t, 1, h.rec.Stats().FailedFiles)
}

// panickyDecoder crashes on every path containing "bad".
type panickyDecoder struct{}

func (panickyDecoder) Decode(path string) ([]scan.Object, error) {
	if strings.Contains(path, "bad") {
		panic("corrupt table")
	}
	return []scan.Object{fakeObject{typeName: "TextAsset", pathID: 1, raw: []byte("hello")}}, nil
}

func TestEngineRecoversPanics(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			sink := &memSink{}
			logs := &bytes.Buffer{}
			engine := scan.NewEngine(scan.Config{Workers: workers, Logger: diag.New("uats", diag.Debug, logs)},
				scan.NewObjectLane(panickyDecoder{}, mustQuery(t, "hello"), sink), nil)

			var lists classify.Worklists
			for _, name := range []string{"good0", "bad1", "good2", "bad3", "good4"} {
				lists.Containers = append(lists.Containers, classify.FileEntry{Path: name, Kind: classify.Container})
			}

			stats, err := engine.Run(context.Background(), lists)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Scanned)
			assert.Equal(t, 2, stats.Failed)
			assert.Len(t, sink.objects, 3)
			assert.Contains(t, logs.String(), "corrupt table")
		})
	}
}

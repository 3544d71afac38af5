package report

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/search"
)

// FileOutcome is how the scan of one file ended.
type FileOutcome int

const (
	FileScanned FileOutcome = iota
	FileSkipped             // not data this lane can read
	FileFailed
)

// Statistics aggregates run counters. It is safe for concurrent use.
type Statistics struct {
	mu sync.Mutex

	// File counters per lane
	ManagedFiles   int
	ContainerFiles int
	SkippedFiles   int
	FailedFiles    int
	CodeLaneOff    bool

	// Item outcomes across both lanes
	Items ItemCounts

	// Distribution maps
	TypeCounts       map[string]int
	ClassCounts      map[string]int
	ComparisonCounts map[string]int
}

// NewStatistics creates a Statistics instance with initialized maps.
func NewStatistics() *Statistics {
	return &Statistics{
		TypeCounts:       make(map[string]int),
		ClassCounts:      make(map[string]int),
		ComparisonCounts: make(map[string]int),
	}
}

// AddFile counts one finished file of the given lane.
func (s *Statistics) AddFile(managed bool, outcome FileOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if managed {
		s.ManagedFiles++
	} else {
		s.ContainerFiles++
	}
	switch outcome {
	case FileSkipped:
		s.SkippedFiles++
	case FileFailed:
		s.FailedFiles++
	}
}

// ItemCounts tallies per-item outcomes: objects in the asset lane, string
// literals and methods in the DLL lane.
type ItemCounts struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Total is the number of items seen.
func (c ItemCounts) Total() int { return c.Matched + c.Unmatched + c.Skipped + c.Failed }

// Add returns the element-wise sum.
func (c ItemCounts) Add(o ItemCounts) ItemCounts {
	return ItemCounts{
		Matched:   c.Matched + o.Matched,
		Unmatched: c.Unmatched + o.Unmatched,
		Skipped:   c.Skipped + o.Skipped,
		Failed:    c.Failed + o.Failed,
	}
}

// AddItems adds the per-item outcome counts of one file.
func (s *Statistics) AddItems(c ItemCounts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items = s.Items.Add(c)
}

// DisableCodeLane records that the bytecode lane did not run.
func (s *Statistics) DisableCodeLane() {
	s.mu.Lock()
	s.CodeLaneOff = true
	s.mu.Unlock()
}

func (s *Statistics) addObject(m ObjectMatch, via search.Comparison) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TypeCounts[m.TypeName]++
	for _, c := range []search.Comparison{search.ByText, search.ByBytes, search.ByFoldedBytes} {
		if via&c != 0 {
			s.ComparisonCounts[c.String()]++
		}
	}
}

func (s *Statistics) addCode(m CodeMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClassCounts[m.Class]++
}

type classCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// topClasses returns the classes with the most matches, ties by name.
func (s *Statistics) topClasses(n int) []classCount {
	out := make([]classCount, 0, len(s.ClassCounts))
	for c, k := range s.ClassCounts {
		out = append(out, classCount{c, k})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Class < out[j].Class
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Format outputs human-readable statistics to the writer with optional colors
//
//nolint:errcheck // console output is best effort
func (s *Statistics) Format(w io.Writer, useColor bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	header := ColorString("Statistics:", AnsiBold+AnsiCyan, useColor)
	fmt.Fprintf(w, "%s\n", header)

	num := func(n int) string { return ColorString(formatNumber(n), AnsiYellow, useColor) }
	dlls := num(s.ManagedFiles)
	if s.CodeLaneOff {
		dlls = ColorString("disabled", AnsiDim, useColor)
	}
	fmt.Fprintf(w, "  DLL files:         %s\n", dlls)
	fmt.Fprintf(w, "  Asset files:       %s\n", num(s.ContainerFiles))
	fmt.Fprintf(w, "  Skipped files:     %s\n", num(s.SkippedFiles))
	fmt.Fprintf(w, "  Failed files:      %s\n", num(s.FailedFiles))
	fmt.Fprintln(w)

	total := s.Items.Total()
	fmt.Fprintf(w, "  Items checked:     %s\n", num(total))
	for _, row := range []struct {
		label string
		n     int
	}{
		{"Matched", s.Items.Matched},
		{"Unmatched", s.Items.Unmatched},
		{"Skipped", s.Items.Skipped},
		{"Failed", s.Items.Failed},
	} {
		pct := ColorString(fmt.Sprintf("%5.1f%%", percentage(row.n, total)), AnsiGreen, useColor)
		fmt.Fprintf(w, "    %-15s %6s (%s)\n", row.label+":", num(row.n), pct)
	}
	fmt.Fprintln(w)

	if len(s.TypeCounts) > 0 {
		fmt.Fprintf(w, "  %s\n", ColorString("Asset matches by type:", AnsiBold+AnsiCyan, useColor))
		types := make([]string, 0, len(s.TypeCounts))
		for t := range s.TypeCounts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			name := ColorString(t+":", AnsiMagenta, useColor)
			fmt.Fprintf(w, "    %-15s %6s\n", name, num(s.TypeCounts[t]))
		}
		fmt.Fprintln(w)
	}

	if len(s.ComparisonCounts) > 0 {
		fmt.Fprintf(w, "  %s\n", ColorString("Asset matches by comparison:", AnsiBold+AnsiCyan, useColor))
		for _, c := range []string{"text", "bytes", "folded"} {
			if n, ok := s.ComparisonCounts[c]; ok {
				fmt.Fprintf(w, "    %-15s %6s\n", ColorString(c+":", AnsiMagenta, useColor), num(n))
			}
		}
		fmt.Fprintln(w)
	}

	if len(s.ClassCounts) > 0 {
		fmt.Fprintf(w, "  %s\n", ColorString("Top classes:", AnsiBold+AnsiCyan, useColor))
		for _, cc := range s.topClasses(5) {
			fmt.Fprintf(w, "    %s %s\n", num(cc.Count), ColorString(cc.Class, AnsiDim, useColor))
		}
	}
}

// formatNumber adds thousand separators to numbers
func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	str := fmt.Sprintf("%d", n)
	var result []byte
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(digit))
	}
	return string(result)
}

// percentage calculates percentage with 1 decimal place
func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) * 100.0 / float64(total)
}

// toMap renders the counters for the JSON summary.
func (s *Statistics) toMap() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	output := map[string]any{
		"dll_files":       s.ManagedFiles,
		"asset_files":     s.ContainerFiles,
		"skipped_files":   s.SkippedFiles,
		"failed_files":    s.FailedFiles,
		"items":           s.Items,
		"dll_lane_active": !s.CodeLaneOff,
	}
	if len(s.TypeCounts) > 0 {
		output["type_distribution"] = s.TypeCounts
	}
	if len(s.ComparisonCounts) > 0 {
		output["comparison_distribution"] = s.ComparisonCounts
	}
	if len(s.ClassCounts) > 0 {
		output["top_classes"] = s.topClasses(5)
	}
	return output
}

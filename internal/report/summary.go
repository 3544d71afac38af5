package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Summary is the outcome of a finished run.
type Summary struct {
	Query        string
	Root         string
	UnityVersion string
	Objects      []ObjectMatch
	Code         []CodeMatch
	// Outputs lists the narrative sink and every CSV sink with data rows.
	Outputs []string

	stats *Statistics
}

// Format prints the console summary block.
//
//nolint:errcheck // console output is best effort
func (s Summary) Format(w io.Writer, useColor bool) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintln(w, ColorString("Search completed!", AnsiBold+AnsiGreen, useColor))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "DLL results: %s\n", ColorString(fmt.Sprint(len(s.Code)), AnsiYellow, useColor))
	fmt.Fprintf(w, "Asset results: %s\n", ColorString(fmt.Sprint(len(s.Objects)), AnsiYellow, useColor))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Output files:")
	for _, p := range s.Outputs {
		fmt.Fprintf(w, "  - %s\n", ColorString(p, AnsiCyan, useColor))
	}
}

// jsonSummary is the machine-readable form of a Summary.
type jsonSummary struct {
	Query        string         `json:"query"`
	Root         string         `json:"directory"`
	UnityVersion string         `json:"unity_version,omitempty"`
	DLLResults   []CodeMatch    `json:"dll_results"`
	AssetResults []ObjectMatch  `json:"asset_results"`
	Outputs      []string       `json:"output_files"`
	Stats        map[string]any `json:"stats,omitempty"`
}

// JSON renders the summary, including every record, as indented JSON.
func (s Summary) JSON() ([]byte, error) {
	out := jsonSummary{
		Query:        s.Query,
		Root:         s.Root,
		UnityVersion: s.UnityVersion,
		DLLResults:   s.Code,
		AssetResults: s.Objects,
		Outputs:      s.Outputs,
	}
	if out.DLLResults == nil {
		out.DLLResults = []CodeMatch{}
	}
	if out.AssetResults == nil {
		out.AssetResults = []ObjectMatch{}
	}
	if s.stats != nil {
		out.Stats = s.stats.toMap()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	return data, nil
}

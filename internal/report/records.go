// Package report owns the run's output sinks: the two CSV tables, the
// narrative text file and the console summary.
package report

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// ObjectMatch is one matching object of the container lane.
type ObjectMatch struct {
	SourceFile  string `json:"file_path"`
	Container   string `json:"assets_name"`
	PathID      int64  `json:"path_id"`
	TypeName    string `json:"type_name"`
	DisplayName string `json:"obj_name"`
}

// Line is the live and narrative form of the match.
func (m ObjectMatch) Line() string {
	return fmt.Sprintf("Found! | file_path: %s | assets_name: %s | path_id: %d | type_name: %s | obj_name: %s",
		m.SourceFile, m.Container, m.PathID, m.TypeName, m.DisplayName)
}

func (m ObjectMatch) row() []string {
	return []string{m.SourceFile, m.Container, strconv.FormatInt(m.PathID, 10), m.TypeName, m.DisplayName}
}

var objectHeader = []string{"file_path", "assets_name", "path_id", "type_name", "obj_name"}

// CodeMatch is one matching string literal of the bytecode lane.
type CodeMatch struct {
	SourceFile string `json:"file_path"`
	Class      string `json:"class_name"`
	Method     string `json:"method_name"`
	Text       string `json:"text"` // sanitized
}

// Line is the live and narrative form of the match.
func (m CodeMatch) Line() string {
	return fmt.Sprintf("Found! | File: %s | Class: %s | Method: %s | Text: %s",
		filepath.Base(m.SourceFile), m.Class, m.Method, m.Text)
}

func (m CodeMatch) row() []string {
	return []string{m.SourceFile, m.Class, m.Method, m.Text}
}

var codeHeader = []string{"file_path", "class_name", "method_name", "text"}

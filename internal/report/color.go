package report

import (
	"fmt"
	"os"
	"strings"
)

// ANSI color codes for terminal output.
const (
	// AnsiReset resets all color and style attributes.
	AnsiReset = "\x1b[0m"
	// AnsiCyan sets text color to cyan.
	AnsiCyan = "\x1b[36m"
	// AnsiYellow sets text color to yellow.
	AnsiYellow = "\x1b[33m"
	// AnsiGreen sets text color to green.
	AnsiGreen = "\x1b[32m"
	// AnsiMagenta sets text color to magenta.
	AnsiMagenta = "\x1b[35m"
	// AnsiDim sets text to dim/faint.
	AnsiDim = "\x1b[2m"
	// AnsiBold sets text to bold.
	AnsiBold = "\x1b[1m"
)

// ColorMode selects when console output is colored.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseColorMode maps auto, always and never to a ColorMode.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q", s)
	}
}

// ShouldUseColor determines if colored output should be used based on the mode,
// NO_COLOR environment variable, and whether stdout is a TTY.
func ShouldUseColor(mode ColorMode) bool {
	// Respect NO_COLOR environment variable (https://no-color.org/)
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	switch mode {
	case ColorNever:
		return false
	case ColorAlways:
		return true
	case ColorAuto:
		return IsTerminal(os.Stdout)
	default:
		return false
	}
}

// IsTerminal checks if the given file is a character device.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// ColorString wraps a string with ANSI color codes if colors are enabled.
func ColorString(s, colorCode string, enabled bool) string {
	if !enabled || s == "" {
		return s
	}
	return colorCode + s + AnsiReset
}

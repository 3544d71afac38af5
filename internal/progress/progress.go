// Package progress reports scan progress to the console. Reporters are
// advisory: they never fail and never affect the scan.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// CompleteTitle is shown once the run is over.
const CompleteTitle = "Unity Asset Text Searcher - Complete"

// Reporter receives "current of total" updates.
type Reporter interface {
	Report(current, total int, description string)
}

// Nop discards updates.
type Nop struct{}

// Report does nothing.
func (Nop) Report(int, int, string) {}

// Format renders an update the way every console reporter shows it.
func Format(current, total int, description string) string {
	return fmt.Sprintf("[%06d / %06d] %s", current, total, description)
}

// Title sets the terminal window title with an OSC escape sequence.
type Title struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTitle returns a Title writing to w, which should be a terminal.
func NewTitle(w io.Writer) *Title {
	return &Title{w: w}
}

// Report sets the title to the formatted update.
func (t *Title) Report(current, total int, description string) {
	t.set(Format(current, total, description))
}

// Finish sets a final title.
func (t *Title) Finish(title string) {
	t.set(title)
}

func (t *Title) set(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.w, "\x1b]0;%s\x07", title)
}

// DefaultInterval throttles Line redraws.
const DefaultInterval = 100 * time.Millisecond

// Line redraws a single status line in place. Updates arriving faster than
// the interval are dropped, except the last one of a run.
type Line struct {
	mu       sync.Mutex
	w        io.Writer
	interval time.Duration
	last     time.Time
	drawn    bool
	now      func() time.Time
}

// NewLine returns a Line writing to w. A zero interval uses DefaultInterval.
func NewLine(w io.Writer, interval time.Duration) *Line {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Line{w: w, interval: interval, now: time.Now}
}

// Report redraws the line unless the previous draw was too recent.
func (l *Line) Report(current, total int, description string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.drawn && current < total && now.Sub(l.last) < l.interval {
		return
	}
	l.last = now
	l.drawn = true
	_, _ = fmt.Fprintf(l.w, "\r\x1b[K%s", Format(current, total, description))
}

// Clear erases the line if anything was drawn.
func (l *Line) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drawn {
		_, _ = io.WriteString(l.w, "\r\x1b[K")
		l.drawn = false
	}
}

// Finish clears the line.
func (l *Line) Finish(string) { l.Clear() }

// Finisher is implemented by reporters that leave a final state behind.
type Finisher interface {
	Finish(description string)
}

// Finish calls r.Finish when r implements Finisher.
func Finish(r Reporter, description string) {
	if f, ok := r.(Finisher); ok {
		f.Finish(description)
	}
}

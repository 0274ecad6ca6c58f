// Package cli renders build progress events to a terminal. No pack example
// carries source for a dedicated progress-bar dependency (cheggaaa/pb shows
// up only in three go.mod manifests, no call sites), so this renderer is a
// small hand-rolled line-per-element writer using golang.org/x/term the way
// the teacher already does for terminal size/TTY detection.
package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/goldboot/goldboot/progress"
	"github.com/goldboot/goldboot/progress/build"
)

// Renderer prints one line per element, rewritten in place when stdout is
// a terminal, or appended as a log when it isn't (CI, redirected output).
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	isTTY    bool
	lines    map[string]string
	order    []string
}

// NewRenderer builds a progress.Tracker that writes to w.
func NewRenderer(w io.Writer) *Renderer {
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return &Renderer{out: w, isTTY: isTTY, lines: make(map[string]string)}
}

// Tracker adapts Renderer to progress.Tracker.
func (r *Renderer) Tracker() progress.Tracker {
	return progress.NewTracker(r.onEvent)
}

func (r *Renderer) onEvent(e build.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := formatLine(e)
	if _, seen := r.lines[e.ElementName]; !seen {
		r.order = append(r.order, e.ElementName)
	}
	r.lines[e.ElementName] = line

	if !r.isTTY {
		fmt.Fprintln(r.out, line) //nolint:errcheck
		return
	}
	r.redraw()
}

// redraw rewrites every tracked element's line. Cursor-up-N is the
// simplest multi-line in-place update; it assumes the renderer owns the
// terminal region below its own first write, which holds for goldboot's
// single build command invocation.
func (r *Renderer) redraw() {
	if len(r.order) > 1 {
		fmt.Fprintf(r.out, "\033[%dA", len(r.order)-1) //nolint:errcheck
	}
	for _, name := range r.order {
		fmt.Fprintf(r.out, "\r\033[K%s\n", r.lines[name]) //nolint:errcheck
	}
}

func formatLine(e build.Event) string {
	switch e.Phase {
	case build.PhaseSourceDownload:
		if e.BytesTotal > 0 {
			pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
			return fmt.Sprintf("[%s] downloading source: %.1f%%", e.ElementName, pct)
		}
		return fmt.Sprintf("[%s] downloading source: %d bytes", e.ElementName, e.BytesDone)
	case build.PhaseQemuLaunch:
		return fmt.Sprintf("[%s] starting QEMU", e.ElementName)
	case build.PhaseVncAutomation:
		return fmt.Sprintf("[%s] running boot commands", e.ElementName)
	case build.PhaseSshProvision:
		return fmt.Sprintf("[%s] provisioning: %s", e.ElementName, e.Message)
	case build.PhaseGbfEncode:
		return fmt.Sprintf("[%s] encoding: cluster %d/%d", e.ElementName, e.ClusterIndex, e.ClusterTotal)
	case build.PhaseDone:
		return fmt.Sprintf("[%s] done", e.ElementName)
	case build.PhaseFailed:
		return fmt.Sprintf("[%s] failed: %s", e.ElementName, e.Message)
	default:
		return fmt.Sprintf("[%s] %v", e.ElementName, e.Phase)
	}
}

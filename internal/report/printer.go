// Package report renders per-file results and the end-of-run summary.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ipsix/avsweep/internal/scan"
	"github.com/ipsix/avsweep/internal/walker"
)

type PrinterOptions struct {
	Color bool
	// InfectedOnly hides clean results.
	InfectedOnly bool
}

// Printer writes one line per result. It is safe for concurrent use.
type Printer struct {
	w    io.Writer
	opts PrinterOptions
	mu   sync.Mutex

	ok, bad, warn lipgloss.Style
}

func NewPrinter(w io.Writer, opts PrinterOptions) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{w: w, opts: opts}
	if opts.Color {
		p.ok = r.NewStyle().Foreground(lipgloss.Color("10"))
		p.bad = r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
		p.warn = r.NewStyle().Foreground(lipgloss.Color("11"))
	} else {
		p.ok, p.bad, p.warn = r.NewStyle(), r.NewStyle(), r.NewStyle()
	}
	return p
}

// ColorEnabled reports whether f should get colored output: it must be a
// terminal, noColor must be unset and so must NO_COLOR.
func ColorEnabled(f *os.File, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" || f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (p *Printer) Result(r scan.Result) {
	var line string
	switch r.Kind {
	case scan.Clean:
		if p.opts.InfectedOnly {
			return
		}
		line = r.Path + ": " + p.ok.Render("OK")
	case scan.Infected:
		line = p.bad.Render(r.Path + ": " + r.Signature + " FOUND")
	case scan.EngineError:
		line = r.Path + ": " + p.warn.Render("ERROR "+r.Message)
	case scan.FileUnreadable:
		line = r.Path + ": " + p.warn.Render("UNREADABLE "+r.Message)
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func (p *Printer) Warning(w walker.Warning) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.warn.Render("WARNING "+w.Error()))
}

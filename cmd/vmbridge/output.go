package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/vmbridge/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	addrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// printer writes run reports, styled only when the output is a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	f, ok := w.(*os.File)
	return &printer{w: w, color: ok && term.IsTerminal(int(f.Fd()))}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) line(s string) {
	fmt.Fprintln(p.w, s)
}

func (p *printer) header(title, sub string) {
	fmt.Fprintf(p.w, "%s %s\n\n", p.style(titleStyle, title), sub)
}

func (p *printer) result(res engine.Result) {
	p.line(formatResult(res, p.style))
}

func formatResult(res engine.Result, style func(lipgloss.Style, string) string) string {
	if res.OK() {
		return style(resultStyle, fmt.Sprintf("status ok, value %d (%#x)", res.Value, res.Value))
	}
	return style(errorStyle, fmt.Sprintf("status %s (%d): %v", res.Status, int32(res.Status), res.Fault))
}

func (p *printer) verdict(n int, tos uint8, accepted bool, avg uint32) {
	v := p.style(errorStyle, "drop  ")
	if accepted {
		v = p.style(resultStyle, "accept")
	}
	fmt.Fprintf(p.w, "packet %2d  tos %3d  %s  avg %d\n", n, tos, v, avg)
}

func (p *printer) dump(label string, base uint64, data []byte) {
	fmt.Fprintf(p.w, "\n%s (%d bytes)\n", p.style(helpStyle, label), len(data))
	p.line(formatDump(base, data, p.style))
}

func formatDump(base uint64, data []byte, style func(lipgloss.Style, string) string) string {
	const row = 16
	var out string
	for off := 0; off < len(data); off += row {
		end := min(off+row, len(data))
		if off > 0 {
			out += "\n"
		}
		out += style(addrStyle, fmt.Sprintf("%08x", base+uint64(off))) + "  " + hex.EncodeToString(data[off:end])
	}
	return out
}

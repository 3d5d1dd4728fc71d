package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	nameStyle  = lipgloss.NewStyle().Bold(true).Width(12)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func style(s lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return s.Render(text)
}

func pad(text string, width int) string {
	if n := width - lipgloss.Width(text); n > 0 {
		return text + strings.Repeat(" ", n)
	}
	return text
}

func printBanner(w io.Writer, listeners []*listener, daemon bool) {
	mode := "foreground"
	if daemon {
		mode = "daemon"
	}
	fmt.Fprintln(w, style(titleStyle, fmt.Sprintf("icslisten %s", version))+" "+style(dimStyle, "("+mode+")"))
	for _, l := range listeners {
		fmt.Fprintf(w, "  %s %s\n", pad(style(nameStyle, l.name), 12), style(dimStyle, l.network+" "+l.addr.String()))
	}
	fmt.Fprintf(w, "All %d listeners started. Press Ctrl+C to stop.\n", len(listeners))
}

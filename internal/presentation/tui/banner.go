package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the dialtone banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"      _ _       _ _                   ", "#22d3ee"},
		{"   __| (_) __ _| | |_ ___  _ __   ___ ", "#38bdf8"},
		{"  / _` | |/ _` | | __/ _ \\| '_ \\ / _ \\", "#60a5fa"},
		{" | (_| | | (_| | | || (_) | | | |  __/", "#818cf8"},
		{"  \\__,_|_|\\__,_|_|\\__\\___/|_| |_|\\___|", "#a78bfa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

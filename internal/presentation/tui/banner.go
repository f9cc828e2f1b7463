package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the itinerary ASCII art banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct{ text, color string }{
		{` _ _   _                               `, "#34d399"},
		{`(_) |_(_)_ __   ___ _ __ __ _ _ __ _   _ `, "#2dd4bf"},
		{`| | __| | '_ \ / _ \ '__/ _` + "`" + ` | '__| | | |`, "#22d3ee"},
		{`| | |_| | | | |  __/ | | (_| | |  | |_| |`, "#38bdf8"},
		{`|_|\__|_|_| |_|\___|_|  \__,_|_|   \__, |`, "#60a5fa"},
		{`                                   |___/ `, "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, p.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"mdmview/internal/table"
)

var (
	toneGood = color.New(color.FgGreen).SprintFunc()
	toneBad  = color.New(color.FgRed).SprintFunc()
	header   = color.New(color.FgWhite, color.Underline).SprintFunc()
)

const columnGap = "  "

// writeTable prints a rendered page as aligned columns.
// Widths are measured on the plain text so colour codes do not break alignment.
func writeTable[T any](w io.Writer, page table.Page[T]) {
	widths := make([]int, len(page.Headers))
	for i, h := range page.Headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range page.Rows {
		for i, cell := range row.Cells {
			widths[i] = max(widths[i], runewidth.StringWidth(cell.Text))
		}
	}

	parts := make([]string, len(page.Headers))
	for i, h := range page.Headers {
		parts[i] = header(runewidth.FillRight(h, widths[i]))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, columnGap), " "))

	for _, row := range page.Rows {
		for i, cell := range row.Cells {
			parts[i] = paint(cell.Tone, runewidth.FillRight(cell.Text, widths[i]))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, columnGap), " "))
	}
}

func paint(tone table.Tone, text string) string {
	switch tone {
	case table.ToneGood:
		return toneGood(text)
	case table.ToneBad:
		return toneBad(text)
	default:
		return text
	}
}

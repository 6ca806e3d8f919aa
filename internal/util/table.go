package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table. Rows are looked up by Key.
type TableColumn struct {
	Header string
	Key    string
	// AlignRight pads on the left, for numbers.
	AlignRight bool
}

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// RenderTable writes rows under a header and a dashed rule, sizing every
// column to its widest cell. Colour escapes do not count towards width.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]interface{}) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cells := make([][]string, len(rows))
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = displayWidth(col.Header)
	}
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col.Key]; ok && v != nil {
				cells[r][i] = fmt.Sprint(v)
			}
			widths[i] = max(widths[i], displayWidth(cells[r][i]))
		}
	}

	line := func(values []string, right func(int) bool) {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = pad(v, widths[i], right(i))
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
	headers := make([]string, len(columns))
	rules := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
		rules[i] = strings.Repeat("-", widths[i])
	}
	left := func(int) bool { return false }
	line(headers, left)
	line(rules, left)
	for _, row := range cells {
		line(row, func(i int) bool { return columns[i].AlignRight })
	}
}

func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

func pad(s string, width int, right bool) string {
	n := width - displayWidth(s)
	if n <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", n) + s
	}
	return s + strings.Repeat(" ", n)
}

package relay

import (
	"fmt"
	"strings"
)

// FormatReply makes agent markdown readable in the chat client: tables are
// flattened to bullet lists and runs of blank lines collapse to one.
func FormatReply(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if !isTableRow(lines[i]) {
			out = append(out, strings.TrimRight(lines[i], " \t"))
			i++
			continue
		}
		j := i
		var table [][]string
		for j < len(lines) && isTableRow(lines[j]) {
			table = append(table, tableCells(lines[j]))
			j++
		}
		if len(table) < 2 {
			out = append(out, strings.TrimSpace(lines[i]))
		} else {
			out = append(out, flattenTable(table)...)
		}
		i = j
	}
	return collapseBlankLines(out)
}

func isTableRow(line string) bool {
	s := strings.TrimSpace(line)
	return strings.HasPrefix(s, "|") && strings.Count(s, "|") >= 2
}

func tableCells(line string) []string {
	s := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(s, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(strings.ReplaceAll(p, "**", ""))
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

func flattenTable(table [][]string) []string {
	header := table[0]
	rows := table[1:]
	if isSeparatorRow(header) {
		header, rows = nil, table[1:]
	}
	var out []string
	for _, row := range rows {
		if isSeparatorRow(row) || len(row) == 0 {
			continue
		}
		if len(row) == 1 {
			out = append(out, "• "+row[0])
			continue
		}
		if len(row) == 2 {
			out = append(out, fmt.Sprintf("• %s: %s", row[0], row[1]))
			continue
		}
		parts := make([]string, 0, len(row)-1)
		for k, cell := range row[1:] {
			if cell == "" {
				continue
			}
			if k+1 < len(header) && header[k+1] != "" {
				parts = append(parts, header[k+1]+": "+cell)
			} else {
				parts = append(parts, cell)
			}
		}
		out = append(out, fmt.Sprintf("• %s (%s)", row[0], strings.Join(parts, "; ")))
	}
	return out
}

func collapseBlankLines(lines []string) string {
	var b strings.Builder
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			b.WriteString("\n")
			continue
		}
		blank = false
		b.WriteString(l)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

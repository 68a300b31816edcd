package cmd

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn is one column of renderTable output.
type TableColumn struct {
	Header string
	Key    string // key into each row
	Width  int
}

// renderTable writes rows as space padded columns sized to their widest cell.
func renderTable(w io.Writer, columns []TableColumn, rows []map[string]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range rows {
			if n := len(row[columns[i].Key]); n > columns[i].Width {
				columns[i].Width = n
			}
		}
	}

	line := func(cell func(TableColumn) string) {
		parts := make([]string, 0, len(columns))
		for _, col := range columns {
			parts = append(parts, fmt.Sprintf("%-*s", col.Width, cell(col)))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}

	line(func(c TableColumn) string { return c.Header })
	line(func(c TableColumn) string { return strings.Repeat("-", c.Width) })
	for _, row := range rows {
		line(func(c TableColumn) string { return row[c.Key] })
	}
}

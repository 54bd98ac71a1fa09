// Package table is the in-memory tabular model shared by the mapping pipeline
// and by generated conversion code.
//
// Generated code sees exactly this package: a conversion is a function
// func(table.Table) (table.Table, error).
package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Table is a named, ordered collection of rows with a fixed column order.
//
// Every cell is a string; CSV does not carry types. Rows[i][j] is the value of
// Columns[j] in row i.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// New returns an empty table with the given columns.
func New(name string, columns ...string) Table {
	return Table{
		Name:    name,
		Columns: append([]string(nil), columns...),
	}
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of col, or -1 when the column is absent.
func (t Table) Index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether col is a column of t.
func (t Table) Has(col string) bool {
	return t.Index(col) >= 0
}

// Value returns the cell at row for col. Missing columns and out-of-range rows
// yield "".
func (t Table) Value(row int, col string) string {
	if row < 0 || row >= len(t.Rows) {
		return ""
	}
	i := t.Index(col)
	if i < 0 || i >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][i]
}

// First returns the value of the first column in cols that exists in t.
//
// It is the runtime resolution of a one-to-many mapping: any one of several
// acceptable source columns may be present in a given upload.
func (t Table) First(row int, cols ...string) (string, bool) {
	for _, c := range cols {
		if t.Has(c) {
			return t.Value(row, c), true
		}
	}
	return "", false
}

// Append adds a row given as column -> value. Unknown keys are ignored and
// missing columns are left empty.
func (t *Table) Append(values map[string]string) {
	row := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		row[i] = values[c]
	}
	t.Rows = append(t.Rows, row)
}

// Clone returns a deep copy of t.
func (t Table) Clone() Table {
	out := Table{
		Name:    t.Name,
		Columns: append([]string(nil), t.Columns...),
	}
	if t.Rows != nil {
		out.Rows = make([][]string, len(t.Rows))
		for i, r := range t.Rows {
			out.Rows[i] = append([]string(nil), r...)
		}
	}
	return out
}

// Validate checks shape only: at least one column, unique non-empty column
// names and rectangular rows.
func (t Table) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for i, c := range t.Columns {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("table %q: column %d has an empty name", t.Name, i+1)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("table %q: duplicate column %q", t.Name, c)
		}
		seen[c] = struct{}{}
	}
	for i, r := range t.Rows {
		if len(r) != len(t.Columns) {
			return fmt.Errorf("table %q: row %d has %d cells, want %d", t.Name, i+1, len(r), len(t.Columns))
		}
	}
	return nil
}

// WriteCSV writes t as CSV with a header row.
func WriteCSV(w io.Writer, t Table) error {
	return writeCSV(w, t, -1)
}

// Text renders the header and the first maxRows rows as CSV text. maxRows <= 0
// renders every row.
func (t Table) Text(maxRows int) string {
	var buf bytes.Buffer
	if err := writeCSV(&buf, t, maxRows); err != nil {
		// bytes.Buffer writes do not fail; keep the signature simple.
		return ""
	}
	return buf.String()
}

func writeCSV(w io.Writer, t Table, maxRows int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for i, r := range t.Rows {
		if maxRows > 0 && i >= maxRows {
			break
		}
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename is the deterministic download name for a run role, e.g. table_a.csv.
func Filename(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = "out"
	}
	return "table_" + role + ".csv"
}

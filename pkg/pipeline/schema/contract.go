// Package schema compares converted tables with the template they target.
//
// Nothing here is enforced: a report is an inspection aid shown next to the
// converted output, and a mismatch never fails a run.
package schema

import (
	"github.com/shpitdev/smartmap/pkg/table"
)

// Field is one template column and its first example value.
type Field struct {
	Name    string `json:"name"`
	Example string `json:"example,omitempty"`
}

// Contract is the column contract implied by a template table.
type Contract struct {
	Fields []Field `json:"fields"`
}

// Report lists differences between a converted table and a contract.
type Report struct {
	Missing      []string `json:"missing,omitempty"`
	Extra        []string `json:"extra,omitempty"`
	OrderMatches bool     `json:"order_matches"`
	// EmptyColumns are contract columns present in the output whose every
	// value is empty, which usually means the column was left unmapped.
	EmptyColumns []string `json:"empty_columns,omitempty"`
	Rows         int      `json:"rows"`
}

// OK reports whether the converted table has exactly the contract columns in
// contract order.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && r.OrderMatches
}

// FromTemplate derives the contract of a template table.
func FromTemplate(t table.Table) Contract {
	c := Contract{Fields: make([]Field, 0, len(t.Columns))}
	for _, col := range t.Columns {
		c.Fields = append(c.Fields, Field{Name: col, Example: t.Value(0, col)})
	}
	return c
}

// Names returns the contract column names in order.
func (c Contract) Names() []string {
	out := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Check compares out against the contract.
func (c Contract) Check(out table.Table) Report {
	r := Report{Rows: out.Len()}

	want := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		want[f.Name] = struct{}{}
		if !out.Has(f.Name) {
			r.Missing = append(r.Missing, f.Name)
			continue
		}
		if out.Len() > 0 && allEmpty(out, f.Name) {
			r.EmptyColumns = append(r.EmptyColumns, f.Name)
		}
	}
	for _, col := range out.Columns {
		if _, ok := want[col]; !ok {
			r.Extra = append(r.Extra, col)
		}
	}

	names := c.Names()
	r.OrderMatches = len(names) == len(out.Columns)
	if r.OrderMatches {
		for i := range names {
			if names[i] != out.Columns[i] {
				r.OrderMatches = false
				break
			}
		}
	}
	return r
}

// Compare is shorthand for FromTemplate(template).Check(converted).
func Compare(template, converted table.Table) Report {
	return FromTemplate(template).Check(converted)
}

func allEmpty(t table.Table, col string) bool {
	for i := 0; i < t.Len(); i++ {
		if t.Value(i, col) != "" {
			return false
		}
	}
	return true
}

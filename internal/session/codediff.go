package session

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// DiffLine is one line of a code edit diff.
type DiffLine struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// CodeDiff compares generated code with the user's edit, line by line.
type CodeDiff struct {
	Added   int        `json:"added"`
	Removed int        `json:"removed"`
	Lines   []DiffLine `json:"lines,omitempty"`
}

// Changed reports whether any line differs.
func (d CodeDiff) Changed() bool {
	return d.Added > 0 || d.Removed > 0
}

// Summary is a one-line description such as "+3 -1".
func (d CodeDiff) Summary() string {
	return fmt.Sprintf("+%d -%d", d.Added, d.Removed)
}

// Unified renders changed lines with +/- markers and unchanged ones with a
// leading space.
func (d CodeDiff) Unified() string {
	var b strings.Builder
	for _, l := range d.Lines {
		switch l.Type {
		case LineAdded:
			b.WriteString("+")
		case LineRemoved:
			b.WriteString("-")
		default:
			b.WriteString(" ")
		}
		b.WriteString(l.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func diffCode(before, after string) CodeDiff {
	beforeRunes, afterRunes, lines := linesToRunes(before, after)
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(beforeRunes, afterRunes, false)

	var out CodeDiff
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		for _, r := range d.Text {
			line := lines[r]
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				out.Lines = append(out.Lines, DiffLine{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				out.Lines = append(out.Lines, DiffLine{Type: LineRemoved, Text: line, OldLine: oldLine})
				out.Removed++
				oldLine++
			case diffmatchpatch.DiffInsert:
				out.Lines = append(out.Lines, DiffLine{Type: LineAdded, Text: line, NewLine: newLine})
				out.Added++
				newLine++
			}
		}
	}
	return out
}

// linesToRunes maps every distinct line to one rune so the diff runs over
// whole lines. DiffLinesToChars in go-diff v1.3.1 encodes line numbers as
// comma-separated decimals, which DiffMain then splits mid-number.
func linesToRunes(before, after string) ([]rune, []rune, map[rune]string) {
	lines := make(map[rune]string)
	index := make(map[string]rune)
	next := rune(1)
	encode := func(text string) []rune {
		text = strings.TrimSuffix(text, "\n")
		if text == "" {
			return nil
		}
		parts := strings.Split(text, "\n")
		out := make([]rune, len(parts))
		for i, line := range parts {
			r, ok := index[line]
			if !ok {
				r = next
				next++
				// Surrogates do not survive the rune to string round trip.
				if next == 0xD800 {
					next = 0xE000
				}
				index[line] = r
				lines[r] = line
			}
			out[i] = r
		}
		return out
	}
	return encode(before), encode(after), lines
}

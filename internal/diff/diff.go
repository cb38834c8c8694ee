// Package diff compares two byte contents line by line. Used to render
// what changed between the objects a patch revision points at.
package diff

import (
	"bytes"
	"fmt"

	"github.com/fatih/color"
)

// LineKind classifies one diff line.
type LineKind int

const (
	Context LineKind = iota
	Addition
	Deletion
)

// Line is a single line of output with its origin line numbers.
// OldNum or NewNum is zero when the line exists on one side only.
type Line struct {
	Kind    LineKind
	Content string
	OldNum  int
	NewNum  int
}

// Hunk is a contiguous run of changed lines plus surrounding context.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Result is a complete comparison.
type Result struct {
	Hunks     []Hunk
	Additions int
	Deletions int
}

// Changed reports whether the contents differ.
func (r *Result) Changed() bool {
	return len(r.Hunks) > 0
}

// Engine computes line diffs with a fixed amount of context.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{contextLines: contextLines}
}

// Compare diffs old against new using a longest-common-subsequence walk.
func (e *Engine) Compare(oldContent, newContent []byte) *Result {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	lcs := lcsMatrix(oldLines, newLines)
	edits := backtrack(oldLines, newLines, lcs)

	result := &Result{Hunks: e.group(edits, len(oldLines))}
	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Kind {
			case Addition:
				result.Additions++
			case Deletion:
				result.Deletions++
			}
		}
	}
	return result
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

func lcsMatrix(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}
	for i := 1; i <= len(oldLines); i++ {
		for j := 1; j <= len(newLines); j++ {
			if bytes.Equal(oldLines[i-1], newLines[j-1]) {
				matrix[i][j] = matrix[i-1][j-1] + 1
			} else {
				matrix[i][j] = max(matrix[i-1][j], matrix[i][j-1])
			}
		}
	}
	return matrix
}

// backtrack walks the LCS matrix from the bottom right, emitting every
// line in order with its classification.
func backtrack(oldLines, newLines [][]byte, lcs [][]int) []Line {
	var reversed []Line
	i, j := len(oldLines), len(newLines)

	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(oldLines[i-1], newLines[j-1]):
			reversed = append(reversed, Line{Kind: Context, Content: string(oldLines[i-1]), OldNum: i, NewNum: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			reversed = append(reversed, Line{Kind: Addition, Content: string(newLines[j-1]), NewNum: j})
			j--
		default:
			reversed = append(reversed, Line{Kind: Deletion, Content: string(oldLines[i-1]), OldNum: i})
			i--
		}
	}

	lines := make([]Line, len(reversed))
	for k, line := range reversed {
		lines[len(reversed)-1-k] = line
	}
	return lines
}

// group collapses the full line stream into hunks, keeping contextLines
// of unchanged text around each run of changes.
func (e *Engine) group(lines []Line, oldLen int) []Hunk {
	changed := make([]bool, len(lines))
	for k, line := range lines {
		if line.Kind != Context {
			changed[k] = true
		}
	}

	// A line is kept if it is within contextLines of a change.
	keep := make([]bool, len(lines))
	for k := range lines {
		if !changed[k] {
			continue
		}
		lo := max(0, k-e.contextLines)
		hi := min(len(lines)-1, k+e.contextLines)
		for n := lo; n <= hi; n++ {
			keep[n] = true
		}
	}

	var hunks []Hunk
	var current *Hunk
	for k, line := range lines {
		if !keep[k] {
			if current != nil {
				hunks = append(hunks, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &Hunk{
				OldStart: oldStartFor(lines, k, oldLen),
				NewStart: newStartFor(lines, k),
			}
		}
		current.Lines = append(current.Lines, line)
		if line.Kind != Addition {
			current.OldLines++
		}
		if line.Kind != Deletion {
			current.NewLines++
		}
	}
	if current != nil {
		hunks = append(hunks, *current)
	}
	return hunks
}

func oldStartFor(lines []Line, k, oldLen int) int {
	for ; k < len(lines); k++ {
		if lines[k].OldNum > 0 {
			return lines[k].OldNum
		}
	}
	return oldLen
}

func newStartFor(lines []Line, k int) int {
	for ; k < len(lines); k++ {
		if lines[k].NewNum > 0 {
			return lines[k].NewNum
		}
	}
	return 0
}

// Format renders the diff in unified style. Colored output adds the
// usual green/red markers for terminals.
func (r *Result) Format(colored bool) string {
	add := func(s string) string { return s }
	del := add
	head := add
	if colored {
		// Wrapped with %s so % in diffed content is never treated as a
		// format verb.
		add = func(s string) string { return color.GreenString("%s", s) }
		del = func(s string) string { return color.RedString("%s", s) }
		head = func(s string) string { return color.CyanString("%s", s) }
	}

	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		buf.WriteString(head(fmt.Sprintf("@@ -%d,%d +%d,%d @@", hunk.OldStart, hunk.OldLines, hunk.NewStart, hunk.NewLines)))
		buf.WriteByte('\n')

		for _, line := range hunk.Lines {
			switch line.Kind {
			case Addition:
				buf.WriteString(add("+" + line.Content))
			case Deletion:
				buf.WriteString(del("-" + line.Content))
			case Context:
				buf.WriteString(" " + line.Content)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

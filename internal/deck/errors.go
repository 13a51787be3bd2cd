package deck

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// ParseError represents a deck authoring error with source context.
type ParseError struct {
	File    string // Source file path
	Line    int    // Line number (1-indexed)
	Column  int    // Column number (1-indexed, optional)
	Message string // Error message
	Hint    string // Helpful suggestion
	Related string // Related information (e.g., "deck 'life' defined in life.md")

	source []byte
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Format()
}

// Format returns the message with a few lines of surrounding source.
func (e *ParseError) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Error in %s\n\n", e.File)
	fmt.Fprintf(&b, "Line %d: %s\n", e.Line, e.Message)

	if context := e.codeContext(); context != "" {
		b.WriteString(context)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\nTip: %s\n", e.Hint)
	}
	if e.Related != "" {
		fmt.Fprintf(&b, "\nSee: %s\n", e.Related)
	}

	return b.String()
}

// codeContext shows two lines either side of the error line. The source
// captured at parse time is preferred over re-reading the file.
func (e *ParseError) codeContext() string {
	lines := e.sourceLines()
	if e.Line < 1 || e.Line > len(lines) {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	start := max(1, e.Line-2)
	end := min(len(lines), e.Line+2)
	for i := start; i <= end; i++ {
		prefix := fmt.Sprintf("  %2d | ", i)
		b.WriteString(prefix + lines[i-1] + "\n")

		if i == e.Line && e.Column > 0 {
			b.WriteString(strings.Repeat(" ", len(prefix)+e.Column-1) + "^\n")
		}
	}
	return b.String()
}

func (e *ParseError) sourceLines() []string {
	var r *bufio.Scanner
	if e.source != nil {
		r = bufio.NewScanner(bytes.NewReader(e.source))
	} else {
		if e.File == "" {
			return nil
		}
		f, err := os.Open(e.File)
		if err != nil {
			return nil
		}
		defer f.Close()
		r = bufio.NewScanner(f)
	}

	var lines []string
	for r.Scan() {
		lines = append(lines, r.Text())
	}
	return lines
}

// NewParseError creates a new ParseError.
func NewParseError(file string, line int, message string) *ParseError {
	return &ParseError{
		File:    file,
		Line:    line,
		Message: message,
	}
}

// WithColumn adds column information to the error.
func (e *ParseError) WithColumn(col int) *ParseError {
	e.Column = col
	return e
}

// WithHint adds a helpful hint to the error.
func (e *ParseError) WithHint(hint string) *ParseError {
	e.Hint = hint
	return e
}

// WithRelated adds related information to the error.
func (e *ParseError) WithRelated(related string) *ParseError {
	e.Related = related
	return e
}

func (e *ParseError) withSource(src []byte) *ParseError {
	e.source = src
	return e
}

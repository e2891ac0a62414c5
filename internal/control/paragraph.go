// Package control reads and writes Debian control-format files: the
// paragraphs of Packages and Sources indices and the Release files that
// describe a suite.
package control

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Field is one "Name: value" entry. Multi-line values keep their
// continuation lines, each already prefixed with a space.
type Field struct {
	Name  string
	Value string
}

// Paragraph is an ordered list of fields.
type Paragraph []Field

// Get returns the value of the named field (case-insensitive) and whether
// it was present.
func (p Paragraph) Get(name string) (string, bool) {
	for _, f := range p {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the named field or appends it.
func (p *Paragraph) Set(name, value string) {
	for i, f := range *p {
		if strings.EqualFold(f.Name, name) {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Field{Name: name, Value: value})
}

// WriteTo writes the paragraph without a trailing blank line.
func (p Paragraph) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range p {
		var line string
		if f.Value == "" || strings.HasPrefix(f.Value, "\n") {
			line = f.Name + ":" + f.Value + "\n"
		} else {
			line = f.Name + ": " + f.Value + "\n"
		}
		n, err := io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// String renders the paragraph.
func (p Paragraph) String() string {
	var sb strings.Builder
	p.WriteTo(&sb)
	return sb.String()
}

// ParseParagraph parses a single paragraph from text.
func ParseParagraph(text string) (Paragraph, error) {
	paras, err := ParseParagraphs(strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	switch len(paras) {
	case 0:
		return nil, nil
	case 1:
		return paras[0], nil
	}
	return nil, fmt.Errorf("expected one paragraph, found %d", len(paras))
}

// ParseParagraphs reads blank-line separated paragraphs from r.
func ParseParagraphs(r io.Reader) ([]Paragraph, error) {
	var (
		paras   []Paragraph
		current Paragraph
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if len(current) > 0 {
				paras = append(paras, current)
				current = nil
			}
		case line[0] == ' ' || line[0] == '\t':
			if len(current) == 0 {
				return nil, fmt.Errorf("line %d: continuation line without a field", lineNo)
			}
			current[len(current)-1].Value += "\n" + line
		case line[0] == '#':
			// comment
		default:
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: missing ':' in %q", lineNo, line)
			}
			current = append(current, Field{Name: name, Value: strings.TrimSpace(value)})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading control data: %w", err)
	}
	if len(current) > 0 {
		paras = append(paras, current)
	}
	return paras, nil
}

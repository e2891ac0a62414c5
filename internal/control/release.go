package control

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the layout of the Release Date field. Times are always UTC.
const DateFormat = "Mon, 02 Jan 2006 15:04:05 UTC"

// FormatDate renders t for a Release file.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// ParseDate parses a Release Date field.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateFormat, strings.TrimSpace(s))
}

// FileEntry is one line of a MD5Sum/SHA1/SHA256 section.
type FileEntry struct {
	Checksums
	Path string // relative to the suite directory
}

// Release is the top-level Release file of a suite.
type Release struct {
	Origin               string
	Label                string
	Suite                string
	Version              string
	Codename             string
	Date                 string
	Architectures        []string
	Components           []string
	Description          string
	NotAutomatic         bool
	ButAutomaticUpgrades bool
	AcquireByHash        bool
	Files                []FileEntry
}

// Paragraph renders the release as an ordered paragraph.
func (r *Release) Paragraph() Paragraph {
	p := Paragraph{
		{"Origin", r.Origin},
		{"Label", r.Label},
		{"Suite", r.Suite},
	}
	if r.Version != "" {
		p = append(p, Field{"Version", r.Version})
	}
	p = append(p,
		Field{"Codename", r.Codename},
		Field{"Date", r.Date},
		Field{"Architectures", strings.Join(r.Architectures, " ")},
		Field{"Components", strings.Join(r.Components, " ")},
		Field{"Description", r.Description},
	)
	if r.NotAutomatic {
		p = append(p, Field{"NotAutomatic", "yes"})
	}
	if r.ButAutomaticUpgrades {
		p = append(p, Field{"ButAutomaticUpgrades", "yes"})
	}
	if r.AcquireByHash {
		p = append(p, Field{"Acquire-By-Hash", "yes"})
	}

	files := slices.Clone(r.Files)
	slices.SortFunc(files, func(a, b FileEntry) int { return strings.Compare(a.Path, b.Path) })
	for _, section := range []struct {
		name string
		sum  func(FileEntry) string
	}{
		{"MD5Sum", func(f FileEntry) string { return f.MD5 }},
		{"SHA1", func(f FileEntry) string { return f.SHA1 }},
		{"SHA256", func(f FileEntry) string { return f.SHA256 }},
	} {
		var sb strings.Builder
		for _, f := range files {
			fmt.Fprintf(&sb, "\n %s %16d %s", section.sum(f), f.Size, f.Path)
		}
		p = append(p, Field{section.name, sb.String()})
	}
	return p
}

// WriteTo writes the Release file.
func (r *Release) WriteTo(w io.Writer) (int64, error) {
	return r.Paragraph().WriteTo(w)
}

// Bytes returns the rendered Release file.
func (r *Release) Bytes() []byte {
	return []byte(r.Paragraph().String())
}

// ParseRelease reads a Release file. Files is populated from the checksum
// sections; the size of each entry must agree across sections.
func ParseRelease(rd io.Reader) (*Release, error) {
	paras, err := ParseParagraphs(rd)
	if err != nil {
		return nil, err
	}
	if len(paras) != 1 {
		return nil, fmt.Errorf("release file has %d paragraphs, want 1", len(paras))
	}
	p := paras[0]

	get := func(name string) string {
		v, _ := p.Get(name)
		return v
	}
	r := &Release{
		Origin:               get("Origin"),
		Label:                get("Label"),
		Suite:                get("Suite"),
		Version:              get("Version"),
		Codename:             get("Codename"),
		Date:                 get("Date"),
		Architectures:        strings.Fields(get("Architectures")),
		Components:           strings.Fields(get("Components")),
		Description:          get("Description"),
		NotAutomatic:         get("NotAutomatic") == "yes",
		ButAutomaticUpgrades: get("ButAutomaticUpgrades") == "yes",
		AcquireByHash:        get("Acquire-By-Hash") == "yes",
	}

	byPath := make(map[string]*FileEntry)
	var order []string
	for _, section := range []string{"MD5Sum", "SHA1", "SHA256"} {
		for _, line := range strings.Split(get(section), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed %s line: %q", section, line)
			}
			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed size in %s line %q: %w", section, line, err)
			}
			e, ok := byPath[fields[2]]
			if !ok {
				e = &FileEntry{Path: fields[2], Checksums: Checksums{Size: size}}
				byPath[fields[2]] = e
				order = append(order, fields[2])
			} else if e.Size != size {
				return nil, fmt.Errorf("size of %s differs between sections", fields[2])
			}
			switch section {
			case "MD5Sum":
				e.MD5 = fields[0]
			case "SHA1":
				e.SHA1 = fields[0]
			case "SHA256":
				e.SHA256 = fields[0]
			}
		}
	}
	for _, path := range order {
		r.Files = append(r.Files, *byPath[path])
	}
	return r, nil
}

// ComponentRelease is the small Release file placed in each index
// directory, e.g. dists/focal/main/binary-amd64/Release.
type ComponentRelease struct {
	Archive      string
	Version      string
	Component    string
	Origin       string
	Label        string
	Architecture string
}

// Bytes renders the component Release file.
func (c *ComponentRelease) Bytes() []byte {
	p := Paragraph{{"Archive", c.Archive}}
	if c.Version != "" {
		p = append(p, Field{"Version", c.Version})
	}
	p = append(p,
		Field{"Component", c.Component},
		Field{"Origin", c.Origin},
		Field{"Label", c.Label},
		Field{"Architecture", c.Architecture},
	)
	return []byte(p.String())
}

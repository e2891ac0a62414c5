package publisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"debpub/internal/control"
	dfs "debpub/internal/fs"
	"debpub/internal/model"
	"debpub/internal/pool"
)

// DefaultFTPArchiveCommand is run when no command is configured.
const DefaultFTPArchiveCommand = "apt-ftparchive"

// FTPArchiveIndexGenerator delegates index generation to apt-ftparchive.
// For each suite it writes file lists, override files and an apt.conf
// below workDir and runs "apt-ftparchive generate" on that config.
type FTPArchiveIndexGenerator struct {
	command string
	workDir string
	logger  Logger
}

// NewFTPArchiveIndexGenerator returns a generator running command (the
// default when empty) with its state kept in workDir.
func NewFTPArchiveIndexGenerator(command, workDir string, logger Logger) *FTPArchiveIndexGenerator {
	if command == "" {
		command = DefaultFTPArchiveCommand
	}
	return &FTPArchiveIndexGenerator{command: command, workDir: workDir, logger: logger}
}

// ConfigPath returns the apt.conf written for a suite.
func (g *FTPArchiveIndexGenerator) ConfigPath(suite string) string {
	return filepath.Join(g.workDir, suite, "apt.conf")
}

func (g *FTPArchiveIndexGenerator) GenerateIndexes(ctx context.Context, job *IndexJob) error {
	dir := filepath.Join(g.workDir, job.Suite)
	for _, component := range job.Archive.Components {
		if err := g.writeLists(dir, job, component); err != nil {
			return err
		}
	}

	conf := g.ConfigPath(job.Suite)
	if _, err := dfs.WriteAtomic(conf, strings.NewReader(g.config(dir, job))); err != nil {
		return fmt.Errorf("writing %s: %w", conf, err)
	}

	cmd := exec.CommandContext(ctx, g.command, "generate", conf)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("running %s: %w: %s", g.command, err, msg)
		}
		return fmt.Errorf("running %s: %w", g.command, err)
	}
	if out := strings.TrimSpace(stdout.String()); out != "" {
		g.logger.Debug("apt-ftparchive output", "suite", job.Suite, "output", out)
	}
	return nil
}

// listName returns the file list name for one index, following the
// $(SECTION)/$(ARCH) substitution used in the generated config.
func listName(suite, component, subcomponent, arch string) string {
	parts := []string{"", suite, component}
	if subcomponent != "" {
		parts = append(parts, subcomponent)
	}
	if arch == model.ArchitectureSource {
		return strings.Join(append(parts, "source"), "_")
	}
	return strings.Join(append(parts, "binary-"+arch), "_")
}

func overrideName(suite, component, subcomponent string) string {
	name := "override." + suite + "." + component
	if subcomponent != "" {
		name += "." + subcomponent
	}
	return name
}

func (g *FTPArchiveIndexGenerator) writeLists(dir string, job *IndexJob, component string) error {
	write := func(name string, lines []string) error {
		slices.Sort(lines)
		lines = slices.Compact(lines)
		var content string
		if len(lines) > 0 {
			content = strings.Join(lines, "\n") + "\n"
		}
		if _, err := dfs.WriteAtomic(filepath.Join(dir, name), strings.NewReader(content)); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return nil
	}

	var sources, srcOverrides []string
	for _, pub := range job.Sources(component) {
		for _, f := range pub.Files {
			if strings.HasSuffix(f.Filename, ".dsc") {
				sources = append(sources, pool.RelPath(pub.Component, pub.Name, f.Filename))
			}
		}
		srcOverrides = append(srcOverrides, pub.Name+"\t"+sectionOf(pub))
	}
	if err := write(listName(job.Suite, component, "", model.ArchitectureSource), sources); err != nil {
		return err
	}
	if err := write(overrideName(job.Suite, component, "")+".src", srcOverrides); err != nil {
		return err
	}

	for _, sub := range job.Subcomponents() {
		var overrides []string
		for _, arch := range job.Series.EnabledArchitectures() {
			var debs []string
			for _, pub := range job.Binaries(component, sub, arch) {
				if len(pub.Files) == 0 {
					continue
				}
				debs = append(debs, pool.RelPath(pub.Component, pub.Name, pub.Files[0].Filename))
				overrides = append(overrides, binaryOverride(pub))
			}
			if err := write(listName(job.Suite, component, sub, arch), debs); err != nil {
				return err
			}
		}
		if err := write(overrideName(job.Suite, component, sub), overrides); err != nil {
			return err
		}
	}
	return nil
}

func sectionOf(pub *model.Publication) string {
	if pub.Section != "" {
		return pub.Section
	}
	return "misc"
}

func binaryOverride(pub *model.Publication) string {
	name := pub.BinaryName
	if name == "" {
		name = pub.Name
	}
	priority := "optional"
	if para, err := control.ParseParagraph(pub.Stanza); err == nil {
		if v, ok := para.Get("Priority"); ok && v != "" {
			priority = v
		}
	}
	return name + "\t" + priority + "\t" + sectionOf(pub)
}

// compressSpec maps compressors to apt-ftparchive's Compress syntax.
func compressSpec(compressors []string) string {
	var parts []string
	for _, c := range compressors {
		if c == model.CompressorNone {
			parts = append(parts, ".")
		} else {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

func (g *FTPArchiveIndexGenerator) config(dir string, job *IndexJob) string {
	compress := compressSpec(job.Archive.Compressors())
	archs := job.Series.EnabledArchitectures()

	var sb strings.Builder
	fmt.Fprintf(&sb, `Dir
{
  ArchiveDir "%s";
  OverrideDir "%s";
  CacheDir "%s";
};

Default
{
  Packages::Compress "%s";
  Sources::Compress "%s";
  Contents::Compress "gzip";
  DeLinkLimit 0;
  MaxContentsChange 12000;
  FileMode 0644;
};

TreeDefault
{
  Contents::Header "";
};
`, job.Root, dir, filepath.Join(g.workDir, "cache"), compress, compress)

	fmt.Fprintf(&sb, `
tree "%s"
{
  FileList "%s";
  SourceFileList "%s";
  Sections "%s";
  Architectures "%s source";
  BinOverride "%s";
  SrcOverride "%s";
  Contents " ";
};
`,
		job.Dir(),
		filepath.Join(dir, listName(job.Suite, "$(SECTION)", "", "$(ARCH)")),
		filepath.Join(dir, listName(job.Suite, "$(SECTION)", "", model.ArchitectureSource)),
		strings.Join(job.Archive.Components, " "),
		strings.Join(archs, " "),
		overrideName(job.Suite, "$(SECTION)", ""),
		overrideName(job.Suite, "$(SECTION)", "")+".src",
	)

	for _, component := range job.Archive.Components {
		for _, sub := range job.Subcomponents() {
			if sub == model.SubcomponentNone {
				continue
			}
			ext := ".udeb"
			if sub == model.SubcomponentDebug {
				ext = ".ddeb"
			}
			fmt.Fprintf(&sb, `
tree "%s"
{
  FileList "%s";
  SourceFileList "";
  Sections "%s";
  Architectures "%s";
  Packages::Extensions "%s";
  BinOverride "%s";
  Contents " ";
};
`,
				path.Join(job.Dir(), component),
				filepath.Join(dir, listName(job.Suite, component, sub, "$(ARCH)")),
				sub,
				strings.Join(archs, " "),
				ext,
				overrideName(job.Suite, component, sub),
			)
		}
	}
	return sb.String()
}

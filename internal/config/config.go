package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"debpub/internal/model"
)

// Config represents the main configuration for debpub.
type Config struct {
	BaseDir         string          `toml:"base_dir"`
	LogDir          string          `toml:"log_dir"`
	MetricsTextfile string          `toml:"metrics_textfile,omitempty"`
	Database        DatabaseConfig  `toml:"database"`
	Librarian       LibrarianConfig `toml:"librarian"`
	Archives        []ArchiveConfig `toml:"archives"`
}

// DatabaseConfig represents configuration for the publishing database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// LibrarianConfig represents configuration for the artifact content store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type LibrarianConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // set for S3-compatible stores; implies path-style addressing

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// SigningConfig selects how Release files are signed.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SigningConfig struct {
	Type string `toml:"type"` // "openpgp", "command", or "none" (default)

	// OpenPGP-specific fields (only used when Type == "openpgp")
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`

	// Command-specific fields (only used when Type == "command")
	Command string   `toml:"command,omitempty"`
	Args    []string `toml:"args,omitempty"`
	Timeout Duration `toml:"timeout,omitempty"`
}

// ArchiveConfig describes one archive. Each archive is published
// independently and has its own database.
type ArchiveConfig struct {
	Name                string         `toml:"name"`
	Root                string         `toml:"root"`
	Purpose             string         `toml:"purpose"` // "primary", "partner", or "ppa"
	Distribution        string         `toml:"distribution"`
	Owner               string         `toml:"owner,omitempty"`
	OwnerDisplayName    string         `toml:"owner_display_name,omitempty"`
	PPAName             string         `toml:"ppa_name,omitempty"`
	Components          []string       `toml:"components"`
	IndexCompressors    []string       `toml:"index_compressors,omitempty"`
	PublishDebugSymbols bool           `toml:"publish_debug_symbols,omitempty"`
	StayOfExecution     Duration       `toml:"stay_of_execution,omitempty"`
	Indexer             string         `toml:"indexer,omitempty"` // "native" (default) or "ftparchive"
	FTPArchiveCommand   string         `toml:"ftparchive_command,omitempty"`
	Signing             SigningConfig  `toml:"signing"`
	Series              []SeriesConfig `toml:"series"`
}

// SeriesConfig describes one distribution series of an archive.
type SeriesConfig struct {
	Name                  string   `toml:"name"`
	Version               string   `toml:"version,omitempty"`
	Status                string   `toml:"status"`
	Architectures         []string `toml:"architectures"`
	DisabledArchitectures []string `toml:"disabled_architectures,omitempty"`
	PublishByHash         bool     `toml:"publish_by_hash,omitempty"`
	AdvertiseByHash       bool     `toml:"advertise_by_hash,omitempty"`
	TranslationsEnabled   bool     `toml:"translations_enabled,omitempty"`
	BackportsNotAutomatic bool     `toml:"backports_not_automatic,omitempty"`
	ProposedNotAutomatic  bool     `toml:"proposed_not_automatic,omitempty"`
}

// Duration is a time.Duration written as a string such as "24h" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// DefaultIndexCompressors are used when an archive lists none.
var DefaultIndexCompressors = model.DefaultIndexCompressors

// NewConfig creates a new Config with default locations below baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Database:  DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Librarian: LibrarianConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "librarian")},
	}
}

// NewArchiveConfig returns a single-series archive with default settings,
// used by "config init".
func NewArchiveConfig(baseDir, name string) ArchiveConfig {
	return ArchiveConfig{
		Name:             name,
		Root:             filepath.Join(baseDir, "archives", name),
		Purpose:          string(model.PurposePrimary),
		Distribution:     name,
		Components:       []string{"main"},
		IndexCompressors: DefaultIndexCompressors,
		StayOfExecution:  Duration{model.DefaultStayOfExecution},
		Indexer:          "native",
		Signing: SigningConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", name+".pub.asc"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", name+".key.age"),
		},
	}
}

// FindArchive returns the archive with the given name.
func (c *Config) FindArchive(name string) (*ArchiveConfig, error) {
	for i := range c.Archives {
		if c.Archives[i].Name == name {
			return &c.Archives[i], nil
		}
	}
	return nil, fmt.Errorf("archive %q not found in config", name)
}

// Validate checks the archive graph.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i := range c.Archives {
		a := &c.Archives[i]
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("duplicate archive name %q", a.Name))
		}
		seen[a.Name] = true
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("archive %q: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks one archive's settings.
func (a *ArchiveConfig) Validate() error {
	var errs []error
	if a.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if a.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	switch model.ArchivePurpose(a.Purpose) {
	case model.PurposePrimary, model.PurposePartner:
	case model.PurposePPA:
		if a.Owner == "" {
			errs = append(errs, errors.New("ppa archives require an owner"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown purpose %q", a.Purpose))
	}
	if len(a.Components) == 0 {
		errs = append(errs, errors.New("at least one component is required"))
	}
	for _, c := range a.IndexCompressors {
		if !slices.Contains([]string{model.CompressorNone, model.CompressorGzip, model.CompressorBzip2, model.CompressorXZ}, c) {
			errs = append(errs, fmt.Errorf("unknown index compressor %q", c))
		}
	}
	switch a.Indexer {
	case "", "native", "ftparchive":
	default:
		errs = append(errs, fmt.Errorf("unknown indexer %q", a.Indexer))
	}
	switch a.Signing.Type {
	case "", "none":
	case "openpgp":
		if a.Signing.PrivateKeyPath == "" {
			errs = append(errs, errors.New("openpgp signing requires private_key_path"))
		}
	case "command":
		if a.Signing.Command == "" {
			errs = append(errs, errors.New("command signing requires command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown signing type %q", a.Signing.Type))
	}

	series := make(map[string]bool)
	for _, s := range a.Series {
		if s.Name == "" {
			errs = append(errs, errors.New("series name is required"))
			continue
		}
		if series[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate series %q", s.Name))
		}
		series[s.Name] = true
		if _, err := model.ParseSeriesStatus(s.Status); err != nil {
			errs = append(errs, fmt.Errorf("series %q: %w", s.Name, err))
		}
		if len(s.Architectures) == 0 {
			errs = append(errs, fmt.Errorf("series %q: at least one architecture is required", s.Name))
		}
		for _, d := range s.DisabledArchitectures {
			if !slices.Contains(s.Architectures, d) {
				errs = append(errs, fmt.Errorf("series %q: disabled architecture %q is not configured", s.Name, d))
			}
		}
	}
	return errors.Join(errs...)
}

// ToArchive resolves the archive into the immutable model used for a run.
func (a *ArchiveConfig) ToArchive() (*model.Archive, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	archive := &model.Archive{
		Name:                a.Name,
		Root:                a.Root,
		Purpose:             model.ArchivePurpose(a.Purpose),
		Distribution:        a.Distribution,
		Owner:               a.Owner,
		OwnerDisplayName:    a.OwnerDisplayName,
		PPAName:             a.PPAName,
		Components:          slices.Clone(a.Components),
		IndexCompressors:    slices.Clone(a.IndexCompressors),
		PublishDebugSymbols: a.PublishDebugSymbols,
		StayOfExecution:     a.StayOfExecution.Duration,
	}
	if archive.Distribution == "" {
		archive.Distribution = a.Name
	}
	if len(archive.IndexCompressors) == 0 {
		archive.IndexCompressors = slices.Clone(DefaultIndexCompressors)
	}
	if archive.StayOfExecution <= 0 {
		archive.StayOfExecution = model.DefaultStayOfExecution
	}
	for _, s := range a.Series {
		status, _ := model.ParseSeriesStatus(s.Status)
		archive.Series = append(archive.Series, model.Series{
			Name:                  s.Name,
			Version:               s.Version,
			Status:                status,
			Architectures:         slices.Clone(s.Architectures),
			DisabledArchitectures: slices.Clone(s.DisabledArchitectures),
			PublishByHash:         s.PublishByHash,
			AdvertiseByHash:       s.AdvertiseByHash,
			TranslationsEnabled:   s.TranslationsEnabled,
			BackportsNotAutomatic: s.BackportsNotAutomatic,
			ProposedNotAutomatic:  s.ProposedNotAutomatic,
		})
	}
	return archive, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

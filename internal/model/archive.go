package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Pocket is a channel within a series.
type Pocket string

const (
	PocketRelease   Pocket = "release"
	PocketSecurity  Pocket = "security"
	PocketUpdates   Pocket = "updates"
	PocketProposed  Pocket = "proposed"
	PocketBackports Pocket = "backports"
)

// AllPockets lists pockets in publishing order.
var AllPockets = []Pocket{PocketRelease, PocketSecurity, PocketUpdates, PocketProposed, PocketBackports}

// Suffix returns the suite-name suffix for the pocket ("" for release).
func (p Pocket) Suffix() string {
	if p == PocketRelease {
		return ""
	}
	return "-" + string(p)
}

// ParsePocket parses a pocket name such as "updates".
func ParsePocket(s string) (Pocket, error) {
	for _, p := range AllPockets {
		if string(p) == strings.ToLower(s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown pocket: %q", s)
}

// SuiteName joins a series name and pocket, e.g. "focal-updates".
func SuiteName(series string, pocket Pocket) string {
	return series + pocket.Suffix()
}

// SeriesStatus is the lifecycle status of a distribution series.
type SeriesStatus string

const (
	SeriesExperimental SeriesStatus = "experimental"
	SeriesDevelopment  SeriesStatus = "development"
	SeriesFrozen       SeriesStatus = "frozen"
	SeriesCurrent      SeriesStatus = "current"
	SeriesSupported    SeriesStatus = "supported"
	SeriesObsolete     SeriesStatus = "obsolete"
	SeriesFuture       SeriesStatus = "future"
)

// ParseSeriesStatus parses a series status name.
func ParseSeriesStatus(s string) (SeriesStatus, error) {
	switch st := SeriesStatus(strings.ToLower(s)); st {
	case SeriesExperimental, SeriesDevelopment, SeriesFrozen, SeriesCurrent,
		SeriesSupported, SeriesObsolete, SeriesFuture:
		return st, nil
	}
	return "", fmt.Errorf("unknown series status: %q", s)
}

// ArchivePurpose distinguishes the primary archive from PPAs and partner.
type ArchivePurpose string

const (
	PurposePrimary ArchivePurpose = "primary"
	PurposePartner ArchivePurpose = "partner"
	PurposePPA     ArchivePurpose = "ppa"
)

// Index compressor names.
const (
	CompressorNone  = "none"
	CompressorGzip  = "gzip"
	CompressorBzip2 = "bzip2"
	CompressorXZ    = "xz"
)

// DefaultIndexCompressors are used when an archive lists none.
var DefaultIndexCompressors = []string{CompressorNone, CompressorGzip, CompressorXZ}

// Series is the immutable publishing configuration of one distribution series.
type Series struct {
	Name                  string
	Version               string
	Status                SeriesStatus
	Architectures         []string
	DisabledArchitectures []string
	PublishByHash         bool
	AdvertiseByHash       bool
	TranslationsEnabled   bool
	BackportsNotAutomatic bool
	ProposedNotAutomatic  bool
}

// IsUnstable reports whether the series is still under development, in
// which case only its release and proposed pockets accept uploads.
func (s *Series) IsUnstable() bool {
	switch s.Status {
	case SeriesExperimental, SeriesDevelopment, SeriesFrozen:
		return true
	}
	return false
}

// CanModifySuite applies the pocket rules for primary archives.
func (s *Series) CanModifySuite(pocket Pocket) bool {
	if s.IsUnstable() {
		return pocket == PocketRelease || pocket == PocketProposed
	}
	return pocket != PocketRelease
}

// EnabledArchitectures returns the configured architectures that are not
// disabled, sorted.
func (s *Series) EnabledArchitectures() []string {
	var archs []string
	for _, a := range s.Architectures {
		if !slices.Contains(s.DisabledArchitectures, a) {
			archs = append(archs, a)
		}
	}
	slices.Sort(archs)
	return archs
}

// ArchitectureEnabled reports whether arch is configured and not disabled.
func (s *Series) ArchitectureEnabled(arch string) bool {
	return slices.Contains(s.Architectures, arch) && !slices.Contains(s.DisabledArchitectures, arch)
}

// Archive is the immutable configuration of one archive, resolved once per run.
type Archive struct {
	Name                string
	Root                string
	Purpose             ArchivePurpose
	Distribution        string
	Owner               string
	OwnerDisplayName    string
	PPAName             string
	Components          []string
	IndexCompressors    []string
	PublishDebugSymbols bool
	StayOfExecution     time.Duration
	Series              []Series
}

// DefaultPPAName is the PPA name whose reference omits the name part.
const DefaultPPAName = "ppa"

// DefaultStayOfExecution is how long superseded content remains fetchable.
const DefaultStayOfExecution = 24 * time.Hour

// Compressors returns the index compressors, falling back to the defaults.
func (a *Archive) Compressors() []string {
	if len(a.IndexCompressors) == 0 {
		return DefaultIndexCompressors
	}
	return a.IndexCompressors
}

// AllowsUpdatesToReleasePocket reports whether the release pocket behaves
// like a rolling channel regardless of series status.
func (a *Archive) AllowsUpdatesToReleasePocket() bool {
	return a.Purpose == PurposePPA || a.Purpose == PurposePartner
}

// CanModifySuite reports whether publications may enter (or leave) the
// given pocket of the series.
func (a *Archive) CanModifySuite(series *Series, pocket Pocket) bool {
	if a.AllowsUpdatesToReleasePocket() {
		return true
	}
	return series.CanModifySuite(pocket)
}

// SkipsSeries reports whether publishing to the series is suppressed
// entirely for this archive.
func (a *Archive) SkipsSeries(series *Series) bool {
	if a.Purpose != PurposePrimary {
		return false
	}
	return series.Status == SeriesObsolete || series.Status == SeriesFuture
}

// Pockets returns the pockets the archive publishes.
func (a *Archive) Pockets() []Pocket {
	if a.Purpose == PurposePPA {
		return []Pocket{PocketRelease}
	}
	return AllPockets
}

// FindSeries returns the named series or nil.
func (a *Archive) FindSeries(name string) *Series {
	for i := range a.Series {
		if a.Series[i].Name == name {
			return &a.Series[i]
		}
	}
	return nil
}

// ParseSuite splits a suite name into its series and pocket.
func (a *Archive) ParseSuite(suite string) (*Series, Pocket, error) {
	for _, p := range a.Pockets() {
		name, ok := strings.CutSuffix(suite, p.Suffix())
		if !ok {
			continue
		}
		if s := a.FindSeries(name); s != nil {
			return s, p, nil
		}
	}
	return nil, "", fmt.Errorf("unknown suite: %q", suite)
}

// Suites returns every suite of the archive in series/pocket order.
func (a *Archive) Suites() []string {
	var suites []string
	for i := range a.Series {
		for _, p := range a.Pockets() {
			suites = append(suites, SuiteName(a.Series[i].Name, p))
		}
	}
	return suites
}

// PPAReference is "owner" for the default PPA and "owner-name" otherwise.
func (a *Archive) PPAReference() string {
	if a.PPAName == "" || a.PPAName == DefaultPPAName {
		return a.Owner
	}
	return a.Owner + "-" + a.PPAName
}

// Origin is the Release file Origin field.
func (a *Archive) Origin() string {
	switch a.Purpose {
	case PurposePPA:
		return "LP-PPA-" + a.PPAReference()
	case PurposePartner:
		return "Canonical"
	}
	return a.Distribution
}

// Label is the Release file Label field.
func (a *Archive) Label() string {
	switch a.Purpose {
	case PurposePPA:
		name := a.OwnerDisplayName
		if name == "" {
			name = a.Owner
		}
		return "PPA for " + name
	case PurposePartner:
		return "Partner archive"
	}
	return a.Distribution
}

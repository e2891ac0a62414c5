package publisher

import (
	"errors"
	"fmt"
	"slices"
)

// OutcomeKind tags what happened to one publication in the publish step.
type OutcomeKind int

const (
	Published OutcomeKind = iota
	SkippedPocketViolation
	SkippedDisabledArchitecture
	SkippedSeriesStatus
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Published:
		return "published"
	case SkippedPocketViolation:
		return "skipped-pocket-violation"
	case SkippedDisabledArchitecture:
		return "skipped-disabled-architecture"
	case SkippedSeriesStatus:
		return "skipped-series-status"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of processing one publication. Skipped and failed
// publications stay pending.
type Outcome struct {
	PublicationID int64
	Suite         string
	Kind          OutcomeKind
	Err           error
}

// SuiteSet is a set of suite names. Steps return fresh sets rather than
// sharing one across the run.
type SuiteSet map[string]bool

// NewSuiteSet returns a set holding suites.
func NewSuiteSet(suites ...string) SuiteSet {
	s := make(SuiteSet, len(suites))
	for _, suite := range suites {
		s[suite] = true
	}
	return s
}

// Union returns a new set with the members of s and other.
func (s SuiteSet) Union(other SuiteSet) SuiteSet {
	u := make(SuiteSet, len(s)+len(other))
	for k := range s {
		u[k] = true
	}
	for k := range other {
		u[k] = true
	}
	return u
}

// Sorted returns the members in lexical order.
func (s SuiteSet) Sorted() []string {
	suites := make([]string, 0, len(s))
	for k := range s {
		suites = append(suites, k)
	}
	slices.Sort(suites)
	return suites
}

// SuiteErrors maps a suite name to the error that stopped its processing.
type SuiteErrors map[string]error

func (e SuiteErrors) merge(other SuiteErrors) {
	for k, v := range other {
		if e[k] == nil {
			e[k] = v
		}
	}
}

// Report summarises one publishing run for the caller.
type Report struct {
	Outcomes            []Outcome
	DirtySuites         []string
	ReleaseFilesWritten []string
	DeletionsScheduled  int
	PublicationsRemoved int
	BindingsReaped      int
	SuiteErrors         SuiteErrors
}

// Count returns the number of outcomes of kind k.
func (r *Report) Count(k OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

// Err joins the failures the caller must act on: failed publications and
// suite errors. Pocket violations and other skips are not errors.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Kind == Failed {
			errs = append(errs, o.Err)
		}
	}
	suites := make([]string, 0, len(r.SuiteErrors))
	for s := range r.SuiteErrors {
		suites = append(suites, s)
	}
	slices.Sort(suites)
	for _, s := range suites {
		errs = append(errs, fmt.Errorf("suite %s: %w", s, r.SuiteErrors[s]))
	}
	return errors.Join(errs...)
}

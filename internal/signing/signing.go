// Package signing produces Release.gpg and InRelease for a suite's Release
// file, either in-process with an OpenPGP key or by running an external
// command.
package signing

import (
	"context"
	"os"
	"path/filepath"
)

// Mode selects a signature format.
type Mode string

const (
	// ModeDetached produces an armored detached signature (Release.gpg).
	ModeDetached Mode = "detached"
	// ModeClear produces a clearsigned copy of the input (InRelease).
	ModeClear Mode = "clear"
)

// Output file names, relative to the suite directory.
const (
	DetachedName = "Release.gpg"
	ClearName    = "InRelease"
)

// OutputName returns the output file name for a mode.
func OutputName(m Mode) string {
	if m == ModeClear {
		return ClearName
	}
	return DetachedName
}

// StagedSuffix marks a signature written next to its final name. The
// caller renames staged signatures into place together with Release.
const StagedSuffix = ".new"

// Request describes one suite to sign.
type Request struct {
	// InputPath is the file to sign, typically <suite>/Release.new.
	InputPath string
	// OutputDir receives Release.gpg.new and InRelease.new.
	OutputDir    string
	ArchiveRoot  string
	Distribution string
	Suite        string
}

// StagedPath returns where a signer writes the output for a mode.
func (r Request) StagedPath(m Mode) string {
	return filepath.Join(r.OutputDir, OutputName(m)+StagedSuffix)
}

// Result lists the staged signature files that were written. A signer
// that skipped a mode leaves its path empty.
type Result struct {
	Detached string
	Clear    string
}

// Signed reports whether any output was produced.
func (r Result) Signed() bool {
	return r.Detached != "" || r.Clear != ""
}

// Path returns the staged output for a mode, or "".
func (r Result) Path(m Mode) string {
	if m == ModeClear {
		return r.Clear
	}
	return r.Detached
}

// Discard removes the staged outputs.
func (r Result) Discard() {
	for _, p := range []string{r.Detached, r.Clear} {
		if p != "" {
			os.Remove(p)
		}
	}
}

// Signer signs Release files.
type Signer interface {
	Sign(ctx context.Context, req Request) (Result, error)
}

// NopSigner never signs. It is used when an archive has no key.
type NopSigner struct{}

func (NopSigner) Sign(context.Context, Request) (Result, error) { return Result{}, nil }

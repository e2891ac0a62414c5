package publisher

import (
	"errors"
	"fmt"

	"debpub/internal/model"
	"debpub/internal/pool"
)

var (
	// ErrPocketViolation marks a publication aimed at a pocket its series
	// does not accept in its current status.
	ErrPocketViolation = errors.New("pocket violation")

	// ErrPoolConflict is the sentinel wrapped by *pool.ConflictError.
	ErrPoolConflict = pool.ErrConflict

	// ErrSigningFailure marks a suite whose Release could not be signed.
	ErrSigningFailure = errors.New("signing failure")
)

// PocketViolationError describes a rejected publication.
type PocketViolationError struct {
	PublicationID int64
	Series        string
	Status        model.SeriesStatus
	Pocket        model.Pocket
}

func (e *PocketViolationError) Error() string {
	return fmt.Sprintf("publication %d: cannot publish to the %s pocket of %s series %s",
		e.PublicationID, e.Pocket, e.Status, e.Series)
}

func (e *PocketViolationError) Unwrap() error { return ErrPocketViolation }

// SigningError describes a suite whose Release was left unsigned. The live
// Release is not replaced and Release.new stays for diagnosis.
type SigningError struct {
	Suite string
	Err   error
}

func (e *SigningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signing %s: signer produced no signature", e.Suite)
	}
	return fmt.Sprintf("signing %s: %v", e.Suite, e.Err)
}

func (e *SigningError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSigningFailure}
	}
	return []error{ErrSigningFailure, e.Err}
}

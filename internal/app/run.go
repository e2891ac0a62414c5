package app

import "strings"

// Run tracks a CLI invocation that may mutate the archive.
// Runs are created in memory with ID=0. Only mutating commands persist
// them (giving them an auto-increment ID from the database).
type Run struct {
	ID         int64
	RunID      string // random, shared with every log line of the run
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewRun creates a new in-memory run.
func NewRun(runID, operation string, parameters ...string) *Run {
	return &Run{
		RunID:      runID,
		Operation:  operation,
		Parameters: strings.Join(parameters, " "),
		Status:     "success",
	}
}

// Persisted returns true if this run has been saved to the database.
func (r *Run) Persisted() bool {
	return r.ID != 0
}

// Fail marks the run as failed. A failed run stays failed.
func (r *Run) Fail() {
	r.Status = "error"
}

package testutil

import (
	"context"
	"errors"
	"os"
	"sync"

	"debpub/internal/signing"
)

// RecordingSigner writes fake signatures and records each request. Modes
// listed in Skip produce no output; a non-nil Err fails every call. A
// FailMode fails the call and leaves the earlier modes staged.
type RecordingSigner struct {
	mu       sync.Mutex
	Requests []signing.Request
	Skip     []signing.Mode
	Err      error
	FailMode signing.Mode
}

// Sign stages "-----FAKE <mode> SIGNATURE-----" plus the input next to the
// suite's Release.
func (s *RecordingSigner) Sign(_ context.Context, req signing.Request) (signing.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return signing.Result{}, s.Err
	}

	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return signing.Result{}, err
	}

	var res signing.Result
	for _, mode := range []signing.Mode{signing.ModeDetached, signing.ModeClear} {
		if mode == s.FailMode {
			return signing.Result{}, ErrSignerBroken
		}
		if s.skips(mode) {
			continue
		}
		out := req.StagedPath(mode)
		data := append([]byte("-----FAKE "+string(mode)+" SIGNATURE-----\n"), input...)
		if err := os.WriteFile(out, data, 0644); err != nil {
			return signing.Result{}, err
		}
		if mode == signing.ModeClear {
			res.Clear = out
		} else {
			res.Detached = out
		}
	}
	return res, nil
}

func (s *RecordingSigner) skips(m signing.Mode) bool {
	for _, skip := range s.Skip {
		if skip == m {
			return true
		}
	}
	return false
}

// Calls returns the number of Sign calls so far.
func (s *RecordingSigner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// ErrSignerBroken is a convenient failure for RecordingSigner.Err.
var ErrSignerBroken = errors.New("signer broken")

var _ signing.Signer = (*RecordingSigner)(nil)

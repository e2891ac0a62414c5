package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	dfs "debpub/internal/fs"
)

// DefaultCommandTimeout bounds one invocation of an external signer.
const DefaultCommandTimeout = 5 * time.Minute

// CommandSigner runs an external program once per mode. The program reads
// INPUT_PATH and writes OUTPUT_PATH, the staged signature; exiting 0
// without writing the output means that mode is skipped.
type CommandSigner struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCommandSigner returns a signer running command with args.
func NewCommandSigner(command string, args []string, timeout time.Duration) *CommandSigner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandSigner{command: command, args: args, timeout: timeout}
}

func (s *CommandSigner) Sign(ctx context.Context, req Request) (Result, error) {
	var res Result
	for _, mode := range []Mode{ModeDetached, ModeClear} {
		out, err := s.run(ctx, req, mode)
		if err != nil {
			res.Discard()
			return Result{}, err
		}
		switch mode {
		case ModeDetached:
			res.Detached = out
		case ModeClear:
			res.Clear = out
		}
	}
	return res, nil
}

// run invokes the command for one mode and returns the staged output
// path, or "" when the command produced nothing.
func (s *CommandSigner) run(ctx context.Context, req Request, mode Mode) (string, error) {
	staging := req.StagedPath(mode)
	os.Remove(staging)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Env = append(os.Environ(),
		"MODE="+string(mode),
		"INPUT_PATH="+req.InputPath,
		"OUTPUT_PATH="+staging,
		"ARCHIVEROOT="+req.ArchiveRoot,
		"DISTRIBUTION="+req.Distribution,
		"SUITE="+req.Suite,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		os.Remove(staging)
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return "", fmt.Errorf("%s signing with %s: %w: %s", mode, s.command, err, msg)
		}
		return "", fmt.Errorf("%s signing with %s: %w", mode, s.command, err)
	}

	if !dfs.Exists(staging) {
		return "", nil
	}
	return staging, nil
}

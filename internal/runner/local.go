package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"chronod/pkg/logx"
)

// Local runs commands through a shell on the host.
type Local struct {
	shell string
	log   logx.Logger
}

// NewLocal returns a runner that interprets commands with the given shell
// ("/bin/sh" when empty).
func NewLocal(shell string, log logx.Logger) *Local {
	if strings.TrimSpace(shell) == "" {
		shell = "/bin/sh"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{shell: shell, log: log}
}

func (l *Local) Run(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, l.shell, "-c", req.Command)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	// Parent cancellation (engine shutdown) is reported as an error, per the
	// runner contract; the command itself may already have been killed.
	if ctx.Err() != nil {
		return Result{Output: stdout.String(), Errout: stderr.String()}, ctx.Err()
	}

	res := Result{
		Output: stdout.String(),
		Errout: stderr.String(),
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		if res.Errout == "" {
			res.Errout = "Process killed due to timeout"
		}
		l.log.Warn("command timed out", logx.String("command", req.Command), logx.Duration("after", took))
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit: failure verdict, stderr already captured.
			return res, nil
		}
		// Spawn-level failure (command not found, bad working dir, ...).
		if res.Errout == "" {
			res.Errout = err.Error()
		}
		return res, nil
	}
	res.Success = true
	return res, nil
}

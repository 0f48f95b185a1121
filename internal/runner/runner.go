// Package runner defines the process-runner contract the executor depends
// on, plus the default local shell implementation. The engine core makes no
// assumption about how a command is sandboxed or which shell interprets it.
package runner

import (
	"context"
	"time"
)

// Request describes one command invocation.
type Request struct {
	Command    string
	WorkingDir string        // empty means the process default
	Timeout    time.Duration // 0 means no limit
	Stdin      string        // fed to the command's standard input when non-empty
}

// Result is the outcome of a completed invocation.
//
// Success reflects the command's own verdict (exit status zero); Output and
// Errout carry captured stdout/stderr text. TimedOut is set when the runner
// killed the command at Request.Timeout.
type Result struct {
	Success  bool
	Output   string
	Errout   string
	TimedOut bool
}

// Runner executes a command and reports its outcome. Run returns an error
// only for cancellation (ctx done before or while the command ran) — command
// failure and timeout are expressed in the Result, not as an error.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ErrLaunch marks a backend process that could not start. It is
// terminal for the task and consumes no retry.
var ErrLaunch = errors.New("backend launch failed")

// Request is everything a backend invocation may depend on. Backends
// are pure functions of their declared inputs; nothing is inherited
// from ambient state.
type Request struct {
	Prompt  string
	WorkDir string
	Log     io.Writer
}

// Result is the outcome of one backend invocation.
type Result struct {
	ExitCode int
}

// Backend runs one iteration of a task as a subprocess. A returned
// error means the process never ran (launch failure); a non-zero exit
// is reported through Result, not through the error.
type Backend interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// CLIBackend invokes a non-interactive model CLI, passing the prompt as
// an argument and streaming combined output to the task log.
type CLIBackend struct {
	command string
	args    []string
}

func NewCLIBackend(command string, args []string) *CLIBackend {
	return &CLIBackend{command: command, args: args}
}

func (b *CLIBackend) Name() string {
	return b.command
}

func (b *CLIBackend) Run(ctx context.Context, req Request) (Result, error) {
	args := make([]string, 0, len(b.args)+2)
	args = append(args, b.args...)
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, b.command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Stdout = req.Log
	cmd.Stderr = req.Log

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	err := cmd.Wait()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	}

	return Result{ExitCode: exitCode}, nil
}

// Package tools runs host commands on behalf of board services, such as the
// reset hook behind a hot-reset request.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrEmptyCommand = errors.New("tools: empty command")

// Result is the captured outcome of one command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, err
	}
	res.ExitCode = 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ExitCode = 127
	}
	return res, err
}

// RunLine splits line on whitespace and runs it. Non-zero exits come back
// as errors carrying the trimmed stderr.
func RunLine(ctx context.Context, r CommandRunner, line string) (Result, error) {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}
	res, err := r.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		msg := strings.TrimSpace(string(res.Stderr))
		if msg == "" {
			return res, fmt.Errorf("%s: exit %d: %w", argv[0], res.ExitCode, err)
		}
		return res, fmt.Errorf("%s: exit %d: %s: %w", argv[0], res.ExitCode, msg, err)
	}
	return res, nil
}

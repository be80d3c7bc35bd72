// Package executor runs external tools (ffmpeg, ffprobe, nvidia-smi, the python
// ASR worker) and captures their output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so callers can be tested with fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// Exec runs commands through os/exec.
type Exec struct {
	// Stream echoes output dimmed to Out while the command runs.
	Stream bool
	Out    io.Writer
}

// NewExec returns a runner that streams to stderr when stream is set.
func NewExec(stream bool) *Exec {
	return &Exec{Stream: stream, Out: os.Stderr}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	var err error
	if e.Stream {
		err = e.runStreaming(cmd, &stdout, &stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err = cmd.Run()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, fmt.Errorf("%s: %w%s", name, err, stderrTail(res.Stderr))
	}
	return res, nil
}

func (e *Exec) runStreaming(cmd *exec.Cmd, stdout, stderr *bytes.Buffer) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go StreamDimmed(&wg, stdoutPipe, stdout, e.Out)
	go StreamDimmed(&wg, stderrPipe, stderr, e.Out)
	wg.Wait()

	return cmd.Wait()
}

// stderrTail keeps error messages short enough for a job's error_message.
func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	const max = 500
	if len(stderr) > max {
		stderr = "..." + stderr[len(stderr)-max:]
	}
	return "\nStderr: " + stderr
}

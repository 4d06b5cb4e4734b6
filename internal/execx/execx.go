// Package execx is the single subprocess primitive for the module. Every
// external process invocation (harness CLIs, lifecycle hooks, git plumbing)
// goes through Run so cancellation, timeouts, and process-group cleanup are
// handled in exactly one place.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Spec describes one subprocess invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment when non-nil
	Stdin   string
	Timeout time.Duration // 0 disables the deadline
	Stream  io.Writer     // optional live tee of stdout
}

// Result is the outcome of a finished subprocess. A nonzero exit code is a
// result, not an error: classification belongs to the caller.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	TimedOut bool
}

// Run starts the process in its own process group, drains stdout and stderr
// concurrently, and waits for completion. On timeout the whole process group
// is killed and Result.TimedOut is set. On parent-context cancellation the
// group is killed and the context error is returned.
func Run(ctx context.Context, pm *ProcessManager, spec Spec) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	// Own process group so the entire subprocess tree can be terminated,
	// not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", spec.Name, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	// Kill the group when the run context ends before the process does.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			_ = KillGroup(cmd)
		case <-watchDone:
		}
	}()

	// Drain both pipes before Wait; output beyond the pipe buffer would
	// otherwise deadlock the child.
	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		out := io.Writer(&stdoutBuf)
		if spec.Stream != nil {
			out = io.MultiWriter(&stdoutBuf, spec.Stream)
		}
		_, _ = io.Copy(out, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(watchDone)

	res := Result{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			// Parent cancelled: propagate, the session is shutting down.
			res.ExitCode = -1
			return res, ctx.Err()
		}
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("waiting for %s: %w", spec.Name, waitErr)
	}

	res.ExitCode = 0
	return res, nil
}

// KillGroup sends SIGKILL to the process group of cmd, terminating the
// subprocess tree. Negative pid addresses the group.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

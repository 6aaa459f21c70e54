package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var DebugLog func(string, ...interface{})

// Command is a structured process specification. Arguments are passed as an
// argv list and never go through a shell.
type Command struct {
	Binary string
	Args   []string
	Dir    string
}

func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// ExecResult is the outcome of a completed process. A non-zero exit code is
// an inspectable result, not an error: several scan tools exit non-zero when
// they simply found nothing.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// LaunchError means the process never ran: binary missing, not executable,
// or a fork-level failure. Transient marks causes worth retrying, such as
// resource exhaustion.
type LaunchError struct {
	Binary    string
	Transient bool
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TimeoutError means the process was forcibly terminated after exceeding its
// wall-clock budget.
type TimeoutError struct {
	Binary  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Binary, e.Timeout)
}

// Runner executes exactly one external process per call. Retries belong to
// the orchestrator, not here.
type Runner interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) (*ExecResult, error)
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// ResolveBinary locates a tool binary via PATH, then the usual go install
// locations.
func ResolveBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	goBinPaths := []string{}

	if gopath := os.Getenv("GOPATH"); gopath != "" {
		goBinPaths = append(goBinPaths, filepath.Join(gopath, "bin", name))
	}

	if home := os.Getenv("HOME"); home != "" {
		goBinPaths = append(goBinPaths, filepath.Join(home, "go", "bin", name))
	}

	for _, path := range goBinPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%s not found", name)
}

func (r *ExecRunner) Run(ctx context.Context, command Command, timeout time.Duration) (*ExecResult, error) {
	binPath, err := ResolveBinary(command.Binary)
	if err != nil {
		return nil, &LaunchError{Binary: command.Binary, Err: err}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(binPath, command.Args...)
	cmd.Dir = command.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so that a kill reaps the tool's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if DebugLog != nil {
		DebugLog("executing: %s", command.String())
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{
			Binary:    command.Binary,
			Transient: isTransientLaunch(err),
			Err:       err,
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Binary: command.Binary, Timeout: timeout}
		}
		return nil, ctx.Err()

	case waitErr := <-done:
		result := &ExecResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}

		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return result, nil
			}
			return nil, &LaunchError{Binary: command.Binary, Err: waitErr}
		}

		return result, nil
	}
}

// killGroup terminates the process and everything it spawned.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}

	cmd.Process.Kill()
}

func isTransientLaunch(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

// Package process spawns child programs whose standard output and error are
// duplicated to the parent console and to per-stream log files.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"bytemomo/crawlbench/internal/domain"

	"golang.org/x/sync/errgroup"
)

// Spec describes one child process.
type Spec struct {
	Argv []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string

	// LogDir must exist. Logs are named LogPrefix+"out.log" and LogPrefix+"err.log".
	LogDir    string
	LogPrefix string

	// Stdout and Stderr are the console sides of the tee. Nil means the
	// parent's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a running child. All methods are safe for concurrent use.
type Handle struct {
	cmd  *exec.Cmd
	argv []string

	exited  chan struct{}
	status  domain.ExitStatus
	waitErr error

	drained chan struct{}
	teeErr  error
}

// Start spawns spec.Argv and begins duplicating its output. It returns as soon
// as the child is running; any failure to get there is a domain.ErrSpawn.
func Start(spec Spec) (*Handle, error) {
	const op = "process.start"
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, domain.E(op, domain.ErrSpawn, errors.New("empty argv"))
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	outLog, err := os.Create(filepath.Join(spec.LogDir, spec.LogPrefix+domain.StdoutLogName))
	if err != nil {
		return nil, domain.E(op, domain.ErrSpawn, err)
	}
	files = append(files, outLog)
	errLog, err := os.Create(filepath.Join(spec.LogDir, spec.LogPrefix+domain.StderrLogName))
	if err != nil {
		closeAll()
		return nil, domain.E(op, domain.ErrSpawn, err)
	}
	files = append(files, errLog)

	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, domain.E(op, domain.ErrSpawn, err)
	}
	files = append(files, outR, outW)
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, domain.E(op, domain.ErrSpawn, err)
	}
	files = append(files, errR, errW)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, domain.E(op, domain.ErrSpawn, err)
	}
	// The child holds its own copies; keeping ours open would block EOF.
	_ = outW.Close()
	_ = errW.Close()

	h := &Handle{
		cmd:     cmd,
		argv:    append([]string(nil), spec.Argv...),
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var g errgroup.Group
	g.Go(func() error {
		defer outR.Close()
		if err := Tee(outR, stdout, outLog); err != nil {
			return fmt.Errorf("stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer errR.Close()
		if err := Tee(errR, stderr, errLog); err != nil {
			return fmt.Errorf("stderr: %w", err)
		}
		return nil
	})
	go func() {
		h.teeErr = g.Wait()
		close(h.drained)
	}()
	go h.reap()

	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.status = exitStatus(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	close(h.exited)
}

// Pid of the child.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Argv returns a copy of the spawned command line.
func (h *Handle) Argv() []string { return append([]string(nil), h.argv...) }

// Exited is closed once the child has terminated. Output may still be draining.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Status reports the exit status if the child has terminated.
func (h *Handle) Status() (domain.ExitStatus, bool) {
	select {
	case <-h.exited:
		return h.status, true
	default:
		return domain.ExitStatus{}, false
	}
}

// Signal delivers sig to the child. Signalling a child that already exited
// is not an error.
func (h *Handle) Signal(sig os.Signal) error {
	err := h.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill force-kills the child and every process in its group.
func (h *Handle) Kill() error {
	return killGroup(h.cmd.Process)
}

// Wait blocks until the child has terminated and both output streams are
// fully persisted, or until ctx ends. Exit status is reported even when
// duplication failed; the error then describes the failing stream.
func (h *Handle) Wait(ctx context.Context) (domain.ExitStatus, error) {
	select {
	case <-h.exited:
	case <-ctx.Done():
		return domain.ExitStatus{}, ctx.Err()
	}
	if h.waitErr != nil {
		return h.status, h.waitErr
	}
	select {
	case <-h.drained:
	case <-ctx.Done():
		return h.status, ctx.Err()
	}
	if h.teeErr != nil {
		return h.status, fmt.Errorf("duplicate output: %w", h.teeErr)
	}
	return h.status, nil
}

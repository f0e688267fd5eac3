//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"bytemomo/crawlbench/internal/domain"

	"golang.org/x/sys/unix"
)

var (
	Interrupt os.Signal = unix.SIGINT
	Terminate os.Signal = unix.SIGTERM
)

// setProcessGroup puts the child in its own group so Kill can reach any
// descendants still holding the output pipes.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = p.Kill()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState) domain.ExitStatus {
	if ps == nil {
		return domain.ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return domain.ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return domain.ExitStatus{Code: ps.ExitCode()}
}

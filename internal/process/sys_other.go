//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"

	"bytemomo/crawlbench/internal/domain"
)

var (
	Interrupt os.Signal = os.Interrupt
	Terminate os.Signal = os.Kill
)

func setProcessGroup(*exec.Cmd) {}

func killGroup(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState) domain.ExitStatus {
	if ps == nil {
		return domain.ExitStatus{Code: -1}
	}
	return domain.ExitStatus{Code: ps.ExitCode()}
}

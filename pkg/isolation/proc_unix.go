//go:build !windows

package isolation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Channel descriptors as seen by the unit: ExtraFiles[i] becomes fd 3+i.
const (
	invokeFD = 3
	resultFD = 4
)

// sysProcAttr places the unit in its own process group so that it and any
// children it spawns can be signalled together.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func attachChannel(cmd *exec.Cmd, invoke, result *os.File) {
	cmd.ExtraFiles = []*os.File{invoke, result}
}

func workerChannel() (io.ReadCloser, io.WriteCloser, error) {
	in := os.NewFile(invokeFD, "invoke")
	out := os.NewFile(resultFD, "result")
	if in == nil || out == nil {
		return nil, nil, fmt.Errorf("isolation channel descriptors %d/%d are not open", invokeFD, resultFD)
	}
	return in, out, nil
}

// terminateUnit signals the unit's process group: SIGTERM, or SIGKILL when force is set.
func terminateUnit(p *os.Process, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %s to process group %d: %w", sig, p.Pid, err)
	}
	return nil
}

//go:build windows

package isolation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// attachChannel uses the unit's stdin and stdout; ExtraFiles is not supported on Windows.
func attachChannel(cmd *exec.Cmd, invoke, result *os.File) {
	cmd.Stdin = invoke
	cmd.Stdout = result
}

// workerChannel takes over stdout for the protocol and points os.Stdout at
// stderr so that user output cannot corrupt it.
func workerChannel() (io.ReadCloser, io.WriteCloser, error) {
	in, out := os.Stdin, os.Stdout
	os.Stdout = os.Stderr
	return in, out, nil
}

// terminateUnit kills the unit. Windows has no SIGTERM; both modes kill.
func terminateUnit(p *os.Process, _ bool) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %d: %w", p.Pid, err)
	}
	return nil
}

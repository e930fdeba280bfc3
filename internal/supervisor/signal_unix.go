//go:build unix

package supervisor

import (
	"errors"
	"syscall"
)

// signalGroup sends sig to the process group led by pid, falling back to the
// process itself when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

//go:build linux

package supervisor

import "syscall"

// sysProcAttr puts the backend in its own process group and has the kernel
// send it SIGTERM if the proxy dies without cleaning up.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

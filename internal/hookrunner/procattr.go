package hookrunner

import "syscall"

// processGroupAttr puts the spawned hook in its own process group, the
// same Setpgid:true the teacher sets on its Firecracker child (see
// internal/firecracker.Manager.createVM), so a terminate/kill signal
// sent to -pid reaches every descendant the hook forked instead of
// just the shell wrapping it.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

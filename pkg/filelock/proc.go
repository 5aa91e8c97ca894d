package filelock

import "syscall"

// processAlive reports whether a process with the given PID exists on
// this host. Signal 0 performs the existence check without delivering
// anything; EPERM still proves the process exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

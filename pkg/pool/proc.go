package pool

import (
	"syscall"
	"time"
)

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// terminateGroup terminates a start script's process group recorded in
// a slot state file. Used when the incarnation being stopped was
// started by another worker process, so no supervisor handle for it
// exists here. A gone group is a no-op.
func terminateGroup(pgid int) {
	if pgid <= 0 {
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	for i := 0; i < 50; i++ {
		if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

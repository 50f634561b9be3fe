package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	ioprioClassShift = 13
	ioprioClassIdle  = 3
	ioprioWhoProcess = 1
)

// setIdleIOPriority moves a process (or, given a tid, a single thread) into
// the idle I/O scheduling class.
func setIdleIOPriority(pid int) error {
	return setIOPriority(pid, ioprioClassIdle<<ioprioClassShift)
}

func setIOPriority(pid, prio int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(pid), uintptr(prio))
	if errno != 0 {
		return errno
	}
	return nil
}

func getIOPriority(pid int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET, ioprioWhoProcess, uintptr(pid), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// withIdleIO runs fn on a locked OS thread whose I/O priority is idle.
// The previous priority is restored afterwards; if that fails the thread
// stays locked so the runtime discards it instead of reusing it.
// It returns false when the priority could not be lowered.
func withIdleIO(fn func() error) (bool, error) {
	runtime.LockOSThread()
	tid := unix.Gettid()

	prev, err := getIOPriority(tid)
	if err != nil {
		runtime.UnlockOSThread()
		return false, fn()
	}
	if err := setIdleIOPriority(tid); err != nil {
		runtime.UnlockOSThread()
		return false, fn()
	}

	fnErr := fn()
	if err := setIOPriority(tid, prev); err == nil {
		runtime.UnlockOSThread()
	}
	return true, fnErr
}

//go:build linux

package tracee

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrace(req, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptracePtr(req, tid int, addr uintptr, data unsafe.Pointer) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, uintptr(data), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// seize attaches without stopping the thread and follows the threads it
// creates.
func seize(tid int) error {
	return ptrace(unix.PTRACE_SEIZE, tid, 0, unix.PTRACE_O_TRACECLONE)
}

func interrupt(tid int) error {
	return ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0)
}

func listen(tid int) error {
	return ptrace(unix.PTRACE_LISTEN, tid, 0, 0)
}

func detach(tid int, sig unix.Signal) error {
	return ptrace(unix.PTRACE_DETACH, tid, 0, uintptr(sig))
}

// gone reports whether err means the thread no longer exists.
func gone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

// wait4 retries on EINTR.
func wait4(pid, options int) (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		tid, err := unix.Wait4(pid, &ws, options|unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return tid, ws, err
	}
}

// stopKind is why a thread reported a ptrace stop.
type stopKind int

const (
	stopNone stopKind = iota
	// stopSignal is a signal-delivery stop. The signal is delivered
	// when the thread resumes unless the tracer drops it.
	stopSignal
	// stopTrap is a breakpoint or single-step SIGTRAP.
	stopTrap
	stopClone
	// stopInterrupt is the stop PTRACE_INTERRUPT asked for, or the
	// first stop of a thread attached through a clone.
	stopInterrupt
	// stopGroup is job control stopping the whole process.
	stopGroup
	stopEvent
)

func (k stopKind) String() string {
	switch k {
	case stopSignal:
		return "signal"
	case stopTrap:
		return "trap"
	case stopClone:
		return "clone"
	case stopInterrupt:
		return "interrupt"
	case stopGroup:
		return "group"
	case stopEvent:
		return "event"
	default:
		return "none"
	}
}

// classify decodes a wait status. The ptrace event sits above the stop
// signal.
func classify(ws unix.WaitStatus) (stopKind, unix.Signal) {
	if !ws.Stopped() {
		return stopNone, 0
	}
	sig := ws.StopSignal()
	event := int(uint32(ws) >> 16)

	switch event {
	case 0:
		if sig == unix.SIGTRAP {
			return stopTrap, sig
		}
		return stopSignal, sig
	case unix.PTRACE_EVENT_CLONE:
		return stopClone, sig
	case unix.PTRACE_EVENT_STOP:
		switch sig {
		case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
			return stopGroup, sig
		}
		return stopInterrupt, sig
	default:
		return stopEvent, sig
	}
}

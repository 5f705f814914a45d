//go:build linux

package tracee

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/coral-hook/internal/retry"
)

// Run attaches to pid, calls setup with every thread stopped, serves
// callback traps until ctx ends and then restores the target. If the
// target exits first the session is abandoned and ErrTargetExited
// returned.
func Run(ctx context.Context, pid int, logger zerolog.Logger, opts Options, setup SetupFunc) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	opts = opts.withDefaults()
	p, err := attach(pid, logger)
	if err != nil {
		return err
	}

	s, err := setup(ctx, p.Target())
	if err != nil {
		return errors.Join(err, p.detachAll())
	}

	p.logger.Info().Msg("Serving hooks")
	err = p.resumeAll()
	if err == nil {
		err = p.serve(ctx, s, opts.PollInterval)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = nil
		}
	}
	if errors.Is(err, ErrTargetExited) {
		return p.finish(s, err)
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("Serving failed, tearing down")
	}
	return p.finish(s, errors.Join(err, p.teardown(s, opts)))
}

// finish settles the session after serving or teardown ended with err.
func (p *Process) finish(s Session, err error) error {
	if errors.Is(err, ErrTargetExited) {
		s.Abandon()
		_ = p.detachAll()
		return err
	}
	return errors.Join(err, p.detachAll())
}

// serve handles stops until ctx ends or the target exits.
func (p *Process) serve(ctx context.Context, s Session, poll time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tid, ws, err := wait4(-1, unix.WNOHANG)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return ErrTargetExited
			}
			return fmt.Errorf("wait failed: %w", err)
		}
		if tid == 0 {
			time.Sleep(poll)
			continue
		}
		if err := p.handle(s, tid, ws, false); err != nil {
			return err
		}
	}
}

// handle processes one wait status. While stopping, stopped threads are
// left stopped; otherwise they are resumed.
func (p *Process) handle(s Session, tid int, ws unix.WaitStatus, stopping bool) error {
	t, ok := p.tasks[tid]
	if !ok {
		// A clone child can report before its parent's clone event.
		t = &task{tid: tid}
		p.tasks[tid] = t
	}

	if ws.Exited() || ws.Signaled() {
		delete(p.tasks, tid)
		p.logger.Debug().Int("tid", tid).Msg("Thread exited")
		if len(p.tasks) == 0 {
			return ErrTargetExited
		}
		return nil
	}

	kind, sig := classify(ws)
	switch kind {
	case stopNone:
		return nil
	case stopClone:
		msg, err := unix.PtraceGetEventMsg(tid)
		if err == nil {
			child := int(msg) //nolint:gosec // G115: thread ids fit in int.
			if _, ok := p.tasks[child]; !ok {
				p.tasks[child] = &task{tid: child}
			}
			p.logger.Debug().Int("tid", tid).Int("child", child).Msg("Following new thread")
		}
	case stopTrap:
		handled, err := p.trap(s, t)
		if err != nil {
			return err
		}
		if !handled {
			t.pending = unix.SIGTRAP
		}
	case stopSignal:
		t.pending = sig
	case stopGroup:
		if !stopping {
			// Stay in job control stop without holding the thread.
			if err := listen(tid); err != nil && !gone(err) {
				return fmt.Errorf("failed to listen on %d: %w", tid, err)
			}
			return nil
		}
	}

	t.stopped = true
	if stopping {
		return nil
	}
	return p.resume(t)
}

// trap serves a callback trap. It reports false for a SIGTRAP that is
// not ours.
func (p *Process) trap(s Session, t *task) (bool, error) {
	if s == nil || s.Stub() == nil {
		return false, nil
	}
	stub := s.Stub()
	r, err := getRegs(t.tid)
	if err != nil {
		if gone(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to read registers of %d: %w", t.tid, err)
	}
	pc := r.pc()
	if !stub.IsTrap(pc) {
		return false, nil
	}

	regs := s.Bridge().Callback.IntArgs
	args := make([]uint64, len(regs))
	for i, reg := range regs {
		args[i] = r.reg(reg)
	}
	if err := s.DispatchArgs(args); err != nil {
		// The session reported it; the thread still has to leave the stub.
		p.logger.Debug().Err(err).Int("tid", t.tid).Msg("Callback failed")
	}

	r.setPC(stub.ResumePC(pc))
	if err := setRegs(t.tid, r); err != nil {
		return false, fmt.Errorf("failed to resume %d past the stub: %w", t.tid, err)
	}
	return true, nil
}

func (p *Process) resume(t *task) error {
	sig := t.pending
	t.pending = 0
	t.stopped = false
	if err := unix.PtraceCont(t.tid, int(sig)); err != nil {
		if gone(err) {
			delete(p.tasks, t.tid)
			return nil
		}
		return fmt.Errorf("failed to continue %d: %w", t.tid, err)
	}
	return nil
}

func (p *Process) resumeAll() error {
	var errs []error
	for _, t := range p.tasks {
		if !t.stopped {
			continue
		}
		if err := p.resume(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Process) running() int {
	n := 0
	for _, t := range p.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// stopAll interrupts every running thread and waits for all of them.
// Traps raised on the way are served.
func (p *Process) stopAll(s Session) error {
	for _, t := range p.tasks {
		if t.stopped {
			continue
		}
		if err := interrupt(t.tid); err != nil && !gone(err) {
			return fmt.Errorf("failed to interrupt %d: %w", t.tid, err)
		}
	}
	return p.waitStopped(s)
}

func (p *Process) waitStopped(s Session) error {
	for p.running() > 0 {
		tid, ws, err := wait4(-1, 0)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return ErrTargetExited
			}
			return fmt.Errorf("wait failed: %w", err)
		}
		if err := p.handle(s, tid, ws, true); err != nil {
			return err
		}
	}
	return nil
}

// quiesce stops the target and reports whether no thread is inside
// instrumented code. Threads are left stopped when it is, and running
// otherwise.
func (p *Process) quiesce(s Session, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := retry.Do(ctx, retry.Config{
		MaxRetries:     1 << 20,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, func() error {
		if err := p.stopAll(s); err != nil {
			return retry.Permanent(err)
		}
		pcs, err := p.pcs()
		if err != nil {
			return retry.Permanent(err)
		}
		if qerr := s.Quiescent(pcs); qerr != nil {
			if err := p.resumeAll(); err != nil {
				return retry.Permanent(err)
			}
			return qerr
		}
		return nil
	}, nil)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	}
	return false, err
}

// teardown waits for quiescence, restores the target and detaches.
// Between rounds the hooks keep being served.
func (p *Process) teardown(s Session, opts Options) error {
	p.logger.Info().Msg("Tearing down hooks")
	for round := 1; ; round++ {
		ok, err := p.quiesce(s, opts.QuiesceTimeout)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		p.logger.Warn().
			Int("round", round).
			Dur("timeout", opts.QuiesceTimeout).
			Msg("Threads still inside instrumented code, serving before retrying")

		ctx, cancel := context.WithTimeout(context.Background(), opts.QuiesceTimeout)
		err = p.serve(ctx, s, opts.PollInterval)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return s.Close()
}

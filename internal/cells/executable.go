package cells

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// DefaultStopGrace is the default grace period between SIGTERM and
// SIGKILL in stop (spec §4.4).
const DefaultStopGrace = 10 * time.Second

// supervisor implements C4: it owns every ChildHandle the namespace
// engine produces until the child reaches a terminal state.
type supervisor struct {
	engine *namespaceEngine
	reaper *reaper
	logger hclog.Logger
}

func newSupervisor(reaper *reaper, logger hclog.Logger) *supervisor {
	return &supervisor{
		engine: newNamespaceEngine(logger),
		reaper: reaper,
		logger: logger.Named("supervisor"),
	}
}

// start spawns exe inside cell's cgroup with the cell's isolation
// flags, transitioning it from Starting to Running only after the
// child is attached to the cgroup and released to exec (spec §4.4,
// §5: "Start reports success only after the child has been (a) placed
// in the cgroup and (b) released to exec").
func (s *supervisor) start(exe *Executable, cgroup *CgroupHandle, iso IsolationFlags) (int, error) {
	exe.mu.Lock()
	if exe.state != ExecStarting {
		exe.mu.Unlock()
		return 0, errInternal("start called on executable %q in state %s", exe.name, exe.state)
	}
	spec := ExecSpec{Name: exe.name, Command: exe.command, Description: exe.description}
	exe.mu.Unlock()

	validated, err := ValidateExec(spec)
	if err != nil {
		s.failStart(exe, ExitStatus{Code: -1})
		return 0, err
	}

	// register the reaper callback from inside spawn, before it writes
	// the child's release ack, so a child that exits immediately after
	// release can never be reaped as "untracked" ahead of anything
	// listening for it.
	child, err := s.engine.spawn(validated, cgroup, iso, func(pid int) {
		s.reaper.register(pid, func(status ExitStatus) {
			s.onExit(exe, status)
		})
	})
	if err != nil {
		s.failStart(exe, ExitStatus{Code: -1})
		return 0, err
	}

	exe.mu.Lock()
	exe.child = child
	exe.hostPID = child.Pid
	exe.state = ExecRunning
	started := exe.started
	exe.mu.Unlock()
	close(started)

	return child.Pid, nil
}

func (s *supervisor) failStart(exe *Executable, status ExitStatus) {
	exe.mu.Lock()
	exe.state = ExecExited
	exe.exit = &status
	waiters := exe.waiters
	exe.waiters = nil
	started := exe.started
	exe.mu.Unlock()
	close(started)
	for _, w := range waiters {
		w <- status
		close(w)
	}
}

// onExit is the reaper's dispatch target (spec §4.4's SIGCHLD
// handling): transition to Exited, cache status, wake any waiter.
func (s *supervisor) onExit(exe *Executable, status ExitStatus) {
	exe.mu.Lock()
	exe.state = ExecExited
	exe.exit = &status
	waiters := exe.waiters
	exe.waiters = nil
	pid := exe.hostPID
	exe.mu.Unlock()

	s.logger.Debug("executable exited", "name", exe.name, "pid", pid, "code", status.Code, "signaled", status.Signaled)

	for _, w := range waiters {
		w <- status
		close(w)
	}
}

// stop sends SIGTERM, waits grace, then SIGKILL, returning the first
// exit observed. Idempotent: stopping an already-Exited executable
// returns its cached status without signaling anything (spec §4.4).
func (s *supervisor) stop(ctx context.Context, exe *Executable, grace time.Duration) (ExitStatus, error) {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	exe.mu.Lock()
	if exe.state == ExecExited {
		status := *exe.exit
		exe.mu.Unlock()
		return status, nil
	}
	starting := exe.state == ExecStarting
	started := exe.started
	exe.mu.Unlock()

	// A Stop racing a Start that has not yet recorded a pid (or failed
	// outright) must not act on the zero value: pid 0 means "every
	// process in this process group," which would signal the daemon
	// itself. Wait for Start to leave Starting before touching hostPID
	// (spec §5: operations on the same cell/executable observe a
	// well-defined order, never a half-started one).
	if starting {
		select {
		case <-started:
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		}
	}

	exe.mu.Lock()
	if exe.state == ExecExited {
		status := *exe.exit
		exe.mu.Unlock()
		return status, nil
	}
	pid := exe.hostPID
	if pid <= 0 {
		exe.mu.Unlock()
		return ExitStatus{}, errInternal("stop: executable %q has no live pid in state %s", exe.name, exe.state)
	}
	wait := make(chan ExitStatus, 1)
	exe.waiters = append(exe.waiters, wait)
	if exe.state == ExecRunning {
		exe.state = ExecStopping
	}
	exe.mu.Unlock()

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		s.logger.Warn("SIGTERM delivery failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case status := <-wait:
		return status, nil
	case <-timer.C:
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			s.logger.Warn("SIGKILL delivery failed", "pid", pid, "error", err)
		}
		select {
		case status := <-wait:
			return status, nil
		case <-ctx.Done():
			return ExitStatus{}, errInternal("stop: context cancelled waiting for SIGKILL reap of pid %d", pid)
		}
	}
}

// await blocks until exe reaches Exited, returning its status.
func (s *supervisor) await(ctx context.Context, exe *Executable) (ExitStatus, error) {
	exe.mu.Lock()
	if exe.state == ExecExited {
		status := *exe.exit
		exe.mu.Unlock()
		return status, nil
	}
	wait := make(chan ExitStatus, 1)
	exe.waiters = append(exe.waiters, wait)
	exe.mu.Unlock()

	select {
	case status := <-wait:
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

package cells

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// reaper implements C7: the single, process-wide subscriber to SIGCHLD.
// It never calls (*exec.Cmd).Wait — every supervised child is started
// with Cmd.Start only, and once a child has been released this loop is
// the only thing that waits on it, so it is reaped exactly once (spec
// invariant 5). The one other wait in the daemon is in spawn's error
// paths, which kill and wait on a child that was never released and
// never registered here.
type reaper struct {
	logger hclog.Logger
	sigCh  chan os.Signal
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	onExit    map[int]func(ExitStatus)
	shutdownF func()
	hupF      func()
}

func newReaper(logger hclog.Logger) *reaper {
	return &reaper{
		logger: logger.Named("reaper"),
		sigCh:  make(chan os.Signal, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		onExit: make(map[int]func(ExitStatus)),
	}
}

// register arranges for fn to be invoked, exactly once, with the exit
// status observed for pid. The supervisor calls this from inside
// spawn's beforeRelease hook, synchronously before the child's sync
// pipe ack is written, so the callback is always in place before the
// child can possibly run user code, let alone exit.
func (r *reaper) register(pid int, fn func(ExitStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExit[pid] = fn
}

func (r *reaper) unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.onExit, pid)
}

// onShutdown/onHangup wire the daemon-level signal handling described
// in spec §4.7: SIGTERM/SIGINT run the shutdown hook (on its own
// goroutine), SIGHUP runs the hangup hook.
func (r *reaper) onShutdown(fn func()) { r.shutdownF = fn }
func (r *reaper) onHangup(fn func())   { r.hupF = fn }

func (r *reaper) start() {
	signal.Notify(r.sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go r.loop()
}

func (r *reaper) stop() {
	close(r.stopCh)
	<-r.doneCh
	signal.Stop(r.sigCh)
}

func (r *reaper) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case sig := <-r.sigCh:
			switch sig {
			case syscall.SIGCHLD:
				r.drainExits()
			case syscall.SIGTERM, syscall.SIGINT:
				if r.shutdownF != nil {
					go r.shutdownF()
				}
			case syscall.SIGHUP:
				if r.hupF != nil {
					r.hupF()
				}
			}
		}
	}
}

// drainExits non-blockingly reaps every pending child exit and
// dispatches each (pid, status) pair to whatever callback is registered
// for it (spec §4.7). A pid with no registered callback is a child we
// don't track (shouldn't happen for a PID-1-class daemon, but is
// swallowed rather than leaked as a zombie).
func (r *reaper) drainExits() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		status := ExitStatus{Code: ws.ExitStatus()}
		if ws.Signaled() {
			status.Signaled = true
			status.Signal = int(ws.Signal())
		}

		r.mu.Lock()
		fn := r.onExit[pid]
		delete(r.onExit, pid)
		r.mu.Unlock()

		if fn != nil {
			fn(status)
		} else {
			r.logger.Debug("reaped untracked pid", "pid", pid)
		}
	}
}

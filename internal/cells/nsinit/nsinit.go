// Package nsinit is the child side of the namespace engine's
// fork-with-namespaces primitive (spec §4.3). The daemon binary
// re-execs itself into this entrypoint as the very first thing main()
// does, recognizing its own marker argv the way runc's "init" stage and
// Docker's dockerinit are detected before any other startup code runs.
//
// Main never returns on success: it either syscall.Exec's directly into
// the target image (host PID mode) or becomes PID 1 of a new PID
// namespace and os.Exit's with the supervised child's exit code.
package nsinit

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// syncPipeFD matches cells.syncPipeFD: fd 3 is the read end of the
// parent<->child synchronization pipe, placed there by ExtraFiles.
const syncPipeFD = 3

// Main is invoked by cmd/auraed's main() when os.Args[1] identifies
// this process as an nsinit child. args is os.Args[2:]: a "0"/"1"
// pid-isolation flag, followed by the resolved binary path and its
// argv.
func Main(args []string) {
	if len(args) < 2 {
		fatalf("nsinit: missing arguments")
	}
	pidIsolated := args[0] == "1"
	targetArgv := args[1:]

	if err := awaitRelease(); err != nil {
		fatalf("nsinit: %v", err)
	}

	if pidIsolated {
		if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
			fatalf("nsinit: mount /proc: %v", err)
		}
		if _, err := unix.Setsid(); err != nil {
			// Already a session leader is not fatal; any other error is.
			if err != unix.EPERM {
				fatalf("nsinit: setsid: %v", err)
			}
		}
		os.Exit(runAsInit(targetArgv))
	}

	// Not PID-isolated: replace our image directly, the process keeps
	// its host-namespace identity as the Executable's child handle.
	if err := syscall.Exec(targetArgv[0], targetArgv, os.Environ()); err != nil {
		fatalf("nsinit: exec %q: %v", targetArgv[0], err)
	}
}

// awaitRelease blocks on the sync pipe until the parent has attached
// our PID to the target cgroup and written the "go" byte (spec §4.3
// step 3): "the child must never execute user code outside the
// cgroup."
func awaitRelease() error {
	f := os.NewFile(uintptr(syncPipeFD), "sync-pipe")
	defer f.Close()
	buf := make([]byte, 1)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("reading sync pipe: %w", err)
	}
	return nil
}

// runAsInit implements the minimal reaper described in spec §4.3 step
// 4: this process is PID 1 of a fresh PID namespace, so it must reap
// every orphaned descendant, not just its one direct child, or they
// become permanent zombies with no other init to collect them.
func runAsInit(argv []string) int {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: starting %q: %v\n", argv[0], err)
		return 1
	}
	direct := cmd.Process.Pid

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)

	exitCode := 0
	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			_ = unix.Kill(direct, sig.(syscall.Signal))
		case syscall.SIGCHLD:
			for {
				var status unix.WaitStatus
				pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				if pid == direct {
					exitCode = status.ExitStatus()
					if status.Signaled() {
						exitCode = 128 + int(status.Signal())
					}
					return exitCode
				}
				// A reparented grandchild: it has already been reaped by
				// this Wait4 call, which is this process's entire job as
				// PID 1 of the namespace.
			}
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

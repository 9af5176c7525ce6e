package cells

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// nsinitMarker is argv[1] the daemon binary recognizes to divert into
// the child-side init stage instead of running the daemon, the same
// re-exec trick the teacher's own executor documents against
// "/proc/self/exe" and that the pack's reference job-runners
// (ccrun/internal/ns, teleport-job-worker/pkg/worker) implement by
// hand in the absence of a full libcontainer factory.
const nsinitMarker = "__aurae_nsinit__"

// syncPipeFD is the file descriptor, inside the child, of the read end
// of the parent<->child synchronization pipe (spec §4.3 step 1). It is
// always fd 3: stdin/stdout/stderr occupy 0-2, and ExtraFiles appends
// starting at 3.
const syncPipeFD = 3

// IsolationFlags selects which namespaces spawn unshares, derived 1:1
// from CellSpec's isolate_process / isolate_network (spec §3).
type IsolationFlags struct {
	IsolateProcess bool
	IsolateNetwork bool
}

// ChildHandle is the opaque, exclusive handle C4 holds for a spawned
// child until it reaches a terminal state (spec §3/§4.4).
type ChildHandle struct {
	Pid int
}

// namespaceEngine implements C3. spawn performs the single atomic
// "fork-with-namespaces" primitive described in spec §4.3, synchronously
// on the calling goroutine -- the clone/cgroup-attach/release sequence
// cannot yield mid-sequence (spec §9, "Async vs. sync spawn").
type namespaceEngine struct {
	logger hclog.Logger
}

func newNamespaceEngine(logger hclog.Logger) *namespaceEngine {
	return &namespaceEngine{logger: logger.Named("namespace")}
}

// spawn clones a new process with the requested namespaces, attaches it
// to cgroup before releasing it to exec, and returns its ChildHandle.
// exe.Command is split shell-style into argv here by splitCommand;
// argv[0] must be an absolute path or resolvable via PATH.
//
// beforeRelease, if non-nil, runs synchronously after the child is
// attached to its cgroup but before the release ack is written -- the
// caller's chance to register the pid with the reaper while the child
// is still guaranteed blocked on the sync pipe, so a child that exits
// immediately after release is never reaped before anything is
// listening for it.
func (n *namespaceEngine) spawn(exe *ValidatedExec, cgroup *CgroupHandle, iso IsolationFlags, beforeRelease func(pid int)) (*ChildHandle, error) {
	argv, err := splitCommand(exe.Command)
	if err != nil {
		return nil, errExec(err)
	}
	binPath, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, errExec(err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, errIsolation(fmt.Errorf("resolving self executable: %w", err))
	}

	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		return nil, errIsolation(fmt.Errorf("allocating sync pipe: %w", err))
	}
	defer syncRead.Close()

	childArgs := append([]string{nsinitMarker, boolFlag(iso.IsolateProcess), binPath}, argv[1:]...)

	cmd := exec.Command(self, childArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{syncRead}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags(iso),
		Pdeathsig:  syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		syncWrite.Close()
		return nil, errIsolation(fmt.Errorf("clone/unshare: %w", err))
	}

	pid := cmd.Process.Pid

	// Step 3 of spec §4.3: the parent writes the child's host PID into
	// the target cgroup's cgroup.procs BEFORE releasing the child. The
	// child never executes user code outside the cgroup.
	if cgroup != nil {
		if err := attachPID(cgroup, pid); err != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			syncWrite.Close()
			return nil, err
		}
	}

	if beforeRelease != nil {
		beforeRelease(pid)
	}

	// Release the child: write the "go" ack and close our end.
	if _, err := syncWrite.Write([]byte{'g'}); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, errIsolation(fmt.Errorf("releasing child: %w", err))
	}
	syncWrite.Close()

	return &ChildHandle{Pid: pid}, nil
}

// configureNamespaces mirrors the teacher's own
// TestExecutor_configureNamespaces table: the cgroup namespace is
// always unshared; PID/mount/UTS/IPC are tied together by
// isolate_process; NET is tied to isolate_network.
func configureNamespaces(iso IsolationFlags) []string {
	ns := []string{"cgroup"}
	if iso.IsolateProcess {
		ns = append(ns, "pid", "mnt", "uts", "ipc")
	}
	if iso.IsolateNetwork {
		ns = append(ns, "net")
	}
	return ns
}

func cloneFlags(iso IsolationFlags) uintptr {
	var flags uintptr = unix.CLONE_NEWCGROUP
	if iso.IsolateProcess {
		flags |= unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC
	}
	if iso.IsolateNetwork {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// splitCommand parses a shell-style command line into argv, honoring
// single and double quotes, the way the supervisor is asked to (spec
// §3: "command: shell-style command line (parsed by the supervisor
// into argv)").
func splitCommand(command string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	var inSingle, inDouble bool
	flush := func() {
		if cur.Len() > 0 {
			argv = append(argv, cur.String())
			cur.Reset()
		}
	}
	for _, r := range command {
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			inSingle = true
		case r == '"':
			inDouble = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command: %q", command)
	}
	flush()
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

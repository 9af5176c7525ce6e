package cells

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"/bin/sleep 10", []string{"/bin/sleep", "10"}},
		{"/bin/ps -A", []string{"/bin/ps", "-A"}},
		{`/bin/echo "hello world"`, []string{"/bin/echo", "hello world"}},
		{`/bin/echo 'a b' c`, []string{"/bin/echo", "a b", "c"}},
		{"/bin/true", []string{"/bin/true"}},
	}
	for _, tc := range cases {
		got, err := splitCommand(tc.in)
		require.NoErrorf(t, err, "splitCommand(%q)", tc.in)
		must.Eq(t, tc.want, got)
	}
}

func TestSplitCommand_Errors(t *testing.T) {
	_, err := splitCommand("")
	must.Error(t, err)

	_, err = splitCommand(`/bin/echo "unterminated`)
	must.Error(t, err)
}

// TestConfigureNamespaces mirrors the teacher's own
// TestExecutor_configureNamespaces table (spec §4.3: PID, mount, UTS,
// IPC are tied together by isolate_process; NET by isolate_network; the
// cgroup namespace is always unshared).
func TestConfigureNamespaces(t *testing.T) {
	cases := []struct {
		name string
		iso  IsolationFlags
		want []string
	}{
		{"host host", IsolationFlags{}, []string{"cgroup"}},
		{"host isolated-net", IsolationFlags{IsolateNetwork: true}, []string{"cgroup", "net"}},
		{"isolated-process host", IsolationFlags{IsolateProcess: true}, []string{"cgroup", "pid", "mnt", "uts", "ipc"}},
		{"isolated-process isolated-net", IsolationFlags{IsolateProcess: true, IsolateNetwork: true}, []string{"cgroup", "pid", "mnt", "uts", "ipc", "net"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := configureNamespaces(tc.iso)
			must.Eq(t, tc.want, got)
		})
	}
}

func TestCloneFlags(t *testing.T) {
	always := uintptr(unix.CLONE_NEWCGROUP)
	must.Eq(t, always, cloneFlags(IsolationFlags{}))

	withProcess := cloneFlags(IsolationFlags{IsolateProcess: true})
	for _, want := range []uintptr{unix.CLONE_NEWPID, unix.CLONE_NEWNS, unix.CLONE_NEWUTS, unix.CLONE_NEWIPC} {
		must.NotEq(t, uintptr(0), withProcess&want)
	}

	withNet := cloneFlags(IsolationFlags{IsolateNetwork: true})
	must.NotEq(t, uintptr(0), withNet&unix.CLONE_NEWNET)
}

package cells

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

// TestRegistry_S3_NestedCellRequiresParent pins scenario S3: Allocate("p/c")
// before Allocate("p") fails with ParentNotAllocated, with no cgroup
// creation attempted (so it needs no root/cgroup-v2 access at all).
func TestRegistry_S3_NestedCellRequiresParent(t *testing.T) {
	r := NewRegistry(discardLogger(), t.TempDir())
	_, err := r.Allocate(CellSpec{Name: "p/c"})
	must.True(t, IsKind(err, KindParentNotAllocated))
}

// TestRegistry_NotFound exercises Free/Start/Stop against a name the
// registry has never seen.
func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry(discardLogger(), t.TempDir())

	err := r.Free("ghost", false)
	must.True(t, IsKind(err, KindNotFound))

	_, err = r.StartExecutable("ghost", ExecSpec{Name: "s", Command: "/bin/true"})
	must.True(t, IsKind(err, KindNotFound))

	_, err = r.StopExecutable(context.Background(), "ghost", "s", 0)
	must.True(t, IsKind(err, KindNotFound))
}

// TestRegistry_S2_DuplicateAllocate pins scenario S2: of several
// concurrent inserts for the same name, exactly one succeeds and the
// rest see AlreadyExists. This only exercises the structural insert
// path (by seeding the first racer as already-Allocating before any
// cgroup I/O), so it needs no root access.
func TestRegistry_S2_DuplicateAllocate(t *testing.T) {
	r := NewRegistry(discardLogger(), t.TempDir())

	validated, err := Validate(CellSpec{Name: "x"})
	require.NoError(t, err)
	_, err = r.insertAllocating(validated, "")
	require.NoError(t, err, "first insert should win the race")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.insertAllocating(validated, "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		must.True(t, IsKind(err, KindAlreadyExists))
	}
}

// TestRegistry_List_EmptySnapshot checks that List on an empty registry
// yields an immediately-exhausted Snapshot.
func TestRegistry_List_EmptySnapshot(t *testing.T) {
	r := NewRegistry(discardLogger(), t.TempDir())
	snap := r.List()
	_, ok := snap.Next()
	must.False(t, ok)
}

// TestRegistry_Lifecycle exercises scenario S1 end to end against a
// real cgroup-v2 hierarchy: Allocate, Start, Stop, Free.
func TestRegistry_Lifecycle(t *testing.T) {
	root := requireCgroupV2(t)
	r := NewRegistry(discardLogger(), root)
	r.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	}()

	cell, err := r.Allocate(CellSpec{Name: "sleeper", CPU: &CPUSpec{Weight: 100, Max: 400000}})
	require.NoError(t, err)
	must.Eq(t, CellAllocated, cell.State())

	pid, err := r.StartExecutable("sleeper", ExecSpec{Name: "s1", Command: "/bin/sleep 10"})
	require.NoError(t, err)
	must.Greater(t, 1, pid)

	ctx, cancel := context.WithTimeout(context.Background(), 11*time.Second)
	defer cancel()
	_, err = r.StopExecutable(ctx, "sleeper", "s1", time.Second)
	require.NoError(t, err)

	// Idempotent repeat stop (scenario S4).
	_, err = r.StopExecutable(ctx, "sleeper", "s1", time.Second)
	require.NoError(t, err, "repeat stop should be idempotent")

	require.NoError(t, r.Free("sleeper", false))
}

// TestRegistry_Free_NonRecursiveBlockedByChildren pins the HasChildren
// branch of spec §4.5.
func TestRegistry_Free_NonRecursiveBlockedByChildren(t *testing.T) {
	root := requireCgroupV2(t)
	r := NewRegistry(discardLogger(), root)

	_, err := r.Allocate(CellSpec{Name: "parent"})
	require.NoError(t, err)
	_, err = r.Allocate(CellSpec{Name: "parent/child"})
	require.NoError(t, err)

	err = r.Free("parent", false)
	must.True(t, IsKind(err, KindHasChildren))

	require.NoError(t, r.Free("parent", true))
}

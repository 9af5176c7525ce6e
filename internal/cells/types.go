package cells

import (
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// CellState is the lifecycle state of a live Cell (spec §3).
type CellState int

const (
	CellAllocating CellState = iota
	CellAllocated
	CellFreeing
	CellFreed
)

func (s CellState) String() string {
	switch s {
	case CellAllocating:
		return "Allocating"
	case CellAllocated:
		return "Allocated"
	case CellFreeing:
		return "Freeing"
	default:
		return "Freed"
	}
}

// ExecState is the lifecycle state of a live Executable (spec §4.4).
type ExecState int

const (
	ExecStarting ExecState = iota
	ExecRunning
	ExecStopping
	ExecExited
)

func (s ExecState) String() string {
	switch s {
	case ExecStarting:
		return "Starting"
	case ExecRunning:
		return "Running"
	case ExecStopping:
		return "Stopping"
	default:
		return "Exited"
	}
}

// ExitStatus is the terminal result of an Executable.
type ExitStatus struct {
	Code     int
	Signal   int // 0 if the process exited normally
	Signaled bool
}

// Cell is the live, mutable node of the registry's tree (spec §3).
//
// Parent is a weak back-reference used only for name-path formatting;
// the registry's root owns the tree through Children. mu guards this
// cell's own mutable fields and serializes operations that target it,
// per the per-cell fine-grained guard described in spec §5/§9.
type Cell struct {
	mu sync.Mutex

	name   string
	parent *Cell
	children *set.Set[string] // child segment names, ordered iteration not required here
	childCells map[string]*Cell

	state CellState
	spec  CellSpec

	cgroup *CgroupHandle

	execs map[string]*Executable
}

// Name returns the cell's full slash-path name.
func (c *Cell) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// State returns the cell's current lifecycle state.
func (c *Cell) State() CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Spec returns a copy of the spec this cell was allocated with.
func (c *Cell) Spec() CellSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec
}

// Executable is a process launched inside a Cell (spec §3/§4.4).
type Executable struct {
	mu sync.Mutex

	name        string
	command     string
	description string

	state ExecState
	child *ChildHandle

	hostPID int
	exit    *ExitStatus

	// started is closed exactly once, when state leaves Starting
	// (either into Running on a successful spawn, or straight into
	// Exited on a failed one). stop waits on it before it may read
	// hostPID or signal anything, so it never observes the zero value
	// a not-yet-spawned executable starts with (spec §5).
	started chan struct{}

	waiters []chan ExitStatus
}

// Name returns the executable's name, unique within its owning cell.
func (e *Executable) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// State returns the executable's current lifecycle state.
func (e *Executable) State() ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PID returns the observed host-namespace PID, or 0 before Start completes.
func (e *Executable) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostPID
}

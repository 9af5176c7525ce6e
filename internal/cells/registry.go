package cells

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

// Registry is the process-wide tree of Cell objects (C5). structMu
// guards only the tree's shape (insertion, removal, name lookup); each
// Cell's own mutex serializes the longer-running operations that
// target it, so operations against different cells proceed
// concurrently (spec §5) while operations against the same cell
// observe the order in which they acquired that cell's guard.
type Registry struct {
	logger  hclog.Logger
	cgroups *cgroupBackend
	sup     *supervisor
	reap    *reaper

	structMu sync.Mutex
	roots    map[string]*Cell
	byName   map[string]*Cell
}

// NewRegistry constructs a Registry. cgroupRoot is the Aurae-owned
// cgroup-v2 subtree (empty uses DefaultCgroupRoot).
func NewRegistry(logger hclog.Logger, cgroupRoot string) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Registry{
		logger:  logger.Named("registry"),
		cgroups: newCgroupBackend(cgroupRoot, logger),
		roots:   make(map[string]*Cell),
		byName:  make(map[string]*Cell),
	}
	r.reap = newReaper(logger)
	r.sup = newSupervisor(r.reap, logger)
	return r
}

// Start begins the reaper's signal subscription (C7). Call once, after
// construction, before accepting RPCs.
func (r *Registry) Start() {
	r.reap.onShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			r.logger.Error("graceful shutdown encountered errors", "error", err)
		}
	})
	r.reap.onHangup(func() {
		r.logger.Info("SIGHUP received; log sinks are not reopened")
	})
	r.reap.start()
}

// Allocate implements §4.5 allocate: resolves the parent, creates the
// Cell in Allocating, materializes the cgroup, applies controllers,
// transitions to Allocated. Any failure rolls back to Freed and
// removes the cell from the tree.
func (r *Registry) Allocate(spec CellSpec) (*Cell, error) {
	validated, err := Validate(spec)
	if err != nil {
		return nil, err
	}

	parentName := parentOf(validated.Segments)
	cell, err := r.insertAllocating(validated, parentName)
	if err != nil {
		return nil, err
	}

	handle, err := r.cgroups.create(r.cgroups.pathFor(cell.name))
	if err != nil {
		r.rollback(cell)
		return nil, err
	}
	if err := r.cgroups.apply(handle, spec); err != nil {
		r.rollback(cell)
		return nil, err
	}

	cell.mu.Lock()
	cell.cgroup = handle
	cell.state = CellAllocated
	cell.mu.Unlock()

	r.logger.Info("cell allocated", "name", cell.name)
	return cell, nil
}

// insertAllocating performs the check-and-insert under the structural
// lock only: parent must be Allocated (or be the implicit root), and
// no live Cell may already hold the name (spec invariant 1). This is
// the tie-break point described in spec §4.5: whichever caller's
// insert executes first under this lock wins the name.
func (r *Registry) insertAllocating(validated *ValidatedSpec, parentName string) (*Cell, error) {
	r.structMu.Lock()
	defer r.structMu.Unlock()

	if _, exists := r.byName[validated.Name]; exists {
		return nil, errAlreadyExists(validated.Name)
	}

	var parent *Cell
	if parentName != "" {
		p, ok := r.byName[parentName]
		if !ok || p.State() != CellAllocated {
			return nil, errParentNotAllocated(parentName)
		}
		parent = p
	}

	cell := &Cell{
		name:       validated.Name,
		parent:     parent,
		children:   set.New[string](0),
		childCells: make(map[string]*Cell),
		state:      CellAllocating,
		spec:       validated.CellSpec,
		execs:      make(map[string]*Executable),
	}

	leaf := validated.Segments[len(validated.Segments)-1]
	if parent != nil {
		parent.mu.Lock()
		parent.children.Insert(leaf)
		parent.childCells[leaf] = cell
		parent.mu.Unlock()
	} else {
		r.roots[leaf] = cell
	}
	r.byName[validated.Name] = cell

	return cell, nil
}

// rollback removes a Cell that failed to fully allocate, per spec
// §4.5's "On any error: rollback to Freed and remove from the tree."
func (r *Registry) rollback(cell *Cell) {
	cell.mu.Lock()
	cell.state = CellFreed
	cell.mu.Unlock()
	r.removeFromTree(cell)
}

func (r *Registry) removeFromTree(cell *Cell) {
	r.structMu.Lock()
	defer r.structMu.Unlock()
	delete(r.byName, cell.name)
	leaf := leafOf(cell.name)
	if cell.parent != nil {
		cell.parent.mu.Lock()
		cell.parent.children.Remove(leaf)
		delete(cell.parent.childCells, leaf)
		cell.parent.mu.Unlock()
	} else {
		delete(r.roots, leaf)
	}
}

// Free implements §4.5 free: requires the Cell be Allocated, transitions
// to Freeing, then either fails fast (non-recursive, live children or
// non-exited executables) or recursively drains children depth-first.
func (r *Registry) Free(name string, recursive bool) error {
	r.structMu.Lock()
	cell, ok := r.byName[name]
	r.structMu.Unlock()
	if !ok {
		return errNotFound(name)
	}

	cell.mu.Lock()
	if cell.state != CellAllocated {
		state := cell.state
		cell.mu.Unlock()
		if state == CellFreed {
			return errNotFound(name)
		}
		return errInternal("free called on cell %q in state %s", name, state)
	}
	children := cell.children.Slice()
	cell.state = CellFreeing
	cell.mu.Unlock()

	if !recursive {
		if len(children) > 0 {
			r.revertFreeing(cell)
			return errHasChildren(name)
		}
		if err := r.drainExecutables(cell); err != nil {
			r.revertFreeing(cell)
			return err
		}
		return r.finishFree(cell)
	}

	var result *multierror.Error
	for _, child := range children {
		cell.mu.Lock()
		childCell := cell.childCells[child]
		cell.mu.Unlock()
		if childCell == nil {
			continue
		}
		if err := r.Free(childCell.name, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result.ErrorOrNil() != nil {
		r.revertFreeing(cell)
		return result
	}

	if err := r.drainExecutables(cell); err != nil {
		r.revertFreeing(cell)
		return err
	}
	return r.finishFree(cell)
}

func (r *Registry) revertFreeing(cell *Cell) {
	cell.mu.Lock()
	cell.state = CellAllocated
	cell.mu.Unlock()
}

// drainExecutables enforces invariant 4 (no Executable may be non-Exited
// while its cell is Freeing/Freed): a non-recursive Free fails with
// HasExecutables if any executable has not reached Exited.
func (r *Registry) drainExecutables(cell *Cell) error {
	cell.mu.Lock()
	defer cell.mu.Unlock()
	for _, exe := range cell.execs {
		if exe.State() != ExecExited {
			return errHasExecutables(cell.name)
		}
	}
	return nil
}

func (r *Registry) finishFree(cell *Cell) error {
	cell.mu.Lock()
	handle := cell.cgroup
	cell.mu.Unlock()

	if handle != nil {
		if err := r.cgroups.destroy(handle, cell.name); err != nil {
			r.revertFreeing(cell)
			return err
		}
	}

	cell.mu.Lock()
	cell.state = CellFreed
	cell.cgroup = nil
	cell.mu.Unlock()

	r.removeFromTree(cell)
	r.logger.Info("cell freed", "name", cell.name)
	return nil
}

// StartExecutable implements §4.5 start: locates the cell (must be
// Allocated), asks C4 to spawn inside its cgroup with its isolation
// flags. Names must be unique within the cell.
func (r *Registry) StartExecutable(cellName string, spec ExecSpec) (int, error) {
	validated, err := ValidateExec(spec)
	if err != nil {
		return 0, err
	}

	r.structMu.Lock()
	cell, ok := r.byName[cellName]
	r.structMu.Unlock()
	if !ok {
		return 0, errNotFound(cellName)
	}

	cell.mu.Lock()
	if cell.state != CellAllocated {
		// A cell only reaches Freed by also being dropped from
		// byName, so the other states observable here are
		// Allocating and Freeing: report them the same as an absent
		// cell rather than
		// stretching ParentNotAllocated, which is specific to
		// nested-Allocate parent resolution (spec §7).
		cell.mu.Unlock()
		return 0, errNotFound(cellName)
	}
	if _, exists := cell.execs[validated.Name]; exists {
		cell.mu.Unlock()
		return 0, errAlreadyExists(validated.Name)
	}
	exe := &Executable{
		name:        validated.Name,
		command:     validated.Command,
		description: validated.Description,
		state:       ExecStarting,
		started:     make(chan struct{}),
	}
	cell.execs[validated.Name] = exe
	cgroup := cell.cgroup
	iso := IsolationFlags{IsolateProcess: cell.spec.IsolateProcess, IsolateNetwork: cell.spec.IsolateNetwork}
	cell.mu.Unlock()

	pid, err := r.sup.start(exe, cgroup, iso)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// StopExecutable implements §4.5 stop: delegates to C4; the
// executable's slot is retained for status queries until the cell is
// freed.
func (r *Registry) StopExecutable(ctx context.Context, cellName, execName string, grace time.Duration) (ExitStatus, error) {
	r.structMu.Lock()
	cell, ok := r.byName[cellName]
	r.structMu.Unlock()
	if !ok {
		return ExitStatus{}, errNotFound(cellName)
	}

	cell.mu.Lock()
	exe, ok := cell.execs[execName]
	cell.mu.Unlock()
	if !ok {
		return ExitStatus{}, errNotFound(execName)
	}

	return r.sup.stop(ctx, exe, grace)
}

// CellView is a read-only snapshot of one node in the tree, returned by
// a List Snapshot in pre-order.
type CellView struct {
	Name  string
	State CellState
	Depth int
}

// Snapshot is the lazy, finite, non-restartable pre-order walk over the
// forest described in spec §4.5. A new List call takes a new Snapshot.
type Snapshot struct {
	stack []cellDepth
}

type cellDepth struct {
	cell  *Cell
	depth int
}

// Next returns the next (cell, depth) pair in pre-order, or false when
// the walk is exhausted.
func (s *Snapshot) Next() (CellView, bool) {
	if len(s.stack) == 0 {
		return CellView{}, false
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]

	top.cell.mu.Lock()
	children := make([]string, 0, len(top.cell.childCells))
	for name := range top.cell.childCells {
		children = append(children, name)
	}
	view := CellView{Name: top.cell.name, State: top.cell.state, Depth: top.depth}
	childCells := top.cell.childCells
	top.cell.mu.Unlock()

	// Children are pushed in map iteration order, so the order in which
	// siblings are yielded is not defined and can differ between
	// Snapshots; each Snapshot instance is single-use regardless.
	for _, name := range children {
		s.stack = append(s.stack, cellDepth{cell: childCells[name], depth: top.depth + 1})
	}
	return view, true
}

// List produces a new Snapshot over the current rooted forest.
func (r *Registry) List() *Snapshot {
	r.structMu.Lock()
	defer r.structMu.Unlock()
	snap := &Snapshot{}
	for _, root := range r.roots {
		snap.stack = append(snap.stack, cellDepth{cell: root, depth: 0})
	}
	return snap
}

// Shutdown stops accepting new mutations conceptually (callers are
// expected to stop routing RPCs before calling this), recursively
// frees every root Cell, and joins the reaper loop (spec §9 teardown
// order).
func (r *Registry) Shutdown(ctx context.Context) error {
	r.structMu.Lock()
	roots := make([]string, 0, len(r.roots))
	for name := range r.roots {
		roots = append(roots, name)
	}
	r.structMu.Unlock()

	var result *multierror.Error
rootLoop:
	for _, name := range roots {
		select {
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
			break rootLoop
		default:
		}
		if err := r.Free(name, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.reap.stop()
	return result.ErrorOrNil()
}

func parentOf(segments []string) string {
	if len(segments) <= 1 {
		return ""
	}
	return strings.Join(segments[:len(segments)-1], "/")
}

func leafOf(name string) string {
	return path.Base(name)
}

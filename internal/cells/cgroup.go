package cells

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/opencontainers/runc/libcontainer/cgroups/fs2"
	"github.com/opencontainers/runc/libcontainer/configs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultCgroupRoot is the Aurae-owned subtree below the cgroup-v2 mount
// (spec §4.2: "implementation-chosen, e.g. /sys/fs/cgroup/aurae/").
const DefaultCgroupRoot = "/sys/fs/cgroup/aurae"

// defaultCPUWeight is cgroup-v2's own default for cpu.weight (spec §4.2).
const defaultCPUWeight = 100

// cpuMaxPeriodUS is the period, in microseconds, that CPUSpec.Max is
// expressed against (spec §3: "microseconds per 1,000,000-µs period").
const cpuMaxPeriodUS = 1_000_000

// CgroupHandle is the opaque descriptor the spec requires: it names the
// on-disk cgroup directory and exists only while a Cell is in
// Allocating (late), Allocated, or Freeing (spec §3 invariant 3).
type CgroupHandle struct {
	Path string
}

// cgroupBackend implements C2. It owns no state of its own beyond the
// configured root and logger. create is idempotent; destroy is not (a
// directory that no longer exists is reported as an Internal error).
type cgroupBackend struct {
	root   string
	logger hclog.Logger
}

func newCgroupBackend(root string, logger hclog.Logger) *cgroupBackend {
	if root == "" {
		root = DefaultCgroupRoot
	}
	return &cgroupBackend{root: root, logger: logger.Named("cgroup")}
}

func (b *cgroupBackend) pathFor(cellName string) string {
	return filepath.Join(b.root, filepath.FromSlash(cellName))
}

// create materializes the cgroup-v2 directory for path. It is
// idempotent: creating an already-existing empty directory succeeds.
func (b *cgroupBackend) create(path string) (*CgroupHandle, error) {
	mgr, err := fs2.NewManager(&configs.Cgroup{}, path)
	if err != nil {
		return nil, errCgroupApply("create", err)
	}
	if err := mgr.Apply(-1); err != nil {
		return nil, errCgroupApply("create", err)
	}
	return &CgroupHandle{Path: path}, nil
}

// apply writes the requested controller values. On any failure it
// removes the partially populated directory and returns
// CgroupApplyError, per spec §4.2.
func (b *cgroupBackend) apply(h *CgroupHandle, spec CellSpec) error {
	writes := controllerWrites(spec)
	for _, w := range writes {
		if err := cgroups.WriteFile(h.Path, w.file, w.value); err != nil {
			b.logger.Warn("controller write failed, rolling back cgroup", "path", h.Path, "controller", w.file, "error", err)
			_ = cgroups.RemovePath(h.Path)
			return errCgroupApply(w.file, err)
		}
	}
	return nil
}

type controllerWrite struct {
	file  string
	value string
}

// toLinuxResources maps our CellSpec onto the OCI runtime-spec resource
// shape, the same intermediate representation container runtimes pass
// between their resource model and the cgroup backend. It lets
// controllerWrites stay a pure function of a standard type rather than
// of our own wire format.
func toLinuxResources(spec CellSpec) *specs.LinuxResources {
	res := &specs.LinuxResources{}

	weight := uint16(defaultCPUWeight)
	var quota int64
	var period uint64 = cpuMaxPeriodUS
	if spec.CPU != nil {
		if spec.CPU.Weight != 0 {
			weight = uint16(spec.CPU.Weight)
		}
		if spec.CPU.Max != 0 {
			quota = int64(spec.CPU.Max)
		}
	}
	res.CPU = &specs.LinuxCPU{Shares: u64p(uint64(weight)), Period: &period}
	if quota > 0 {
		res.CPU.Quota = &quota
	}
	if spec.Cpuset != nil {
		res.CPU.Cpus = spec.Cpuset.Cpus
		res.CPU.Mems = spec.Cpuset.Mems
	}

	if spec.Memory != nil {
		res.Memory = &specs.LinuxMemory{}
		if spec.Memory.High > 0 {
			high := int64(spec.Memory.High)
			res.Memory.Reservation = &high
		}
		if spec.Memory.Max > 0 {
			max := int64(spec.Memory.Max)
			res.Memory.Limit = &max
		}
	}

	return res
}

func u64p(v uint64) *uint64 { return &v }

func controllerWrites(spec CellSpec) []controllerWrite {
	res := toLinuxResources(spec)
	var writes []controllerWrite

	writes = append(writes, controllerWrite{"cpu.weight", strconv.FormatUint(*res.CPU.Shares, 10)})
	if res.CPU.Quota != nil {
		writes = append(writes, controllerWrite{"cpu.max", fmt.Sprintf("%d %d", *res.CPU.Quota, *res.CPU.Period)})
	} else {
		writes = append(writes, controllerWrite{"cpu.max", fmt.Sprintf("max %d", *res.CPU.Period)})
	}
	if res.CPU.Cpus != "" {
		writes = append(writes, controllerWrite{"cpuset.cpus", res.CPU.Cpus})
	}
	if res.CPU.Mems != "" {
		writes = append(writes, controllerWrite{"cpuset.mems", res.CPU.Mems})
	}

	if res.Memory != nil {
		if res.Memory.Reservation != nil {
			writes = append(writes, controllerWrite{"memory.high", strconv.FormatInt(*res.Memory.Reservation, 10)})
		}
		if res.Memory.Limit != nil {
			writes = append(writes, controllerWrite{"memory.max", strconv.FormatInt(*res.Memory.Limit, 10)})
		} else {
			writes = append(writes, controllerWrite{"memory.max", "max"})
		}
	}

	return writes
}

// attachPID writes pid into the cgroup's cgroup.procs. Per the
// namespace engine's contract (spec §4.3), this must happen before the
// child is released to exec.
func (b *cgroupBackend) attachPID(h *CgroupHandle, pid int) error {
	return attachPID(h, pid)
}

// attachPID is the free function form used by the namespace engine,
// which does not otherwise need a cgroupBackend instance.
func attachPID(h *CgroupHandle, pid int) error {
	if err := cgroups.WriteFile(h.Path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return errCgroupAttach(err)
	}
	return nil
}

// destroy verifies the cgroup is empty, then removes its directory.
// Never force-kills; a non-empty cgroup is reported as CgroupBusy
// (spec §4.2).
func (b *cgroupBackend) destroy(h *CgroupHandle, name string) error {
	pids, err := b.listPIDs(h)
	if err != nil {
		return errInternal("listing pids for %q: %v", h.Path, err)
	}
	if len(pids) > 0 {
		return errCgroupBusy(name)
	}
	entries, err := os.ReadDir(h.Path)
	if err != nil {
		return errInternal("reading cgroup dir %q: %v", h.Path, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return errCgroupBusy(name)
		}
	}
	if err := cgroups.RemovePath(h.Path); err != nil {
		return errCgroupBusy(name)
	}
	return nil
}

func (b *cgroupBackend) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *cgroupBackend) listPIDs(h *CgroupHandle) ([]int, error) {
	raw, err := cgroups.ReadFile(h.Path, "cgroup.procs")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

package cells

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxNameDepth bounds the number of slash-separated segments in a cell
// name. The spec requires an implementation-chosen maximum of at least 4;
// this picks 8 to give callers room for a realistic tenancy tree without
// letting a pathological request build an unbounded path.
const MaxNameDepth = 8

// segmentPattern matches a single path segment: lowercase alnum, then
// lowercase alnum or '-'.
var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// CellSpec is the immutable input to Allocate (spec §3).
type CellSpec struct {
	Name           string
	CPU            *CPUSpec
	Cpuset         *CpusetSpec
	Memory         *MemorySpec
	IsolateProcess bool
	IsolateNetwork bool
}

// CPUSpec configures cgroup-v2 cpu.weight / cpu.max.
type CPUSpec struct {
	Weight uint64 // [1, 10000], 0 means "unset, default 100"
	Max    uint64 // microseconds per 1_000_000us period; 0 means no limit
}

// CpusetSpec configures cgroup-v2 cpuset.cpus / cpuset.mems. Validated
// syntactically only; the kernel enforces the actual values.
type CpusetSpec struct {
	Cpus string
	Mems string
}

// MemorySpec configures cgroup-v2 memory.high / memory.max, in bytes.
type MemorySpec struct {
	High uint64 // 0 means unset
	Max  uint64 // 0 means unset
}

// ExecSpec is the input to Start (spec §6).
type ExecSpec struct {
	Name        string
	Command     string
	Description string
}

// ValidatedSpec wraps a CellSpec that has passed Validate, plus its
// derived path segments. It carries no additional behavior; its purpose
// is purely to make "unvalidated spec reached the registry" a type error.
type ValidatedSpec struct {
	CellSpec
	Segments []string
}

// ValidatedExec is an ExecSpec that has passed ValidateExec.
type ValidatedExec struct {
	ExecSpec
}

// Validate implements C1: a pure function rejecting malformed specs
// before any syscall is made. Errors name the offending field.
func Validate(spec CellSpec) (*ValidatedSpec, error) {
	segments, err := validateName(spec.Name)
	if err != nil {
		return nil, err
	}
	if spec.CPU != nil {
		if err := validateCPU(*spec.CPU); err != nil {
			return nil, err
		}
	}
	if spec.Cpuset != nil {
		if err := validateCpuset(*spec.Cpuset); err != nil {
			return nil, err
		}
	}
	if spec.Memory != nil {
		if err := validateMemory(*spec.Memory); err != nil {
			return nil, err
		}
	}
	return &ValidatedSpec{CellSpec: spec, Segments: segments}, nil
}

// ValidateExec validates an executable spec against the charset shared
// with cell-name segments, plus non-empty command.
func ValidateExec(spec ExecSpec) (*ValidatedExec, error) {
	if spec.Name == "" || !segmentPattern.MatchString(spec.Name) {
		return nil, errValidation("name", "charset")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errValidation("command", "empty")
	}
	return &ValidatedExec{ExecSpec: spec}, nil
}

func validateName(name string) ([]string, error) {
	if name == "" {
		return nil, errValidation("name", "empty")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return nil, errValidation("name", "leading or trailing slash")
	}
	segments := strings.Split(name, "/")
	if len(segments) > MaxNameDepth {
		return nil, errValidation("name", "exceeds maximum nesting depth")
	}
	for _, seg := range segments {
		if seg == "" {
			return nil, errValidation("name", "empty segment")
		}
		if !isASCII(seg) {
			return nil, errValidation("name", "non-ascii")
		}
		if !segmentPattern.MatchString(seg) {
			return nil, errValidation("name", "charset")
		}
	}
	return segments, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func validateCPU(c CPUSpec) error {
	if c.Weight != 0 && (c.Weight < 1 || c.Weight > 10000) {
		return errValidation("cpu.weight", "out of range [1, 10000]")
	}
	return nil
}

func validateMemory(m MemorySpec) error {
	// Unsigned fields can't go negative; nothing further to check beyond
	// "max < high" being nonsensical, which the kernel itself rejects.
	if m.Max != 0 && m.High != 0 && m.High > m.Max {
		return errValidation("memory.high", "greater than memory.max")
	}
	return nil
}

func validateCpuset(c CpusetSpec) error {
	if c.Cpus != "" {
		if err := validateRangeList(c.Cpus); err != nil {
			return errValidation("cpuset.cpus", err.Error())
		}
	}
	if c.Mems != "" {
		if err := validateRangeList(c.Mems); err != nil {
			return errValidation("cpuset.mems", err.Error())
		}
	}
	return nil
}

// validateRangeList checks a kernel cpuset-style range-list string such
// as "0-3,7,9-11" for syntactic validity: a comma-separated list of
// non-negative integers or integer ranges, low <= high.
func validateRangeList(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return errBadRange
		}
		bounds := strings.SplitN(part, "-", 2)
		lo, err := strconv.ParseUint(bounds[0], 10, 32)
		if err != nil {
			return errBadRange
		}
		if len(bounds) == 2 {
			hi, err := strconv.ParseUint(bounds[1], 10, 32)
			if err != nil {
				return errBadRange
			}
			if hi < lo {
				return errBadRange
			}
		}
	}
	return nil
}

var errBadRange = strconvError("non-numeric or malformed range")

type strconvError string

func (e strconvError) Error() string { return string(e) }

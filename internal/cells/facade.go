package cells

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// Service is C6: the façade every RPC handler calls through. Its only
// responsibilities are delegating field validation to C1 (via
// Registry, which calls Validate/ValidateExec itself), passing
// registry errors through unchanged (no remapping is done: most are
// *Error values, but a recursive Free that fails returns its child
// errors aggregated in a *multierror.Error, and a Stop whose context
// ends while the executable is still starting returns the context's
// error), and recording an audit
// entry for every mutating call (spec §6: "the façade records [the
// caller identity] on every mutating call for audit").
type Service struct {
	registry *Registry
	logger   hclog.Logger
}

// NewService wraps a Registry behind the façade.
func NewService(registry *Registry, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{registry: registry, logger: logger.Named("facade")}
}

// AllocateRequest is the wire shape of Allocate (spec §6).
type AllocateRequest struct {
	Caller string
	Cell   CellSpec
}

// AllocateResponse is Allocate's success response.
type AllocateResponse struct {
	CellName string
	CgroupV2 bool
}

func (s *Service) Allocate(_ context.Context, req AllocateRequest) (AllocateResponse, error) {
	s.audit("Allocate", req.Caller, req.Cell.Name)
	cell, err := s.registry.Allocate(req.Cell)
	if err != nil {
		return AllocateResponse{}, err
	}
	return AllocateResponse{CellName: cell.Name(), CgroupV2: true}, nil
}

// FreeRequest is the wire shape of Free. Recursive resolves the Open
// Question in spec §9 by making recursion an explicit, default-false
// request field (see SPEC_FULL.md).
type FreeRequest struct {
	Caller    string
	CellName  string
	Recursive bool
}

// FreeResponse is Free's (empty) success response.
type FreeResponse struct{}

func (s *Service) Free(_ context.Context, req FreeRequest) (FreeResponse, error) {
	s.audit("Free", req.Caller, req.CellName)
	if err := s.registry.Free(req.CellName, req.Recursive); err != nil {
		return FreeResponse{}, err
	}
	return FreeResponse{}, nil
}

// StartRequest is the wire shape of Start.
type StartRequest struct {
	Caller     string
	CellName   string
	Executable ExecSpec
}

// StartResponse is Start's success response.
type StartResponse struct {
	PID int32
}

func (s *Service) Start(_ context.Context, req StartRequest) (StartResponse, error) {
	s.audit("Start", req.Caller, req.CellName)
	pid, err := s.registry.StartExecutable(req.CellName, req.Executable)
	if err != nil {
		return StartResponse{}, err
	}
	return StartResponse{PID: int32(pid)}, nil
}

// StopRequest is the wire shape of Stop.
type StopRequest struct {
	Caller         string
	CellName       string
	ExecutableName string
	Grace          time.Duration
}

// StopResponse is Stop's (empty) success response.
type StopResponse struct{}

func (s *Service) Stop(ctx context.Context, req StopRequest) (StopResponse, error) {
	s.audit("Stop", req.Caller, req.CellName+"/"+req.ExecutableName)
	if _, err := s.registry.StopExecutable(ctx, req.CellName, req.ExecutableName, req.Grace); err != nil {
		return StopResponse{}, err
	}
	return StopResponse{}, nil
}

// ListRequest is the wire shape of List; it carries no fields.
type ListRequest struct{}

// ListResponse is List's response: a flattened pre-order walk of the
// tree, since the wire layer cannot carry a lazy Snapshot.
type ListResponse struct {
	Cells []CellView
}

func (s *Service) List(_ context.Context, _ ListRequest) (ListResponse, error) {
	snap := s.registry.List()
	var views []CellView
	for {
		view, ok := snap.Next()
		if !ok {
			break
		}
		views = append(views, view)
	}
	return ListResponse{Cells: views}, nil
}

// audit logs a mutating call's caller identity under a fresh request
// ID, satisfying spec §6's audit requirement without taking a position
// on authorization policy, which is explicitly out of this core's
// scope.
func (s *Service) audit(op, caller, target string) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unavailable"
	}
	s.logger.Info("mutating call", "op", op, "request_id", id, "caller", caller, "target", target)
}

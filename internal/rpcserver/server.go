// Package rpcserver exposes the Cell façade over the four unary RPCs
// described in spec §6, carried on a net/rpc-shaped server using the
// teacher's own msgpack-rpc codec (github.com/hashicorp/net-rpc-msgpackrpc),
// the same module Nomad uses for its internal server RPC. The
// mTLS-terminating transport itself is out of scope for this core
// (spec §1); Serve accepts any net.Listener, and callers wrap one in
// crypto/tls with mutual auth configured the way the rest of the
// system's identity material is provisioned.
package rpcserver

import (
	"context"
	"net"
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/aurae-runtime/aurae-sub000/internal/cells"
)

// CellServer is registered on a *rpc.Server as "Cell", so its methods
// are dispatched as "Cell.Allocate", "Cell.Free", "Cell.Start",
// "Cell.Stop", "Cell.List" -- the net/rpc convention the teacher's own
// internal RPC layer follows (e.g. "Status.Leader").
type CellServer struct {
	svc    *cells.Service
	logger hclog.Logger
}

// NewCellServer wraps a façade Service for RPC dispatch.
func NewCellServer(svc *cells.Service, logger hclog.Logger) *CellServer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CellServer{svc: svc, logger: logger.Named("rpc")}
}

// Allocate is dispatched as "Cell.Allocate".
func (s *CellServer) Allocate(args *cells.AllocateRequest, reply *cells.AllocateResponse) error {
	resp, err := s.svc.Allocate(context.Background(), *args)
	*reply = resp
	return err
}

// Free is dispatched as "Cell.Free".
func (s *CellServer) Free(args *cells.FreeRequest, reply *cells.FreeResponse) error {
	resp, err := s.svc.Free(context.Background(), *args)
	*reply = resp
	return err
}

// Start is dispatched as "Cell.Start".
func (s *CellServer) Start(args *cells.StartRequest, reply *cells.StartResponse) error {
	resp, err := s.svc.Start(context.Background(), *args)
	*reply = resp
	return err
}

// Stop is dispatched as "Cell.Stop".
func (s *CellServer) Stop(args *cells.StopRequest, reply *cells.StopResponse) error {
	resp, err := s.svc.Stop(context.Background(), *args)
	*reply = resp
	return err
}

// List is dispatched as "Cell.List".
func (s *CellServer) List(args *cells.ListRequest, reply *cells.ListResponse) error {
	resp, err := s.svc.List(context.Background(), *args)
	*reply = resp
	return err
}

// Server owns the net/rpc dispatch table and accepts connections on a
// caller-supplied listener (typically tls.Listen with mutual auth
// configured upstream of this package).
type Server struct {
	rpc    *rpc.Server
	logger hclog.Logger
}

// New registers cellServer under the name "Cell" and returns a Server
// ready to accept connections.
func New(cellServer *CellServer, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	server := rpc.NewServer()
	if err := server.RegisterName("Cell", cellServer); err != nil {
		return nil, err
	}
	return &Server{rpc: server, logger: logger.Named("rpc")}, nil
}

// Serve accepts connections from ln until it returns an error (callers
// close ln to stop serving during shutdown). Each connection is served
// with the msgpack-rpc codec so unknown fields are tolerated for
// forward compatibility (spec §6).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			codec := msgpackrpc.NewCodec(false, true, conn)
			s.rpc.ServeCodec(codec)
		}()
	}
}

// Package ports finds free local TCP ports for the backend and frontend
// services.
//
// A port counts as free when a listener can be bound to it on the loopback
// interface. The probe listener is closed before the assignment is returned
// so the child process can bind the port itself. Another process may take the
// port between the probe and the child's bind; callers treat the assignment as
// best-effort.
package ports

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Role names the service a port is allocated for
type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
)

// Range is an inclusive port range
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Contains reports whether port lies inside the range
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Request describes the preferred ports and fallback ranges for both services
type Request struct {
	PreferredBackend  int
	PreferredFrontend int
	BackendRange      Range
	FrontendRange     Range
}

// DefaultRequest mirrors the conventional dev ports
var DefaultRequest = Request{
	PreferredBackend:  8000,
	PreferredFrontend: 3000,
	BackendRange:      Range{Start: 8000, End: 8100},
	FrontendRange:     Range{Start: 3000, End: 3100},
}

// Assignment is the pair of ports handed to the child processes
type Assignment struct {
	Backend  int
	Frontend int
}

// NoFreePortError is returned when every port in a range is taken
type NoFreePortError struct {
	Role  Role
	Range Range
}

func (e *NoFreePortError) Error() string {
	return fmt.Sprintf("no free %s port in range %s", e.Role, e.Range)
}

// Prober reports whether a port can be bound right now
type Prober interface {
	Free(ctx context.Context, port int) bool
}

// TCPProber binds a real listener; a connect attempt would miss ports that are
// bound but not accepting.
type TCPProber struct {
	Host string
}

// Free tries to bind host:port and releases the listener before returning
func (p TCPProber) Free(ctx context.Context, port int) bool {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocator picks port assignments
type Allocator struct {
	prober Prober
}

// NewAllocator creates an allocator. A nil prober uses TCPProber.
func NewAllocator(prober Prober) *Allocator {
	if prober == nil {
		prober = TCPProber{}
	}
	return &Allocator{prober: prober}
}

// FindFreePorts uses the default TCP prober
func FindFreePorts(ctx context.Context, req Request) (Assignment, error) {
	return NewAllocator(nil).FindFreePorts(ctx, req)
}

// FindFreePorts chooses a backend and a frontend port.
//
// Each preferred port is used when free; otherwise the lowest free port of the
// role's range is taken. If both roles land on the same port, the frontend is
// moved to the first free port above the backend's, and failing that to the
// lowest free port of its range other than the backend's.
func (a *Allocator) FindFreePorts(ctx context.Context, req Request) (Assignment, error) {
	backend, err := a.pick(ctx, RoleBackend, req.PreferredBackend, req.BackendRange)
	if err != nil {
		return Assignment{}, err
	}

	frontend, err := a.pick(ctx, RoleFrontend, req.PreferredFrontend, req.FrontendRange)
	if err != nil {
		return Assignment{}, err
	}

	if frontend == backend {
		frontend, err = a.resolveCollision(ctx, backend, req.FrontendRange)
		if err != nil {
			return Assignment{}, err
		}
	}

	return Assignment{Backend: backend, Frontend: frontend}, nil
}

func (a *Allocator) pick(ctx context.Context, role Role, preferred int, r Range) (int, error) {
	if preferred > 0 && a.prober.Free(ctx, preferred) {
		return preferred, nil
	}
	if port, ok := a.scan(ctx, r.Start, r.End, 0); ok {
		return port, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, &NoFreePortError{Role: role, Range: r}
}

func (a *Allocator) resolveCollision(ctx context.Context, backend int, r Range) (int, error) {
	start := backend + 1
	if start < r.Start {
		start = r.Start
	}
	if port, ok := a.scan(ctx, start, r.End, backend); ok {
		return port, nil
	}
	if port, ok := a.scan(ctx, r.Start, r.End, backend); ok {
		return port, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, &NoFreePortError{Role: RoleFrontend, Range: r}
}

// scan returns the first free port in [start, end] other than exclude
func (a *Allocator) scan(ctx context.Context, start, end, exclude int) (int, bool) {
	if start < 1 {
		start = 1
	}
	if end > 65535 {
		end = 65535
	}
	for port := start; port <= end; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if port == exclude {
			continue
		}
		if a.prober.Free(ctx, port) {
			return port, true
		}
	}
	return 0, false
}

//go:build !windows

package reclaim

import (
	"context"
	"fmt"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

type posixPlatform struct{}

// NewPlatform returns the socket-table backed platform for POSIX systems
func NewPlatform() Platform {
	return posixPlatform{}
}

func (posixPlatform) ListListenersOnPort(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to read socket table: %w", err)
	}
	return listenersFromConnections(conns, port), nil
}

// Terminate sends SIGKILL
func (posixPlatform) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}

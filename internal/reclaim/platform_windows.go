//go:build windows

package reclaim

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

type windowsPlatform struct{}

// NewPlatform returns the netstat/taskkill platform for Windows
func NewPlatform() Platform {
	return windowsPlatform{}
}

func (windowsPlatform) ListListenersOnPort(ctx context.Context, port int) ([]int32, error) {
	out, err := exec.CommandContext(ctx, "netstat", "-ano").Output()
	if err != nil {
		return nil, fmt.Errorf("netstat failed: %w", err)
	}
	return parseNetstatListeners(string(out), port), nil
}

// Terminate kills the whole process tree
func (windowsPlatform) Terminate(ctx context.Context, pid int32) error {
	cmd := exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(int(pid)), "/T", "/F")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill %d failed: %w: %s", pid, err, out)
	}
	return nil
}

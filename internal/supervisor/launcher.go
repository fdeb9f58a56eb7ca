package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Role identifies a managed child
type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
)

// CommandSpec describes how to start a child
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
}

// CommandFromFields builds a CommandSpec from a split command line
func CommandFromFields(fields []string, dir string) CommandSpec {
	if len(fields) == 0 {
		return CommandSpec{Dir: dir}
	}
	return CommandSpec{Name: fields[0], Args: fields[1:], Dir: dir}
}

// LaunchSpec is everything a Launcher needs to start one child
type LaunchSpec struct {
	Role    Role
	Command CommandSpec
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Process is a started child
type Process interface {
	Pid() int
	// Wait blocks until the child exits
	Wait() error
	// Terminate asks the child and its descendants to stop
	Terminate() error
}

// Launcher starts child processes
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts children with os/exec in their own process group
type ExecLauncher struct{}

// Launch starts the command. The child inherits the supervisor's environment
// plus spec.Env.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command.Name == "" {
		return nil, fmt.Errorf("no command configured for %s", spec.Role)
	}

	cmd := exec.Command(spec.Command.Name, spec.Command.Args...)
	cmd.Dir = spec.Command.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Role, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	return terminateProcessGroup(p.cmd)
}

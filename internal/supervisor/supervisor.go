// Package supervisor runs the backend and console as child processes for
// local development: it allocates their ports, gates the console on the
// backend's health and tears both down on a signal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/brokerconsole/internal/ports"
	"github.com/aristath/brokerconsole/internal/reclaim"
)

const (
	// HealthPath is probed on the backend until it answers
	HealthPath = "/status"

	DefaultHealthInterval = time.Second
	DefaultHealthAttempts = 30
	DefaultGracePeriod    = 1500 * time.Millisecond
)

// State is the supervisor's lifecycle position
type State int

const (
	StateIdle State = iota
	StateAllocatingPorts
	StateCleaningPorts
	StateStartingBackend
	StateWaitingForBackendHealth
	StateStartingFrontend
	StateRunning
	StateShuttingDown
	StateExited
)

var stateNames = map[State]string{
	StateIdle:                    "idle",
	StateAllocatingPorts:         "allocating_ports",
	StateCleaningPorts:           "cleaning_ports",
	StateStartingBackend:         "starting_backend",
	StateWaitingForBackendHealth: "waiting_for_backend_health",
	StateStartingFrontend:        "starting_frontend",
	StateRunning:                 "running",
	StateShuttingDown:            "shutting_down",
	StateExited:                  "exited",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Allocator picks the two service ports
type Allocator interface {
	FindFreePorts(ctx context.Context, req ports.Request) (ports.Assignment, error)
}

// Reclaimer frees a port held by a stale process
type Reclaimer interface {
	KillProcessOnPort(ctx context.Context, port int)
}

// HTTPDoer sends the health probe
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Supervisor. Zero values fall back to the defaults.
type Config struct {
	Log      zerolog.Logger
	Backend  CommandSpec
	Frontend CommandSpec
	Ports    ports.Request
	Output   io.Writer

	Launcher   Launcher
	Allocator  Allocator
	Reclaimer  Reclaimer
	HTTPClient HTTPDoer
	After      func(time.Duration) <-chan time.Time
	Interfaces func(ctx context.Context) ([]string, error)

	HealthInterval time.Duration
	HealthAttempts int
	GracePeriod    time.Duration
}

type managedProcess struct {
	role Role
	proc Process
}

// Supervisor owns the two child processes and the ports they were given
type Supervisor struct {
	log        zerolog.Logger
	backend    CommandSpec
	frontend   CommandSpec
	request    ports.Request
	output     *consoleOutput
	launcher   Launcher
	allocator  Allocator
	reclaimer  Reclaimer
	httpClient HTTPDoer
	after      func(time.Duration) <-chan time.Time
	interfaces func(ctx context.Context) ([]string, error)
	interval   time.Duration
	attempts   int
	grace      time.Duration

	mu         sync.Mutex
	state      State
	assignment ports.Assignment
	procs      map[Role]*managedProcess
	stopping   bool

	stopCh chan struct{}
	once   sync.Once
}

// New creates a Supervisor
func New(cfg Config) *Supervisor {
	log := cfg.Log.With().Str("component", "supervisor").Logger()

	s := &Supervisor{
		log:        log,
		backend:    cfg.Backend,
		frontend:   cfg.Frontend,
		request:    cfg.Ports,
		launcher:   cfg.Launcher,
		allocator:  cfg.Allocator,
		reclaimer:  cfg.Reclaimer,
		httpClient: cfg.HTTPClient,
		after:      cfg.After,
		interfaces: cfg.Interfaces,
		interval:   cfg.HealthInterval,
		attempts:   cfg.HealthAttempts,
		grace:      cfg.GracePeriod,
		procs:      make(map[Role]*managedProcess),
		stopCh:     make(chan struct{}),
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	s.output = newConsoleOutput(out)

	if s.request == (ports.Request{}) {
		s.request = ports.DefaultRequest
	}
	if s.launcher == nil {
		s.launcher = ExecLauncher{}
	}
	if s.allocator == nil {
		s.allocator = ports.NewAllocator(nil)
	}
	if s.reclaimer == nil {
		s.reclaimer = reclaim.New(log)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 2 * time.Second}
	}
	if s.after == nil {
		s.after = time.After
	}
	if s.interfaces == nil {
		s.interfaces = externalIPv4
	}
	if s.interval <= 0 {
		s.interval = DefaultHealthInterval
	}
	if s.attempts <= 0 {
		s.attempts = DefaultHealthAttempts
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	return s
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ports returns the allocated ports; zero until allocation finished
func (s *Supervisor) Ports() ports.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignment
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("State transition")
}

// Run allocates ports, starts the backend, waits for it to report healthy,
// starts the console and then blocks until Shutdown completes or ctx is
// canceled. A backend that never becomes healthy yields a
// *BackendHealthTimeoutError and the console is never started.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateAllocatingPorts)
	assignment, err := s.allocator.FindFreePorts(ctx, s.request)
	if err != nil {
		s.setState(StateExited)
		return fmt.Errorf("failed to allocate ports: %w", err)
	}

	s.mu.Lock()
	s.assignment = assignment
	s.mu.Unlock()

	s.log.Info().
		Int("backend_port", assignment.Backend).
		Int("frontend_port", assignment.Frontend).
		Msg("Ports allocated")

	s.setState(StateCleaningPorts)
	s.reclaimer.KillProcessOnPort(ctx, assignment.Backend)
	s.reclaimer.KillProcessOnPort(ctx, assignment.Frontend)

	s.setState(StateStartingBackend)
	backend, err := s.launch(ctx, RoleBackend, s.backend, backendEnv(assignment))
	if err != nil {
		return s.abort(ctx, err)
	}

	s.setState(StateWaitingForBackendHealth)
	if err := s.waitForBackend(ctx, assignment.Backend); err != nil {
		if errors.Is(err, errShuttingDown) {
			s.Shutdown(nil)
			return nil
		}
		s.log.Error().Err(err).Msg("Backend failed to become healthy, giving up")
		s.markStopping()
		s.terminate(backend)
		s.setState(StateExited)
		return err
	}

	s.setState(StateStartingFrontend)
	if _, err := s.launch(ctx, RoleFrontend, s.frontend, frontendEnv(assignment)); err != nil {
		if errors.Is(err, errShuttingDown) {
			s.Shutdown(nil)
			return nil
		}
		s.markStopping()
		s.terminate(backend)
		return s.abort(ctx, err)
	}

	s.setState(StateRunning)
	s.logReachableURLs(ctx, assignment)

	select {
	case <-s.stopCh:
	case <-ctx.Done():
	}
	s.Shutdown(nil)
	return nil
}

// abort ends a failed startup. A failure caused by a concurrent shutdown is
// not an error.
func (s *Supervisor) abort(ctx context.Context, err error) error {
	if errors.Is(err, errShuttingDown) || ctx.Err() != nil {
		s.Shutdown(nil)
		return nil
	}
	s.setState(StateExited)
	return err
}

// Shutdown terminates both children, waits the grace period and reclaims
// both ports. Only the first call does anything; concurrent callers block
// until that teardown has finished.
func (s *Supervisor) Shutdown(sig os.Signal) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopping = true
		close(s.stopCh)
		assignment := s.assignment
		procs := make([]*managedProcess, 0, len(s.procs))
		for _, p := range s.procs {
			procs = append(procs, p)
		}
		s.mu.Unlock()

		s.setState(StateShuttingDown)
		ev := s.log.Info()
		if sig != nil {
			ev = ev.Str("signal", sig.String())
		}
		ev.Int("processes", len(procs)).Msg("Shutting down")

		var g errgroup.Group
		for _, p := range procs {
			p := p
			g.Go(func() error {
				if err := p.proc.Terminate(); err != nil {
					return fmt.Errorf("failed to terminate %s (pid %d): %w", p.role, p.proc.Pid(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.log.Warn().Err(err).Msg("Graceful termination failed")
		}

		<-s.after(s.grace)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, port := range []int{assignment.Backend, assignment.Frontend} {
			if port > 0 {
				s.reclaimer.KillProcessOnPort(ctx, port)
			}
		}

		s.setState(StateExited)
		s.log.Info().Msg("Shutdown complete")
	})
}

func (s *Supervisor) launch(ctx context.Context, role Role, cmd CommandSpec, env []string) (*managedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, errShuttingDown
	}

	stdout, stderr := s.output.writers(role)
	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Role:    role,
		Command: cmd,
		Env:     env,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return nil, err
	}

	mp := &managedProcess{role: role, proc: proc}
	s.procs[role] = mp

	s.log.Info().
		Str("role", string(role)).
		Int("pid", proc.Pid()).
		Str("command", cmd.Name).
		Strs("args", cmd.Args).
		Msg("Process started")

	go s.watch(mp, stdout, stderr)
	return mp, nil
}

// watch waits for a child to exit and reports exits nobody asked for
func (s *Supervisor) watch(mp *managedProcess, stdout, stderr *lineWriter) {
	err := mp.proc.Wait()
	stdout.Flush()
	stderr.Flush()

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.log.Debug().Str("role", string(mp.role)).Msg("Process exited")
		return
	}

	ev := s.log.Warn().Str("role", string(mp.role)).Int("pid", mp.proc.Pid())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Process exited unexpectedly")
}

// markStopping silences exit warnings and blocks further launches
func (s *Supervisor) markStopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
}

func (s *Supervisor) terminate(mp *managedProcess) {
	if err := mp.proc.Terminate(); err != nil {
		s.log.Warn().Err(err).Str("role", string(mp.role)).Msg("Failed to terminate process")
	}
}

func (s *Supervisor) waitForBackend(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://localhost:%d%s", port, HealthPath)

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		select {
		case <-s.stopCh:
			return errShuttingDown
		case <-ctx.Done():
			return errShuttingDown
		default:
		}

		if lastErr = s.probe(ctx, url); lastErr == nil {
			s.log.Info().Int("attempt", attempt).Str("url", url).Msg("Backend is healthy")
			return nil
		}

		if attempt == 1 {
			s.log.Info().Str("url", url).Msg("Waiting for backend to become healthy")
		}
		if attempt == s.attempts {
			break
		}

		select {
		case <-s.after(s.interval):
		case <-s.stopCh:
			return errShuttingDown
		case <-ctx.Done():
			return errShuttingDown
		}
	}

	return &BackendHealthTimeoutError{URL: url, Attempts: s.attempts, LastErr: lastErr}
}

// probe succeeds on any response below 400
func (s *Supervisor) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Supervisor) logReachableURLs(ctx context.Context, assignment ports.Assignment) {
	s.log.Info().
		Str("backend", fmt.Sprintf("http://localhost:%d", assignment.Backend)).
		Str("frontend", fmt.Sprintf("http://localhost:%d", assignment.Frontend)).
		Msg("Services running")

	addrs, err := s.interfaces(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("Could not enumerate network addresses")
		return
	}

	backendURLs, frontendURLs := reachableURLs(addrs, assignment.Backend, assignment.Frontend)
	for i := range addrs {
		s.log.Info().
			Str("backend", backendURLs[i]).
			Str("frontend", frontendURLs[i]).
			Msg("Reachable on network")
	}
}

func backendEnv(a ports.Assignment) []string {
	return []string{
		"PORT=" + strconv.Itoa(a.Backend),
		"BACKEND_PORT=" + strconv.Itoa(a.Backend),
		fmt.Sprintf("FRONTEND_URL=http://localhost:%d", a.Frontend),
	}
}

func frontendEnv(a ports.Assignment) []string {
	backendURL := fmt.Sprintf("http://localhost:%d", a.Backend)
	return []string{
		"PORT=" + strconv.Itoa(a.Frontend),
		"FRONTEND_PORT=" + strconv.Itoa(a.Frontend),
		"BACKEND_PORT=" + strconv.Itoa(a.Backend),
		"BACKEND_URL=" + backendURL,
		"API_BASE_URL=" + backendURL,
	}
}

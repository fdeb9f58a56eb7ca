// Package reclaim frees a TCP port by terminating whichever process is
// listening on it.
//
// Reclamation is advisory. Callers use it before binding and again during
// teardown, so failures are logged and never returned.
package reclaim

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSettleDelay gives the OS time to release a socket after its owner dies
const DefaultSettleDelay = time.Second

// Platform is the OS-specific capability used to find and stop listeners
type Platform interface {
	// ListListenersOnPort returns the pids holding port in listening state
	ListListenersOnPort(ctx context.Context, port int) ([]int32, error)
	// Terminate forcibly stops pid
	Terminate(ctx context.Context, pid int32) error
}

// Reclaimer kills listeners on a port
type Reclaimer struct {
	platform Platform
	log      zerolog.Logger
	settle   time.Duration
	self     int32
	sleep    func(ctx context.Context, d time.Duration)
}

// New creates a reclaimer for the current platform
func New(log zerolog.Logger) *Reclaimer {
	return NewWithPlatform(NewPlatform(), log)
}

// NewWithPlatform creates a reclaimer backed by the given platform
func NewWithPlatform(platform Platform, log zerolog.Logger) *Reclaimer {
	return &Reclaimer{
		platform: platform,
		log:      log.With().Str("component", "reclaim").Logger(),
		settle:   DefaultSettleDelay,
		self:     int32(os.Getpid()),
		sleep:    sleepContext,
	}
}

// KillProcessOnPort terminates every process listening on port, then waits the
// settle delay. It returns immediately when nothing is listening.
func (r *Reclaimer) KillProcessOnPort(ctx context.Context, port int) {
	log := r.log.With().Int("port", port).Logger()

	pids, err := r.platform.ListListenersOnPort(ctx, port)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list listeners")
		return
	}

	killed := 0
	for _, pid := range pids {
		if pid == r.self {
			log.Debug().Int32("pid", pid).Msg("Skipping own process")
			continue
		}
		if err := r.platform.Terminate(ctx, pid); err != nil {
			log.Warn().Err(err).Int32("pid", pid).Msg("Failed to terminate listener")
			continue
		}
		log.Info().Int32("pid", pid).Msg("Terminated process holding port")
		killed++
	}

	if killed > 0 {
		r.sleep(ctx, r.settle)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

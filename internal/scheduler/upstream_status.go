package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/rs/zerolog"
)

// StatusChecker is the aggregator call the job polls
type StatusChecker interface {
	APIStatus(ctx context.Context) (*aggregator.APIStatus, error)
}

// UpstreamStatus is the outcome of the latest check
type UpstreamStatus struct {
	Online    bool      `json:"online"`
	Version   int       `json:"version,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// UpstreamStatusJob polls the aggregator status endpoint and keeps the last
// result for the backend's /status report.
type UpstreamStatusJob struct {
	checker StatusChecker
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	last    UpstreamStatus
	checked bool
}

// NewUpstreamStatusJob creates the job
func NewUpstreamStatusJob(checker StatusChecker, log zerolog.Logger) *UpstreamStatusJob {
	return &UpstreamStatusJob{
		checker: checker,
		timeout: 10 * time.Second,
		log:     log.With().Str("job", "upstream_status").Logger(),
		now:     time.Now,
	}
}

// Name returns the job name for scheduling and logging.
func (j *UpstreamStatusJob) Name() string {
	return "upstream_status"
}

// Run checks the aggregator once
func (j *UpstreamStatusJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	status := UpstreamStatus{CheckedAt: j.now()}
	result, err := j.checker.APIStatus(ctx)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Online = result.Online
		status.Version = result.Version
	}

	j.mu.Lock()
	previous, hadPrevious := j.last, j.checked
	j.last = status
	j.checked = true
	j.mu.Unlock()

	if !hadPrevious || previous.Online != status.Online {
		j.log.Info().Bool("online", status.Online).Str("error", status.Error).Msg("Aggregator status changed")
	}

	return err
}

// Last returns the latest status and whether any check has completed
func (j *UpstreamStatusJob) Last() (UpstreamStatus, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.last, j.checked
}

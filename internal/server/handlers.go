package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/scheduler"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status     string                    `json:"status"`
	Service    string                    `json:"service"`
	Uptime     string                    `json:"uptime"`
	Database   string                    `json:"database"`
	Upstream   *scheduler.UpstreamStatus `json:"upstream,omitempty"`
	CPUPercent float64                   `json:"cpu_percent"`
	MemPercent float64                   `json:"memory_percent"`
}

// handleStatus answers the supervisor's health probe. It reports 200 whenever
// the process is serving, regardless of the aggregator's state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := s.getSystemStats()

	response := StatusResponse{
		Status:     "ok",
		Service:    "brokerconsole-backend",
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Database:   "disabled",
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
	}

	if s.db != nil {
		if err := s.db.QuickCheck(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Database check failed")
			response.Database = "error"
		} else {
			response.Database = "ok"
		}
	}

	if s.upstream != nil {
		if last, ok := s.upstream.Last(); ok {
			response.Upstream = &last
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// getSystemStats returns CPU and RAM usage percentages. CPU is measured since
// the previous call so the health probe never blocks on sampling.
func (s *Server) getSystemStats() (float64, float64) {
	cpuAvg := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		s.log.Debug().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Debug().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, 0
	}

	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeRawJSON forwards an upstream JSON document unchanged
func (s *Server) writeRawJSON(w http.ResponseWriter, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to write response")
	}
}

// writeError writes the structured error payload. Upstream failures keep the
// aggregator's status and code; local validation failures are 400s; anything
// else is a 502.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *aggregator.UpstreamError
	if errors.As(err, &upstream) {
		s.writeJSON(w, upstream.Status, upstream)
		return
	}

	payload := &aggregator.UpstreamError{
		Message: err.Error(),
		Status:  http.StatusBadGateway,
		URL:     r.URL.Path,
		Method:  r.Method,
	}

	switch {
	case errors.Is(err, aggregator.ErrMissingUserID),
		errors.Is(err, aggregator.ErrMissingUserSecret),
		errors.Is(err, aggregator.ErrMissingAccountID),
		errors.Is(err, errBadRequestBody):
		payload.Status = http.StatusBadRequest
		payload.Code = "BAD_REQUEST"
	case errors.Is(err, aggregator.ErrMissingCredentials):
		payload.Status = http.StatusServiceUnavailable
		payload.Code = "NOT_CONFIGURED"
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Aggregator call failed")
	}

	s.writeJSON(w, payload.Status, payload)
}

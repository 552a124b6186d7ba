package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cronicorn/cronicorn/version"
)

type healthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	UptimeS   int64                  `json:"uptime_s"`
	Scheduler map[string]interface{} `json:"scheduler,omitempty"`
	DueCount  *int                   `json:"due_endpoints,omitempty"`
	Runs      map[string]int         `json:"runs,omitempty"`
	Memory    *memoryStats           `json:"memory,omitempty"`
}

type memoryStats struct {
	UsedMB      uint64  `json:"used_mb"`
	TotalMB     uint64  `json:"total_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// handleHealth reports daemon liveness plus scheduler and storage stats.
// Degrades gracefully: stats that cannot be gathered are omitted rather than
// failing the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Get().String(),
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	}

	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.Stats()
	}

	if s.jobs != nil {
		if due, err := s.jobs.CountDue(r.Context(), time.Now().UTC()); err == nil {
			resp.DueCount = &due
		} else {
			s.logger.Warnw("Failed to count due endpoints for health", "error", err)
			resp.Status = "degraded"
		}
	}

	if s.runs != nil {
		if counts, err := s.runs.CountByStatus(r.Context()); err == nil {
			resp.Runs = counts
		} else {
			s.logger.Warnw("Failed to count runs for health", "error", err)
			resp.Status = "degraded"
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = &memoryStats{
			UsedMB:      vm.Used / 1024 / 1024,
			TotalMB:     vm.Total / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

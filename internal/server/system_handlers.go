package server

import (
	"net/http"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/retrograde/internal/domain"
)

// handleSystemHealth reports database integrity plus process and host
// metrics.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	databases := make([]map[string]interface{}, 0, len(s.deps.Databases))
	healthy := true
	for _, db := range s.deps.Databases {
		entry := map[string]interface{}{"name": db.Name(), "healthy": true}
		if err := db.HealthCheck(r.Context()); err != nil {
			entry["healthy"] = false
			entry["error"] = err.Error()
			healthy = false
		}
		if stats, err := db.GetStats(); err == nil {
			entry["size_bytes"] = stats.SizeBytes
			entry["wal_bytes"] = stats.WALSizeBytes
		}
		databases = append(databases, entry)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	payload := map[string]interface{}{
		"status":    statusWord(healthy),
		"databases": databases,
		"process": map[string]interface{}{
			"alloc_mb":   m.Alloc / 1024 / 1024,
			"sys_mb":     m.Sys / 1024 / 1024,
			"num_gc":     m.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	// Host metrics are best effort; a sandboxed environment may refuse them.
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	}
	if du, err := disk.Usage(s.deps.DataDir); err == nil {
		payload["disk"] = map[string]interface{}{
			"free_gb":      float64(du.Free) / 1e9,
			"used_percent": du.UsedPercent,
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeData(w, status, payload)
}

func statusWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}

// handleSystemBackup triggers an immediate savegame backup.
func (s *Server) handleSystemBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil {
		s.writeError(w, domain.Wrap(domain.ErrInvalidArgument, "backups are not configured"))
		return
	}
	archive, err := s.deps.Backup.CreateAndUploadBackup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]string{"archive": archive})
}

// handleSystemBackupList lists stored backup archives, newest first.
func (s *Server) handleSystemBackupList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil {
		s.writeError(w, domain.Wrap(domain.ErrInvalidArgument, "backups are not configured"))
		return
	}
	backups, err := s.deps.Backup.ListBackups(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, backups)
}

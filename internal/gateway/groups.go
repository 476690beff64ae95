package gateway

import (
	"encoding/json"
	"net/http"
)

// handleAPIGroups reports the Group Execution Scheduler's live lane state:
// which groups have an active message or task container, how many tasks are
// queued behind each, and the aggregate concurrency counters. Backs the
// `status` CLI subcommand and the TUI status pane.
func (s *Server) handleAPIGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.GroupQueue == nil {
		http.Error(w, "group scheduler not enabled", http.StatusNotFound)
		return
	}

	active, waiting, groups := s.cfg.GroupQueue.GetStatus()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active_containers": active,
		"waiting_groups":    waiting,
		"groups":            groups,
	})
}

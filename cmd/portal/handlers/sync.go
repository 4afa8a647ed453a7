// Package handlers provides the portal daemon's REST endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/schooldesk/backend/internal/db"
	syncpkg "github.com/kimhsiao/schooldesk/backend/internal/sync"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/scheduler"
)

// SyncHandler exposes sync status, manual triggering, and the sync log.
type SyncHandler struct {
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	store     *db.Store
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *syncpkg.Engine, sched *scheduler.Scheduler, store *db.Store) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		scheduler: sched,
		store:     store,
	}
}

// GetStatus handles GET /api/sync/status
// Returns connectivity, in-flight state, last sync time, and queue counts.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.engine.GetStatus()
	if err != nil {
		http.Error(w, "Failed to read sync status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// TriggerSync handles POST /api/sync/now
// Starts a drain pass in the background; a pass already in flight wins.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started := h.scheduler.TriggerSync(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !started {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "busy",
			"message": "Sync already in progress",
		})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "started",
	})
}

// SetOnline handles POST /api/sync/online
// Reports a connectivity change; coming back online triggers a drain.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.scheduler.SetOnlineStatus(r.Context(), request.Online)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"online": request.Online,
	})
}

// GetLog handles GET /api/sync/log?limit=N
// Returns recent sync attempts, newest first.
func (h *SyncHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.store.ListSyncLog(limit)
	if err != nil {
		http.Error(w, "Failed to read sync log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

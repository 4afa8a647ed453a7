// Package handlers: trash (soft-delete retention) endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/trash"
)

// TrashHandler exposes the soft-delete lifecycle.
type TrashHandler struct {
	manager *trash.Manager
}

// NewTrashHandler creates a TrashHandler.
func NewTrashHandler(manager *trash.Manager) *TrashHandler {
	return &TrashHandler{manager: manager}
}

// trashView augments a record with its remaining recovery window.
type trashView struct {
	*models.TrashRecord
	DaysRemaining int `json:"days_remaining"`
}

// List handles GET /api/trash
// Returns trashed records, most recently deleted first.
func (h *TrashHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := h.manager.List()
	if err != nil {
		http.Error(w, "Failed to list trash", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	views := make([]trashView, 0, len(records))
	for _, record := range records {
		views = append(views, trashView{
			TrashRecord:   record,
			DaysRemaining: record.DaysRemaining(now),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": views,
		"count":   len(views),
	})
}

// SoftDelete handles POST /api/trash
// Moves a live entity into the trash.
func (h *TrashHandler) SoftDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Table string `json:"table"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Table == "" || request.ID == "" {
		http.Error(w, "table and id are required", http.StatusBadRequest)
		return
	}

	record, err := h.manager.SoftDelete(request.Table, request.ID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to soft-delete entity", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// Restore handles POST /api/trash/restore
// Reinstates trashed entities. Partial failures are reported per id.
func (h *TrashHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.manager.RestoreBulk)
}

// Purge handles POST /api/trash/purge
// Erases trashed entities permanently, before the retention window elapses.
func (h *TrashHandler) Purge(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.manager.PermanentDeleteBulk)
}

// bulk decodes an id list and applies a bulk trash operation.
func (h *TrashHandler) bulk(w http.ResponseWriter, r *http.Request, op func([]models.UUID) *trash.BulkResult) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		IDs []models.UUID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(request.IDs) == 0 {
		http.Error(w, "ids must not be empty", http.StatusBadRequest)
		return
	}

	result := op(request.IDs)

	failures := make([]map[string]interface{}, 0, len(result.Failed))
	for _, failure := range result.Failed {
		failures = append(failures, map[string]interface{}{
			"id":    failure.ID,
			"table": failure.Table,
			"error": failure.Err.Error(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"succeeded": result.Succeeded,
		"failed":    failures,
	})
}

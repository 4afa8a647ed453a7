// Package handlers: mutation queue endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/queue"
)

// QueueHandler exposes the offline mutation queue.
type QueueHandler struct {
	queue *queue.Queue
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{queue: q}
}

// Enqueue handles POST /api/mutations
// Records a local edit for later synchronization. Never touches the network.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Table      string                 `json:"table"`
		Operation  string                 `json:"operation"`
		EntityID   string                 `json:"entity_id"`
		Fields     map[string]interface{} `json:"fields"`
		BaseTime   int64                  `json:"base_timestamp"`
		Priority   int                    `json:"priority"`
		MaxRetries int                    `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload := &models.MutationPayload{
		EntityID:      request.EntityID,
		Fields:        request.Fields,
		BaseTimestamp: request.BaseTime,
	}

	record, err := h.queue.Enqueue(request.Table, models.Operation(request.Operation), payload,
		queue.EnqueueOptions{Priority: request.Priority, MaxRetries: request.MaxRetries})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to enqueue mutation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// List handles GET /api/mutations?status=pending
// Returns queued mutations in drain order for the given status.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := models.MutationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.MutationStatusPending
	}
	switch status {
	case models.MutationStatusPending, models.MutationStatusSyncing, models.MutationStatusFailed:
	default:
		http.Error(w, "Unknown status", http.StatusBadRequest)
		return
	}

	records, err := h.queue.ListByStatus(status)
	if err != nil {
		http.Error(w, "Failed to list mutations", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mutations": records,
		"count":     len(records),
	})
}

// Stats handles GET /api/queue/stats
// Counts are recomputed from the store on every call.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.queue.Stats()
	if err != nil {
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// RetryAll handles POST /api/queue/retry
// Resets failed mutations to pending with a fresh retry budget.
func (h *QueueHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reset, err := h.queue.RetryAll()
	if err != nil {
		http.Error(w, "Failed to reset failed mutations", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"reset":  reset,
	})
}

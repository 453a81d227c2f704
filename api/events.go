package api

import (
	"encoding/json"
	"net/http"

	"github.com/xraph/webhooks/delivery"
)

type triggerEventRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type triggerEventResponse struct {
	Deliveries []*delivery.Delivery `json:"deliveries"`
	Error      string               `json:"error,omitempty"`
}

func (h *Handler) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("null")
	}

	deliveries, err := h.dispatcher.TriggerEvent(r.Context(), ownerFrom(r), req.EventType, req.Data)
	if err != nil && deliveries == nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Partial fan-out: report what was recorded alongside the failure.
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, triggerEventResponse{
			Deliveries: deliveries,
			Error:      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, triggerEventResponse{Deliveries: deliveries})
}

func (h *Handler) retryDue(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.RetryDue(r.Context(), ownerFrom(r), queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

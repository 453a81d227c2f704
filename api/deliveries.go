package api

import (
	"net/http"

	"github.com/xraph/webhooks/delivery"
)

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	opts := delivery.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := delivery.Status(v)
		opts.Status = &st
	}

	deliveries, total, err := h.dispatcher.ListDeliveries(r.Context(), subID, ownerFrom(r), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page[*delivery.Delivery]{
		Items:  deliveries,
		Total:  total,
		Offset: opts.Offset,
		Limit:  opts.Limit,
	})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	delID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, err := h.dispatcher.GetDelivery(r.Context(), delID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

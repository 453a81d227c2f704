package api

import "net/http"

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.dispatcher.Stats(r.Context(), ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

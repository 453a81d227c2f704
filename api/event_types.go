package api

import "net/http"

func (h *Handler) listEventTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Catalog().List())
}

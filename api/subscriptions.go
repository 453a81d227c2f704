package api

import (
	"net/http"

	"github.com/xraph/webhooks/subscription"
)

type createSubscriptionRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Headers     map[string]string `json:"headers,omitempty"`
	MaxFailures int               `json:"max_failures,omitempty"`
}

// subscriptionWithSecret exposes the signing secret. It is only returned on
// creation and rotation.
type subscriptionWithSecret struct {
	*subscription.Subscription
	Secret string `json:"secret"`
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.dispatcher.Subscriptions().Create(r.Context(), subscription.Input{
		OwnerID:     ownerFrom(r),
		Name:        req.Name,
		URL:         req.URL,
		Events:      req.Events,
		Headers:     req.Headers,
		MaxFailures: req.MaxFailures,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionWithSecret{Subscription: sub, Secret: sub.Secret})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts := subscription.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := subscription.Status(v)
		opts.Status = &st
	}

	subs, total, err := h.dispatcher.Subscriptions().List(r.Context(), ownerFrom(r), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page[*subscription.Subscription]{
		Items:  subs,
		Total:  total,
		Offset: opts.Offset,
		Limit:  opts.Limit,
	})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	sub, err := h.dispatcher.Subscriptions().Get(r.Context(), subID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) updateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	var patch subscription.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.dispatcher.Subscriptions().Update(r.Context(), subID, ownerFrom(r), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	if err := h.dispatcher.Subscriptions().SoftDelete(r.Context(), subID, ownerFrom(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerateSecret(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	secret, err := h.dispatcher.Subscriptions().RegenerateSecret(r.Context(), subID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	sub, err := h.dispatcher.Subscriptions().Pause(r.Context(), subID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	sub, err := h.dispatcher.Subscriptions().Resume(r.Context(), subID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) sendTest(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	d, err := h.dispatcher.SendTest(r.Context(), subID, ownerFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

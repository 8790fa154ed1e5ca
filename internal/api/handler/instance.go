package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/service"
)

// InstanceHandler handles the user facing rental endpoints.
type InstanceHandler struct {
	rentals *service.Rentals
	logger  *slog.Logger
}

// NewInstanceHandler creates a new InstanceHandler.
func NewInstanceHandler(rentals *service.Rentals, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{rentals: rentals, logger: logger}
}

// InstanceList is the response of the list endpoint.
type InstanceList struct {
	Instances []domain.EnrichedInstance `json:"instances"`
}

// Params returns the caller's effective permissions.
func (h *InstanceHandler) Params(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	params, err := h.rentals.Params(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, params)
}

// List lists the caller's rentals, or every rental for a superuser.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	instances, err := h.rentals.List(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	if instances == nil {
		instances = []domain.EnrichedInstance{}
	}
	respondJSON(w, http.StatusOK, InstanceList{Instances: instances})
}

// Create starts provisioning a new rental.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	var req domain.CreateRentalRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	result, err := h.rentals.Create(r.Context(), id, req)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// Get returns one rental joined with its live state.
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	instance, err := h.rentals.Get(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, instance)
}

// Update changes the instance type of a rental.
func (h *InstanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	var req domain.UpdateRentalRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	result, err := h.rentals.Update(r.Context(), id, chi.URLParam(r, "id"), req)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// Start powers a stopped instance on.
func (h *InstanceHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.operation(w, r, h.rentals.Start)
}

// Stop powers a running instance off.
func (h *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.operation(w, r, h.rentals.Stop)
}

// Delete starts tearing a rental down.
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.operation(w, r, h.rentals.Delete)
}

func (h *InstanceHandler) operation(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, caller *domain.Identity, id string) (*domain.OperationResult, error)) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	result, err := op(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// Extend adds one extension period to a rental's expiry.
func (h *InstanceHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	result, err := h.rentals.Extend(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

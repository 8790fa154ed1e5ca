package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/service"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

// WorkflowHandler exposes the workflow steps to an external state machine.
type WorkflowHandler struct {
	steps   workflow.Steps
	sweeper *service.Sweeper
	logger  *slog.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(steps workflow.Steps, sweeper *service.Sweeper, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{steps: steps, sweeper: sweeper, logger: logger}
}

func rentalQuery(r *http.Request) (string, error) {
	id := r.URL.Query().Get("stackset_id")
	if id == "" {
		return "", domain.Errorf(domain.KindInvalidArguments, "stackset_id is required")
	}
	return id, nil
}

func (h *WorkflowHandler) input(w http.ResponseWriter, r *http.Request) (workflow.Input, bool) {
	var in workflow.Input
	if err := decodeJSON(r, &in); err != nil {
		handleError(w, r, h.logger, err)
		return in, false
	}
	if in.RentalID == "" {
		handleError(w, r, h.logger, domain.Errorf(domain.KindInvalidArguments, "stackset_id is required"))
		return in, false
	}
	return in, true
}

func (h *WorkflowHandler) completion(w http.ResponseWriter, r *http.Request, c domain.Completion) {
	if err := c.AsError(); err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Wait reports whether the stack set operations of a rental have finished.
// Unfinished operations answer 415 so the caller retries.
func (h *WorkflowHandler) Wait(w http.ResponseWriter, r *http.Request) {
	id, err := rentalQuery(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	errorIfNone := false
	if v := r.URL.Query().Get("error_if_no_operations"); v != "" {
		errorIfNone, err = strconv.ParseBool(v)
		if err != nil {
			handleError(w, r, h.logger, domain.Wrap(domain.KindInvalidArguments, err, "error_if_no_operations must be a boolean"))
			return
		}
	}

	h.completion(w, r, h.steps.CheckComplete(r.Context(), id, r.URL.Query().Get("operation_id"), errorIfNone))
}

// WaitForUpdate reports whether an update has settled.
func (h *WorkflowHandler) WaitForUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := rentalQuery(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	level := domain.UpdateLevel(r.URL.Query().Get("update_level"))
	switch level {
	case "":
		level = domain.UpdateLevelStackSet
	case domain.UpdateLevelStackSet, domain.UpdateLevelInstance:
	default:
		handleError(w, r, h.logger, domain.Errorf(domain.KindInvalidArguments, "unknown update_level %s", level))
		return
	}

	h.completion(w, r, h.steps.CheckUpdateComplete(r.Context(), id, level, r.URL.Query().Get("operation_id")))
}

func (h *WorkflowHandler) step(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, in workflow.Input) error) {
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), in); err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotifySuccess marks a rental active and emails its owner.
func (h *WorkflowHandler) NotifySuccess(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, in workflow.Input) error {
		return h.steps.NotifyProvisioned(ctx, in.RentalID, in.Email)
	})
}

// NotifyFailure alerts operators, emails the owner and starts cleanup.
func (h *WorkflowHandler) NotifyFailure(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, in workflow.Input) error {
		return h.steps.NotifyProvisionFailed(ctx, in.RentalID, in.Email)
	})
}

// UpdateComplete records the settled state of an updated rental.
func (h *WorkflowHandler) UpdateComplete(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, in workflow.Input) error {
		return h.steps.CompleteUpdate(ctx, in.RentalID)
	})
}

// UpdateFailure alerts operators about a failed update.
func (h *WorkflowHandler) UpdateFailure(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, in workflow.Input) error {
		return h.steps.FailUpdate(ctx, in.RentalID)
	})
}

// CleanupStartResponse lists the deletion operations to wait on.
type CleanupStartResponse struct {
	RentalID     string   `json:"stackset_id"`
	Email        string   `json:"stackset_email,omitempty"`
	OperationIDs []string `json:"operation_ids"`
}

// CleanupStart deletes the stack instances of a rental.
func (h *WorkflowHandler) CleanupStart(w http.ResponseWriter, r *http.Request) {
	in, ok := h.input(w, r)
	if !ok {
		return
	}

	ops, err := h.steps.Deprovision(r.Context(), in.RentalID, in.Email)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	if ops == nil {
		ops = []string{}
	}
	respondJSON(w, http.StatusOK, CleanupStartResponse{RentalID: in.RentalID, Email: in.Email, OperationIDs: ops})
}

// CleanupComplete deletes the stack set and the rental record.
func (h *WorkflowHandler) CleanupComplete(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, in workflow.Input) error {
		return h.steps.FinalizeDeprovision(ctx, in.RentalID)
	})
}

// CleanupSchedule runs one expiry sweep.
func (h *WorkflowHandler) CleanupSchedule(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.logger.Error("sweep finished with errors", "error", err)
	}
	if report == nil {
		handleError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/guido-cesarano/verifyq/pkg/verify"
	"github.com/guido-cesarano/verifyq/pkg/workflow"
)

// errorBody is the structured error callers receive. Kind preserves the
// taxonomy through the HTTP boundary; no store-specific details leak.
type errorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind := verify.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "ValidationError":
		status = http.StatusBadRequest
	case "NotFoundError":
		status = http.StatusNotFound
	case "ConflictError":
		status = http.StatusConflict
	case "NoEligibleWorkersError":
		status = http.StatusUnprocessableEntity
	case "TimeoutError":
		status = http.StatusGone
	case "TransientInfraError":
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Kind: kind, Error: err.Error()})
}

func (a *api) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.IndexDepths(r.Context()))
}

func (a *api) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var in workflow.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &verify.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	task, err := a.engine.CreateAndInitializeTask(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *api) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := a.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *api) eligibleWorkersHandler(w http.ResponseWriter, r *http.Request) {
	workers, err := a.engine.FindEligibleWorkers(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *api) distributeHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := a.engine.DistributeTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		// A distribution attempt that found no workers still failed the
		// task; report the suggestions to the caller.
		var ne *verify.NoEligibleWorkersError
		if errors.As(err, &ne) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"kind":        "NoEligibleWorkersError",
				"error":       ne.Error(),
				"suggestions": ne.Suggestions,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type submitRequest struct {
	WorkerID         string         `json:"worker_id"`
	Verdict          string         `json:"verdict"`
	Confidence       float64        `json:"confidence"`
	Result           map[string]any `json:"result,omitempty"`
	TimeSpentSeconds int            `json:"time_spent_seconds"`
}

func (a *api) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &verify.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	res, err := a.engine.SubmitVerification(r.Context(), &verify.Submission{
		TaskID:           chi.URLParam(r, "taskID"),
		WorkerID:         req.WorkerID,
		Verdict:          req.Verdict,
		Confidence:       req.Confidence,
		Result:           req.Result,
		TimeSpentSeconds: req.TimeSpentSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *api) cancelHandler(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := a.engine.CancelTask(r.Context(), chi.URLParam(r, "taskID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type workerRef struct {
	WorkerID string `json:"worker_id"`
}

func (a *api) acceptHandler(w http.ResponseWriter, r *http.Request) {
	var req workerRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, &verify.ValidationError{Field: "worker_id", Reason: "must not be empty"})
		return
	}
	if err := a.engine.AcceptAssignment(r.Context(), chi.URLParam(r, "taskID"), req.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *api) rejectHandler(w http.ResponseWriter, r *http.Request) {
	var req workerRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, &verify.ValidationError{Field: "worker_id", Reason: "must not be empty"})
		return
	}
	if err := a.engine.RejectAssignment(r.Context(), chi.URLParam(r, "taskID"), req.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (a *api) upsertWorkerHandler(w http.ResponseWriter, r *http.Request) {
	var profile verify.WorkerProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, &verify.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	profile.WorkerID = chi.URLParam(r, "workerID")
	if profile.Reputation < 0 || profile.Reputation > 1 {
		writeError(w, &verify.ValidationError{Field: "reputation", Reason: "must be in [0,1]"})
		return
	}
	if profile.SuccessRate < 0 || profile.SuccessRate > 1 {
		writeError(w, &verify.ValidationError{Field: "success_rate", Reason: "must be in [0,1]"})
		return
	}
	if profile.Availability == "" {
		profile.Availability = verify.AvailabilityOffline
	}
	if err := a.store.UpsertWorker(r.Context(), &profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *api) getWorkerHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := a.store.GetWorker(r.Context(), chi.URLParam(r, "workerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tfgate/services/runs"
)

type runResponse struct {
	RunID      string      `json:"run_id"`
	JobID      int64       `json:"job_id,omitempty"`
	Status     runs.Status `json:"status"`
	PlanText   *string     `json:"plan_text,omitempty"`
	LogExcerpt *string     `json:"log_excerpt,omitempty"`
	LogURL     string      `json:"log_url,omitempty"`
}

func toRunResponse(run runs.Run) runResponse {
	resp := runResponse{RunID: run.RunID, JobID: run.JobID, Status: run.Status}
	switch run.Status {
	case runs.StatusFailed:
		excerpt := run.LogExcerpt
		resp.LogExcerpt = &excerpt
	case runs.StatusPending:
	default:
		if run.HasPlan {
			plan := run.PlanText
			resp.PlanText = &plan
		}
	}
	return resp
}

func runIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "runID"))
	if id == "" {
		return "", errors.New("run id is required")
	}
	return id, nil
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var jobID int64
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || jobID <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid job_id %q", raw))
			return
		}
	}
	reextract := false
	if raw := r.URL.Query().Get("reextract"); raw != "" {
		reextract, err = strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid reextract %q", raw))
			return
		}
	}

	run, err := a.svc.Poll(r.Context(), runID, jobID, reextract)
	if err != nil {
		respondRunError(w, r, err)
		return
	}

	resp := toRunResponse(run)
	switch run.Status {
	case runs.StatusPending:
		respondJSON(w, http.StatusAccepted, resp)
		return
	case runs.StatusFailed:
		url, err := a.svc.LogURL(r.Context(), run)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("run_id", runID).Msg("presign log archive")
		}
		resp.LogURL = url
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.svc.Approve(r.Context(), runID)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, runResponse{RunID: run.RunID, JobID: run.JobID, Status: run.Status})
}

func (a *API) handleDestroy(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.svc.Destroy(r.Context(), runID)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, runResponse{RunID: run.RunID, JobID: run.JobID, Status: run.Status})
}

type planCallbackRequest struct {
	JobID    int64  `json:"job_id" validate:"required,gt=0"`
	PlanText string `json:"plan_text" validate:"required"`
}

func (a *API) handlePlanCallback(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req planCallbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.svc.PlanCallback(r.Context(), runID, req.JobID, req.PlanText)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toRunResponse(run))
}

func (a *API) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req runs.LaunchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.svc.Launch(r.Context(), req)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, runResponse{RunID: run.RunID, JobID: run.JobID, Status: run.Status})
}

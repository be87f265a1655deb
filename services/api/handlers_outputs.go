package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	outputs, err := a.svc.Store().ListOutputs(r.Context(), runID)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": runID, "outputs": outputs})
}

func (a *API) handlePutOutputs(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req map[string]json.RawMessage
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	outputs, err := a.svc.ReportOutputs(r.Context(), runID, req)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": runID, "outputs": outputs})
}

func (a *API) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		respondError(w, http.StatusBadRequest, errors.New("output key is required"))
		return
	}

	output, err := a.svc.Store().GetOutput(r.Context(), runID, key)
	if err != nil {
		respondRunError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, output)
}

func (a *API) handleDeleteOutput(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		respondError(w, http.StatusBadRequest, errors.New("output key is required"))
		return
	}

	if err := a.svc.DeleteOutput(r.Context(), runID, key); err != nil {
		respondRunError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

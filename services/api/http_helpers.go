package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tfgate/pkg/awx"
	"tfgate/services/runs"
)

const maxRequestBytes = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondRunError maps service errors onto HTTP statuses.
func respondRunError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected  *runs.ApprovalRejectedError
		statusErr *awx.StatusError
	)
	switch {
	case errors.Is(err, runs.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, runs.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, runs.ErrInvalidTransition), errors.Is(err, runs.ErrAlreadyExists):
		respondError(w, http.StatusConflict, err)
	case errors.As(err, &rejected):
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":       err.Error(),
			"status_code": rejected.StatusCode,
			"body":        rejected.Body,
		})
	case errors.As(err, &statusErr):
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":       err.Error(),
			"status_code": statusErr.StatusCode,
		})
	case awx.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusBadGateway, err)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, err)
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

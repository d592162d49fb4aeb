package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/maneesh/labarchive/internal/archive"
	"github.com/maneesh/labarchive/internal/policy"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labarchive-handlers")

// APIResponse is the JSON body for health checks and errors
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errBadRequest marks malformed requests that never reach the pipeline
var errBadRequest = errors.New("bad request")

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Is(target error) bool { return target == errBadRequest }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

// errorStatus maps a pipeline error onto an HTTP status code
func errorStatus(err error) int {
	var (
		validationErr *policy.ValidationError
		buildErr      *archive.BuildError
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, policy.ErrFileTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &validationErr), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &buildErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	message := err.Error()
	var buildErr *archive.BuildError
	if errors.As(err, &buildErr) {
		message = "failed to create the archive"
	} else if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}

// HealthHandler answers liveness probes
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Server health okay"})
}

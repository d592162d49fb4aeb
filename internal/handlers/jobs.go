package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobLookup finds archive job records by session token
type JobLookup interface {
	GetJob(ctx context.Context, token string) (*models.ArchiveJob, error)
}

// JobHandler handles GET /api/jobs/{token}
type JobHandler struct {
	jobs JobLookup
}

// NewJobHandler creates a new job status handler
func NewJobHandler(jobs JobLookup) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (jh *JobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	ctx, span := tracer.Start(r.Context(), "get_job",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session_token", token)),
	)
	defer span.End()

	if token == "" {
		writeError(w, badRequest("missing session token"))
		return
	}

	job, err := jh.jobs.GetJob(ctx, token)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Message: "job not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		log.Printf("Failed to look up job %s: %v", token, err)
		writeError(w, err)
		return
	}

	span.SetAttributes(attribute.String("status", string(job.Status)))
	writeJSON(w, http.StatusOK, job)
}

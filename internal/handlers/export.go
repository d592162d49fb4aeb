package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/maneesh/labarchive/internal/pipeline"
	"github.com/maneesh/labarchive/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExportStore holds exported archives and hands out download links
type ExportStore interface {
	storage.ArchiveStore
	PresignedURL(ctx context.Context, objectKey, filename string) (string, error)
}

// ExportHandler handles POST /api/export
type ExportHandler struct {
	pipeline *pipeline.Pipeline
	store    ExportStore
	timeout  time.Duration
}

// ExportResponse represents the response for an export operation
type ExportResponse struct {
	SessionToken string `json:"session_token"`
	ObjectKey    string `json:"object_key"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

// NewExportHandler creates a new export handler
func NewExportHandler(p *pipeline.Pipeline, store ExportStore, timeout time.Duration) *ExportHandler {
	return &ExportHandler{
		pipeline: p,
		store:    store,
		timeout:  timeout,
	}
}

// ServeHTTP builds the archive like an upload, but stores it in the
// bucket and answers with a presigned link instead of the bytes
func (eh *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context(), eh.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "export",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	upload, err := eh.pipeline.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	defer upload.Release()
	span.SetAttributes(attribute.String("session_token", upload.Token()))

	selector, err := stageForm(ctx, w, r, upload)
	if err != nil {
		span.RecordError(err)
		log.Printf("Export %s rejected while staging: %v", upload.Token(), err)
		writeError(w, err)
		return
	}

	sink := storage.NewMinioSink(eh.store)
	if err := upload.Finish(ctx, selector, sink); err != nil {
		span.RecordError(err)
		log.Printf("Export %s failed: %v", upload.Token(), err)
		writeError(w, err)
		return
	}

	url, err := eh.store.PresignedURL(ctx, sink.ObjectKey, upload.Job().Format.OutputName())
	if err != nil {
		span.RecordError(err)
		log.Printf("Export %s: failed to presign %s: %v", upload.Token(), sink.ObjectKey, err)
		writeError(w, err)
		return
	}

	log.Printf("Export %s stored as %s", upload.Token(), sink.ObjectKey)
	writeJSON(w, http.StatusCreated, ExportResponse{
		SessionToken: upload.Token(),
		ObjectKey:    sink.ObjectKey,
		Size:         sink.Size,
		URL:          url,
	})
}

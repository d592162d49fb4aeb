package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/delivery"
	"github.com/maneesh/labarchive/internal/pipeline"
	"github.com/maneesh/labarchive/internal/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// FilesField is the multipart field carrying the uploaded files
	FilesField = "zips"

	// FormatField is the multipart field carrying the compression type
	FormatField = "compressionType"

	maxSelectorBytes = 64

	// room for multipart boundaries and the selector field
	formOverhead int64 = 1 << 20

	// MaxRequestBytes caps the whole upload body
	MaxRequestBytes = policy.MaxFiles*policy.MaxFileSize + formOverhead
)

// UploadHandler handles POST /api/zipUpload
type UploadHandler struct {
	pipeline *pipeline.Pipeline
	chunker  *chunker.Chunker
	timeout  time.Duration
}

// NewUploadHandler creates a new upload handler. A zero timeout leaves
// the request context alone.
func NewUploadHandler(p *pipeline.Pipeline, c *chunker.Chunker, timeout time.Duration) *UploadHandler {
	return &UploadHandler{
		pipeline: p,
		chunker:  c,
		timeout:  timeout,
	}
}

// ServeHTTP streams the multipart form into a session and answers with
// the archive as a download
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context(), uh.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "zip_upload",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	upload, err := uh.pipeline.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		log.Printf("Failed to open session: %v", err)
		writeError(w, err)
		return
	}
	defer upload.Release()
	span.SetAttributes(attribute.String("session_token", upload.Token()))

	selector, err := stageForm(ctx, w, r, upload)
	if err != nil {
		span.RecordError(err)
		log.Printf("Upload %s rejected while staging: %v", upload.Token(), err)
		writeError(w, err)
		return
	}

	sink := delivery.NewResponseSink(w, uh.chunker)
	if err := upload.Finish(ctx, selector, sink); err != nil {
		span.RecordError(err)
		if sink.Started() {
			// headers are gone, the client sees a truncated body
			log.Printf("Upload %s: delivery failed: %v", upload.Token(), err)
			return
		}
		log.Printf("Upload %s failed: %v", upload.Token(), err)
		writeError(w, err)
		return
	}

	job := upload.Job()
	log.Printf("Upload %s completed: %d file(s), %s -> %s %s",
		upload.Token(), job.FileCount,
		humanize.IBytes(uint64(job.InputBytes)),
		humanize.IBytes(uint64(job.OutputBytes)), job.Format)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// stageForm reads the multipart body part by part, staging every file in
// FilesField as it arrives, and returns the compression selector
func stageForm(ctx context.Context, w http.ResponseWriter, r *http.Request, upload *pipeline.Upload) (string, error) {
	ctx, span := tracer.Start(ctx, "stage_form")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		return "", badRequest(fmt.Sprintf("expected a multipart/form-data body: %v", err))
	}

	var (
		selector string
		count    int
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return "", err
			}
			return "", badRequest(fmt.Sprintf("malformed multipart body: %v", err))
		}

		switch part.FormName() {
		case FilesField:
			count++
			if count > policy.MaxFiles {
				part.Close()
				return "", &policy.ValidationError{Err: policy.ErrTooManyFiles}
			}
			name := part.FileName()
			span.AddEvent("stage", trace.WithAttributes(attribute.String("file_name", name)))
			err = upload.Stage(ctx, name, -1, part)
		case FormatField:
			var value []byte
			value, err = io.ReadAll(io.LimitReader(part, maxSelectorBytes))
			selector = strings.TrimSpace(string(value))
		default:
			log.Printf("Upload %s: ignoring unexpected field %q", upload.Token(), part.FormName())
		}
		part.Close()
		if err != nil {
			span.RecordError(err)
			return "", err
		}
	}

	span.SetAttributes(
		attribute.Int("file_count", count),
		attribute.String("selector", selector),
	)
	return selector, nil
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labarchive-delivery")

// ErrNotBuilt is returned when delivery is attempted for a job without output
var ErrNotBuilt = errors.New("archive has not been built")

// DeliveryError reports a transfer to the sink that failed or was interrupted
type DeliveryError struct {
	Token string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver session %s: %v", e.Token, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Artifact describes the container handed to a sink
type Artifact struct {
	SessionToken string
	Filename     string
	ContentType  string
	Size         int64
}

// Sink receives a finished container
type Sink interface {
	Accept(ctx context.Context, artifact Artifact, r io.Reader) error
}

// Coordinator hands built containers to sinks and owns session teardown.
// It is the only caller of workspace.Manager.Close.
type Coordinator struct {
	workspace *workspace.Manager
}

// NewCoordinator creates a coordinator bound to ws
func NewCoordinator(ws *workspace.Manager) *Coordinator {
	return &Coordinator{workspace: ws}
}

// Deliver streams the output of job to sink, then closes the session
// whatever the outcome
func (c *Coordinator) Deliver(ctx context.Context, s *workspace.Session, job *models.ArchiveJob, sink Sink) error {
	ctx, span := tracer.Start(ctx, "delivery.deliver",
		trace.WithAttributes(
			attribute.String("session_token", s.Token),
			attribute.String("format", string(job.Format)),
			attribute.Int64("output_size", job.OutputBytes),
		),
	)
	defer span.End()
	defer c.close(s)

	err := c.transfer(ctx, job, sink)
	if err != nil {
		derr := &DeliveryError{Token: s.Token, Err: err}
		job.Fail(derr)
		if advanceErr := s.Advance(models.SessionFailed); advanceErr != nil {
			log.Printf("Warning: %v", advanceErr)
		}
		span.RecordError(derr)
		log.Printf("Delivery failed for session %s: %v", s.Token, err)
		return derr
	}

	if err := job.Advance(models.JobDelivered); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.Advance(models.SessionDelivered); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("delivered", true))
	log.Printf("Delivered %s for session %s (%d bytes)", job.Format.OutputName(), s.Token, job.OutputBytes)
	return nil
}

func (c *Coordinator) transfer(ctx context.Context, job *models.ArchiveJob, sink Sink) error {
	if job.Status != models.JobBuilt || job.OutputPath == "" {
		return ErrNotBuilt
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	return sink.Accept(ctx, Artifact{
		SessionToken: job.SessionToken,
		Filename:     job.Format.OutputName(),
		ContentType:  job.Format.ContentType(),
		Size:         job.OutputBytes,
	}, f)
}

// Release tears down a session that did not reach delivery. A job that
// is still in flight is marked failed. Calling Release after Deliver is
// a no-op.
func (c *Coordinator) Release(s *workspace.Session, job *models.ArchiveJob) {
	if s.State() == models.SessionCleaned {
		return
	}
	if !s.State().Terminal() {
		if err := s.Advance(models.SessionFailed); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	if job != nil {
		job.Fail(errors.New("session released before delivery"))
	}
	c.close(s)
}

// close never lets a cleanup failure replace the request's result
func (c *Coordinator) close(s *workspace.Session) {
	if err := c.workspace.Close(s); err != nil {
		log.Printf("Warning: %v", err)
	}
}

// Package pipeline runs one upload through staging, validation, build and
// delivery. Each phase finishes before the next starts; the session is
// torn down on every exit path.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/maneesh/labarchive/internal/archive"
	"github.com/maneesh/labarchive/internal/delivery"
	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/policy"
	"github.com/maneesh/labarchive/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labarchive-pipeline")

// JobRecorder is told about every archive job transition
type JobRecorder interface {
	RecordJob(ctx context.Context, job *models.ArchiveJob) error
}

// NopRecorder discards job updates
type NopRecorder struct{}

func (NopRecorder) RecordJob(context.Context, *models.ArchiveJob) error { return nil }

// File is one named input for HandleUpload
type File struct {
	Name string
	Size int64
	Body io.Reader
}

// Pipeline wires the workspace, builder and coordinator together
type Pipeline struct {
	workspace   *workspace.Manager
	builder     *archive.Builder
	coordinator *delivery.Coordinator
	recorder    JobRecorder
}

// New creates a pipeline. A nil recorder discards job updates.
func New(ws *workspace.Manager, builder *archive.Builder, coordinator *delivery.Coordinator, recorder JobRecorder) *Pipeline {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Pipeline{
		workspace:   ws,
		builder:     builder,
		coordinator: coordinator,
		recorder:    recorder,
	}
}

// HandleUpload stages files, packs them in the selected format and hands
// the result to sink
func (p *Pipeline) HandleUpload(ctx context.Context, files []File, selector string, sink delivery.Sink) error {
	upload, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer upload.Release()

	for _, f := range files {
		if err := upload.Stage(ctx, f.Name, f.Size, f.Body); err != nil {
			return err
		}
	}
	return upload.Finish(ctx, selector, sink)
}

// Upload is an open session being filled by a caller. Release must be
// deferred right after Begin returns.
type Upload struct {
	pipeline *Pipeline
	session  *workspace.Session
	job      *models.ArchiveJob
}

// Begin opens a new session
func (p *Pipeline) Begin(ctx context.Context) (*Upload, error) {
	session, err := p.workspace.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return &Upload{pipeline: p, session: session}, nil
}

// Token returns the session token
func (u *Upload) Token() string {
	return u.session.Token
}

// Job returns the archive job, or nil before validation has passed
func (u *Upload) Job() *models.ArchiveJob {
	return u.job
}

// Stage writes one input into the session. size is the declared size or -1.
func (u *Upload) Stage(ctx context.Context, name string, size int64, r io.Reader) error {
	_, err := u.pipeline.workspace.Stage(ctx, u.session, name, size, r)
	return err
}

// Finish validates the staged files against selector, builds the
// container and delivers it to sink. The session is closed once it returns.
func (u *Upload) Finish(ctx context.Context, selector string, sink delivery.Sink) error {
	p := u.pipeline
	ctx, span := tracer.Start(ctx, "pipeline.finish",
		trace.WithAttributes(
			attribute.String("session_token", u.session.Token),
			attribute.String("selector", selector),
		),
	)
	defer span.End()

	files := u.session.Files()
	format, err := u.validate(ctx, files, selector)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := u.session.Advance(models.SessionValidated); err != nil {
		span.RecordError(err)
		return err
	}

	u.job = models.NewArchiveJob(u.session.Token, format, files)
	p.record(ctx, u.job)

	if _, err := p.builder.Build(ctx, u.job, u.session.OutputDir(), files); err != nil {
		p.record(ctx, u.job)
		span.RecordError(err)
		return err
	}
	if err := u.session.Advance(models.SessionBuilt); err != nil {
		span.RecordError(err)
		return err
	}
	p.record(ctx, u.job)

	err = p.coordinator.Deliver(ctx, u.session, u.job, sink)
	p.record(ctx, u.job)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (u *Upload) validate(ctx context.Context, files []models.InputFile, selector string) (models.TargetFormat, error) {
	_, span := tracer.Start(ctx, "policy.validate",
		trace.WithAttributes(attribute.Int("file_count", len(files))),
	)
	defer span.End()

	// an empty batch is reported as such even when the selector is bad
	format, parseErr := policy.ParseFormat(selector)
	if err := policy.Validate(files, format); err != nil {
		span.RecordError(err)
		return "", err
	}
	if parseErr != nil {
		span.RecordError(parseErr)
		return "", parseErr
	}
	span.SetAttributes(attribute.String("format", string(format)))
	return format, nil
}

// Release tears the session down unless delivery already did. It is
// safe to call more than once.
func (u *Upload) Release() {
	wasFinal := u.job == nil || u.job.Status.Terminal()
	u.pipeline.coordinator.Release(u.session, u.job)
	if !wasFinal {
		u.pipeline.record(context.Background(), u.job)
	}
}

func (p *Pipeline) record(ctx context.Context, job *models.ArchiveJob) {
	if err := p.recorder.RecordJob(ctx, job); err != nil {
		log.Printf("Warning: failed to record job %s: %v", job.SessionToken, err)
	}
}

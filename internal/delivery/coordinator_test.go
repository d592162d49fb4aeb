package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/workspace"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ws      *workspace.Manager
	coord   *Coordinator
	chunker *chunker.Chunker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := chunker.NewChunker(16)
	ws, err := workspace.NewManager(t.TempDir(), workspace.NewAllocator(nil), c)
	require.NoError(t, err)
	return &fixture{ws: ws, coord: NewCoordinator(ws), chunker: c}
}

// builtSession stages one file and fakes a finished build of payload
func (f *fixture) builtSession(t *testing.T, payload []byte) (*workspace.Session, *models.ArchiveJob) {
	t.Helper()
	ctx := context.Background()
	s, err := f.ws.Open(ctx)
	require.NoError(t, err)

	staged, err := f.ws.Stage(ctx, s, "input.txt", -1, strings.NewReader("input"))
	require.NoError(t, err)
	require.NoError(t, s.Advance(models.SessionValidated))

	job := models.NewArchiveJob(s.Token, models.FormatTar, []models.InputFile{staged})
	require.NoError(t, job.Advance(models.JobBuilding))
	job.OutputPath = filepath.Join(s.OutputDir(), job.Format.OutputName())
	job.OutputBytes = int64(len(payload))
	require.NoError(t, os.WriteFile(job.OutputPath, payload, 0o600))
	require.NoError(t, job.Advance(models.JobBuilt))
	require.NoError(t, s.Advance(models.SessionBuilt))
	return s, job
}

type sinkFunc func(ctx context.Context, artifact Artifact, r io.Reader) error

func (fn sinkFunc) Accept(ctx context.Context, artifact Artifact, r io.Reader) error {
	return fn(ctx, artifact, r)
}

func TestDeliverStreamsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	payload := bytes.Repeat([]byte("archive-bytes "), 100)
	s, job := f.builtSession(t, payload)

	rec := httptest.NewRecorder()
	sink := NewResponseSink(rec, f.chunker)
	require.NoError(t, f.coord.Deliver(context.Background(), s, job, sink))

	require.True(t, sink.Started())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-tar", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="compressed_files.tar"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, payload, rec.Body.Bytes())

	require.Equal(t, models.JobDelivered, job.Status)
	require.Equal(t, models.SessionCleaned, s.State())
	require.NoDirExists(t, s.Dir)
	require.Zero(t, f.ws.OpenCount())

	// release after delivery changes nothing
	f.coord.Release(s, job)
	require.Equal(t, models.JobDelivered, job.Status)
}

func TestDeliverFailureStillCleansUp(t *testing.T) {
	f := newFixture(t)
	s, job := f.builtSession(t, []byte("payload"))

	calls := 0
	broken := sinkFunc(func(ctx context.Context, artifact Artifact, r io.Reader) error {
		calls++
		return errors.New("broken pipe")
	})

	err := f.coord.Deliver(context.Background(), s, job, broken)
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, s.Token, derr.Token)
	require.Equal(t, 1, calls)

	require.Equal(t, models.JobFailed, job.Status)
	require.Contains(t, job.Error, "broken pipe")
	require.Equal(t, models.SessionCleaned, s.State())
	require.NoDirExists(t, s.Dir)
	require.Zero(t, f.ws.OpenCount())
}

func TestDeliverRequiresBuiltJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ws.Open(ctx)
	require.NoError(t, err)

	job := models.NewArchiveJob(s.Token, models.FormatZip, nil)
	err = f.coord.Deliver(ctx, s, job, NewResponseSink(httptest.NewRecorder(), f.chunker))
	require.ErrorIs(t, err, ErrNotBuilt)
	require.NoDirExists(t, s.Dir)
}

type cutWriter struct {
	*httptest.ResponseRecorder
	budget int
}

func (w *cutWriter) Write(p []byte) (int, error) {
	if len(p) > w.budget {
		return 0, errors.New("connection reset by peer")
	}
	w.budget -= len(p)
	return w.ResponseRecorder.Write(p)
}

func TestResponseSinkDetectsDisconnect(t *testing.T) {
	f := newFixture(t)
	s, job := f.builtSession(t, bytes.Repeat([]byte{1}, 256))

	sink := NewResponseSink(&cutWriter{ResponseRecorder: httptest.NewRecorder(), budget: 64}, f.chunker)
	err := f.coord.Deliver(context.Background(), s, job, sink)
	require.ErrorContains(t, err, "connection reset by peer")
	require.Equal(t, models.JobFailed, job.Status)
	require.NoDirExists(t, s.Dir)
}

func TestResponseSinkHonoursCancelledRequest(t *testing.T) {
	f := newFixture(t)
	s, job := f.builtSession(t, []byte("payload"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	sink := NewResponseSink(rec, f.chunker)
	err := f.coord.Deliver(ctx, s, job, sink)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, sink.Started())
	require.NoDirExists(t, s.Dir)
}

func TestReleaseFailsInFlightSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ws.Open(ctx)
	require.NoError(t, err)
	staged, err := f.ws.Stage(ctx, s, "a.txt", -1, strings.NewReader("a"))
	require.NoError(t, err)
	job := models.NewArchiveJob(s.Token, models.FormatZip, []models.InputFile{staged})

	f.coord.Release(s, job)
	require.Equal(t, models.SessionCleaned, s.State())
	require.Equal(t, models.JobFailed, job.Status)
	require.NoDirExists(t, s.Dir)

	f.coord.Release(s, job)
	require.Zero(t, f.ws.OpenCount())
}

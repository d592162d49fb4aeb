package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/labarchive/internal/archive"
	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/delivery"
	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/policy"
	"github.com/maneesh/labarchive/internal/workspace"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	artifact delivery.Artifact
	body     bytes.Buffer
	err      error
}

func (s *memorySink) Accept(ctx context.Context, artifact delivery.Artifact, r io.Reader) error {
	if s.err != nil {
		return s.err
	}
	s.artifact = artifact
	_, err := io.Copy(&s.body, r)
	return err
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.JobStatus
}

func (r *statusRecorder) RecordJob(_ context.Context, job *models.ArchiveJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, job.Status)
	return nil
}

type failingRecorder struct{}

func (failingRecorder) RecordJob(context.Context, *models.ArchiveJob) error {
	return errors.New("tidb: connection refused")
}

type harness struct {
	pipeline *Pipeline
	ws       *workspace.Manager
	recorder *statusRecorder
}

func newHarness(t *testing.T, opts ...archive.Option) *harness {
	t.Helper()
	c := chunker.NewChunker(4096)
	ws, err := workspace.NewManager(t.TempDir(), workspace.NewAllocator(nil), c)
	require.NoError(t, err)
	rec := &statusRecorder{}
	p := New(ws, archive.NewBuilder(c, opts...), delivery.NewCoordinator(ws), rec)
	return &harness{pipeline: p, ws: ws, recorder: rec}
}

// requireEmptyWorkspace asserts that no session left anything behind
func (h *harness) requireEmptyWorkspace(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.ws.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, h.ws.OpenCount())
}

func inputs() []File {
	return []File{
		{Name: "b-second-alphabetically.txt", Size: -1, Body: strings.NewReader("first staged")},
		{Name: "a-first-alphabetically.bin", Size: 3, Body: bytes.NewReader([]byte{0, 1, 2})},
		{Name: "photo.jpg", Size: -1, Body: bytes.NewReader(bytes.Repeat([]byte("jpeg"), 5000))},
	}
}

func TestHandleUploadZipRoundTrip(t *testing.T) {
	h := newHarness(t)
	files := inputs()
	sink := &memorySink{}

	require.NoError(t, h.pipeline.HandleUpload(context.Background(), inputs(), "ZIP", sink))
	require.Equal(t, "compressed_files.zip", sink.artifact.Filename)
	require.Equal(t, "application/zip", sink.artifact.ContentType)
	require.Equal(t, int64(sink.body.Len()), sink.artifact.Size)

	zr, err := zip.NewReader(bytes.NewReader(sink.body.Bytes()), int64(sink.body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, len(files))
	for i, zf := range zr.File {
		require.Equal(t, files[i].Name, zf.Name)
		rc, err := zf.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		want, err := io.ReadAll(files[i].Body)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	require.Equal(t, []models.JobStatus{models.JobPending, models.JobBuilt, models.JobDelivered}, h.recorder.statuses)
	h.requireEmptyWorkspace(t)
}

func TestHandleUploadTarRoundTrip(t *testing.T) {
	h := newHarness(t)
	files := inputs()
	sink := &memorySink{}

	require.NoError(t, h.pipeline.HandleUpload(context.Background(), inputs(), "tar", sink))
	require.Equal(t, "compressed_files.tar", sink.artifact.Filename)

	tr := tar.NewReader(bytes.NewReader(sink.body.Bytes()))
	count := 0
	for ; ; count++ {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, files[count].Name, header.Name)
		got, err := io.ReadAll(tr)
		require.NoError(t, err)
		want, err := io.ReadAll(files[count].Body)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, len(files), count)
	h.requireEmptyWorkspace(t)
}

func TestHandleUploadGzipSingleFile(t *testing.T) {
	h := newHarness(t)
	sink := &memorySink{}
	payload := strings.Repeat("log line\n", 2000)

	err := h.pipeline.HandleUpload(context.Background(), []File{{Name: "app.log", Size: -1, Body: strings.NewReader(payload)}}, "gzip", sink)
	require.NoError(t, err)
	require.Equal(t, "compressed_files.gz", sink.artifact.Filename)

	gr, err := gzip.NewReader(&sink.body)
	require.NoError(t, err)
	got, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	h.requireEmptyWorkspace(t)
}

func TestHandleUploadGzipNonLatin1Name(t *testing.T) {
	for _, name := range []string{"报告.txt", "notes-😀.md"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			sink := &memorySink{}
			payload := "年度报告\n"

			err := h.pipeline.HandleUpload(context.Background(), []File{{Name: name, Size: -1, Body: strings.NewReader(payload)}}, "gzip", sink)
			require.NoError(t, err)
			require.Equal(t, "compressed_files.gz", sink.artifact.Filename)

			gr, err := gzip.NewReader(&sink.body)
			require.NoError(t, err)
			got, err := io.ReadAll(gr)
			require.NoError(t, err)
			require.Equal(t, payload, string(got))
			require.Equal(t, []models.JobStatus{models.JobPending, models.JobBuilt, models.JobDelivered}, h.recorder.statuses)
			h.requireEmptyWorkspace(t)
		})
	}
}

func TestHandleUploadValidationFailures(t *testing.T) {
	two := func() []File {
		return []File{
			{Name: "a.txt", Size: -1, Body: strings.NewReader("a")},
			{Name: "b.txt", Size: -1, Body: strings.NewReader("b")},
		}
	}
	cases := []struct {
		name     string
		files    []File
		selector string
		want     error
	}{
		{"gzip with two files", two(), "gzip", policy.ErrUnsupportedArity},
		{"no files zip", nil, "zip", policy.ErrNoFilesProvided},
		{"no files unknown format", nil, "rar", policy.ErrNoFilesProvided},
		{"rar", two(), "rar", policy.ErrUnsupportedFormat},
		{"duplicate names", []File{
			{Name: "same", Size: -1, Body: strings.NewReader("1")},
			{Name: "same", Size: -1, Body: strings.NewReader("2")},
		}, "zip", policy.ErrDuplicateName},
		{"traversal", []File{{Name: "../../etc/passwd", Size: -1, Body: strings.NewReader("x")}}, "tar", policy.ErrUnsafeName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			sink := &memorySink{}

			err := h.pipeline.HandleUpload(context.Background(), tc.files, tc.selector, sink)
			require.ErrorIs(t, err, tc.want)
			var verr *policy.ValidationError
			require.ErrorAs(t, err, &verr)

			require.Zero(t, sink.body.Len())
			require.Empty(t, h.recorder.statuses, "no job is created for a rejected request")
			h.requireEmptyWorkspace(t)
		})
	}
}

// watchedReader records whether anyone read from it
type watchedReader struct {
	io.Reader
	touched bool
}

func (w *watchedReader) Read(p []byte) (int, error) {
	w.touched = true
	return w.Reader.Read(p)
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestHandleUploadRejectsOversizedFileBeforeLaterFiles(t *testing.T) {
	h := newHarness(t)
	later := &watchedReader{Reader: strings.NewReader("never staged")}

	err := h.pipeline.HandleUpload(context.Background(), []File{
		{Name: "huge.bin", Size: -1, Body: io.LimitReader(zeros{}, policy.MaxFileSize+1)},
		{Name: "later.txt", Size: -1, Body: later},
	}, "zip", &memorySink{})

	require.ErrorIs(t, err, policy.ErrFileTooLarge)
	require.False(t, later.touched)
	require.Empty(t, h.recorder.statuses)
	h.requireEmptyWorkspace(t)
}

func TestHandleUploadAcceptsFileAtLimit(t *testing.T) {
	h := newHarness(t)
	sink := &memorySink{}

	err := h.pipeline.HandleUpload(context.Background(), []File{
		{Name: "exact.bin", Size: policy.MaxFileSize, Body: io.LimitReader(zeros{}, policy.MaxFileSize)},
	}, "gzip", sink)
	require.NoError(t, err)
	h.requireEmptyWorkspace(t)
}

// brokenOutput fails every write to the container
type brokenOutput struct{}

func (brokenOutput) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func (brokenOutput) Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &brokenFile{File: f}, nil
}

type brokenFile struct {
	*os.File
	written int
}

func (b *brokenFile) Write(p []byte) (int, error) {
	if b.written > 0 {
		return 0, fmt.Errorf("write %s: input/output error", b.Name())
	}
	b.written += len(p)
	return b.File.Write(p)
}

func TestHandleUploadBuildFailureCleansUp(t *testing.T) {
	h := newHarness(t, archive.WithFileSystem(brokenOutput{}))
	sink := &memorySink{}

	err := h.pipeline.HandleUpload(context.Background(), inputs(), "tar", sink)
	var buildErr *archive.BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Zero(t, sink.body.Len())
	require.Equal(t, []models.JobStatus{models.JobPending, models.JobFailed}, h.recorder.statuses)
	h.requireEmptyWorkspace(t)
}

func TestHandleUploadDeliveryFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	sink := &memorySink{err: errors.New("client closed connection")}

	err := h.pipeline.HandleUpload(context.Background(), inputs(), "zip", sink)
	var derr *delivery.DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, models.JobFailed, h.recorder.statuses[len(h.recorder.statuses)-1])
	h.requireEmptyWorkspace(t)
}

func TestRecorderFailureDoesNotFailUpload(t *testing.T) {
	c := chunker.NewChunker(1024)
	ws, err := workspace.NewManager(t.TempDir(), nil, c)
	require.NoError(t, err)
	p := New(ws, archive.NewBuilder(c), delivery.NewCoordinator(ws), failingRecorder{})

	require.NoError(t, p.HandleUpload(context.Background(), inputs(), "zip", &memorySink{}))
}

func TestUploadReleaseAfterPartialStaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	upload, err := h.pipeline.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, upload.Stage(ctx, "one.txt", -1, strings.NewReader("1")))
	require.Nil(t, upload.Job())

	upload.Release()
	upload.Release()
	h.requireEmptyWorkspace(t)
}

func TestConcurrentUploadsAreIsolated(t *testing.T) {
	h := newHarness(t)

	const requests = 16
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sink := &memorySink{}
			content := fmt.Sprintf("request %d", i)
			if err := h.pipeline.HandleUpload(context.Background(), []File{{Name: "same-name.txt", Size: -1, Body: strings.NewReader(content)}}, "gzip", sink); err != nil {
				errs <- err
				return
			}
			gr, err := gzip.NewReader(&sink.body)
			if err != nil {
				errs <- err
				return
			}
			got, err := io.ReadAll(gr)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != content {
				errs <- fmt.Errorf("request %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	h.requireEmptyWorkspace(t)
}

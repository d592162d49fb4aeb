// Package archive packs staged input files into a single container.
//
// The set of formats is closed: zip and tar hold one entry per input,
// gzip wraps exactly one input stream. Every strategy streams its
// inputs through a chunker, so memory use does not grow with file size.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labarchive-archive")

// CompressionLevel is applied to every zip entry and to gzip output.
const CompressionLevel = 5

// BuildError reports an I/O failure while constructing a container.
// Name is the input being processed, or empty for the container itself.
type BuildError struct {
	Name string
	Op   string
	Err  error
}

func (e *BuildError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("build failed at %s (%s): %v", e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("build failed (%s): %v", e.Op, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// FileSystem opens staged inputs and creates the container file
type FileSystem interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
}

type osFileSystem struct{}

func (osFileSystem) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func (osFileSystem) Create(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

// Option configures a Builder
type Option func(*Builder)

// WithFileSystem replaces the filesystem used to read inputs and write output
func WithFileSystem(fs FileSystem) Option {
	return func(b *Builder) { b.fs = fs }
}

// Builder writes containers for archive jobs
type Builder struct {
	chunker *chunker.Chunker
	fs      FileSystem
}

// NewBuilder creates a builder that copies data through c
func NewBuilder(c *chunker.Chunker, opts ...Option) *Builder {
	b := &Builder{chunker: c, fs: osFileSystem{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Output is a built container on disk
type Output struct {
	Path string
	Size int64
}

// Build writes the container for job into outputDir. The job moves from
// pending through building to built, or to failed on any error. A failed
// build may leave a partial file in outputDir; removing it is the
// workspace's job.
func (b *Builder) Build(ctx context.Context, job *models.ArchiveJob, outputDir string, files []models.InputFile) (*Output, error) {
	ctx, span := tracer.Start(ctx, "archive.build",
		trace.WithAttributes(
			attribute.String("session_token", job.SessionToken),
			attribute.String("format", string(job.Format)),
			attribute.Int("file_count", len(files)),
		),
	)
	defer span.End()

	if err := job.Advance(models.JobBuilding); err != nil {
		span.RecordError(err)
		return nil, err
	}

	path := filepath.Join(outputDir, job.Format.OutputName())
	size, err := b.write(ctx, job.Format, path, files)
	if err != nil {
		job.Fail(err)
		span.RecordError(err)
		log.Printf("Build failed for session %s: %v", job.SessionToken, err)
		return nil, err
	}

	job.OutputPath = path
	job.OutputBytes = size
	if err := job.Advance(models.JobBuilt); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("output_size", size))
	log.Printf("Built %s for session %s: %d files, %d bytes", job.Format.OutputName(), job.SessionToken, len(files), size)
	return &Output{Path: path, Size: size}, nil
}

func (b *Builder) write(ctx context.Context, format models.TargetFormat, path string, files []models.InputFile) (int64, error) {
	out, err := b.fs.Create(path)
	if err != nil {
		return 0, &BuildError{Op: "create output", Err: err}
	}
	counter := &countingWriter{w: out}

	switch format {
	case models.FormatZip:
		err = b.writeZip(ctx, counter, files)
	case models.FormatTar:
		err = b.writeTar(ctx, counter, files)
	case models.FormatGzip:
		err = b.writeGzip(ctx, counter, files)
	default:
		err = &BuildError{Op: "select format", Err: fmt.Errorf("unsupported format %q", format)}
	}

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = &BuildError{Op: "close output", Err: closeErr}
	}
	return counter.n, err
}

func (b *Builder) writeZip(ctx context.Context, w io.Writer, files []models.InputFile) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, CompressionLevel)
	})

	for _, f := range files {
		header := &zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: f.StagedAt,
		}
		header.SetMode(0o644)

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return &BuildError{Name: f.Name, Op: "write header", Err: err}
		}
		if err := b.copyInput(ctx, entry, f); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return &BuildError{Op: "finalize zip", Err: err}
	}
	return nil
}

func (b *Builder) writeTar(ctx context.Context, w io.Writer, files []models.InputFile) error {
	tw := tar.NewWriter(w)

	for _, f := range files {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.Name,
			Mode:     0o644,
			Size:     f.Size,
			ModTime:  f.StagedAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			return &BuildError{Name: f.Name, Op: "write header", Err: err}
		}
		if err := b.copyInput(ctx, tw, f); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return &BuildError{Op: "finalize tar", Err: err}
	}
	return nil
}

func (b *Builder) writeGzip(ctx context.Context, w io.Writer, files []models.InputFile) error {
	if len(files) != 1 {
		return &BuildError{Op: "select input", Err: fmt.Errorf("gzip needs exactly one input, got %d", len(files))}
	}
	f := files[0]

	gw, err := gzip.NewWriterLevel(w, CompressionLevel)
	if err != nil {
		return &BuildError{Op: "init gzip", Err: err}
	}
	if isLatin1(f.Name) {
		gw.Name = f.Name
	}
	gw.ModTime = f.StagedAt

	if err := b.copyInput(ctx, gw, f); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return &BuildError{Op: "finalize gzip", Err: err}
	}
	return nil
}

// copyInput streams one staged file into dst. For tar the staged size is
// already in the header, so a short read is reported as an error.
func (b *Builder) copyInput(ctx context.Context, dst io.Writer, f models.InputFile) error {
	in, err := b.fs.Open(f.Path)
	if err != nil {
		return &BuildError{Name: f.Name, Op: "open input", Err: err}
	}
	defer in.Close()

	result, err := b.chunker.Copy(ctx, dst, in, f.Size)
	if err != nil {
		var readErr *chunker.ReadError
		var writeErr *chunker.WriteError
		switch {
		case errors.As(err, &readErr):
			return &BuildError{Name: f.Name, Op: "read input", Err: readErr.Err}
		case errors.As(err, &writeErr):
			return &BuildError{Name: f.Name, Op: "write output", Err: writeErr.Err}
		default:
			return &BuildError{Name: f.Name, Op: "copy", Err: err}
		}
	}
	if result.Size != f.Size {
		return &BuildError{Name: f.Name, Op: "read input", Err: fmt.Errorf("staged file changed size: want %d bytes, read %d", f.Size, result.Size)}
	}
	return nil
}

// isLatin1 reports whether name fits the ISO 8859-1 header fields of gzip
func isLatin1(name string) bool {
	for _, r := range name {
		if r > 0xff {
			return false
		}
	}
	return true
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

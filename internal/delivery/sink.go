package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/maneesh/labarchive/internal/chunker"
)

// ResponseSink streams an archive as an HTTP download
type ResponseSink struct {
	w       http.ResponseWriter
	chunker *chunker.Chunker
	started bool
}

// NewResponseSink creates a sink writing to w
func NewResponseSink(w http.ResponseWriter, c *chunker.Chunker) *ResponseSink {
	return &ResponseSink{w: w, chunker: c}
}

// Started reports whether response headers were already sent
func (s *ResponseSink) Started() bool {
	return s.started
}

// Accept writes download headers and copies r to the response. A write
// error or a cancelled request context means the client is gone.
func (s *ResponseSink) Accept(ctx context.Context, artifact Artifact, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("client went away before transfer: %w", err)
	}

	header := s.w.Header()
	header.Set("Content-Type", artifact.ContentType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", artifact.Filename))
	header.Set("Content-Length", fmt.Sprintf("%d", artifact.Size))
	header.Set("X-Session-Token", artifact.SessionToken)
	s.w.WriteHeader(http.StatusOK)
	s.started = true

	result, err := s.chunker.Copy(ctx, s.w, r, artifact.Size)
	if err != nil {
		return fmt.Errorf("transfer interrupted after %d bytes: %w", result.Size, err)
	}
	if result.Size != artifact.Size {
		return fmt.Errorf("transfer incomplete: sent %d of %d bytes", result.Size, artifact.Size)
	}

	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

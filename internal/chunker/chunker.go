package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// DefaultChunkSize is used when a non-positive chunk size is configured
const DefaultChunkSize = 32 * 1024

// ErrLimitExceeded is returned when a stream is longer than the allowed limit
var ErrLimitExceeded = errors.New("stream exceeds size limit")

// ReadError wraps a failure reading from the source stream
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return fmt.Sprintf("read: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a failure writing to the destination stream
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return fmt.Sprintf("write: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Chunker moves byte streams through a fixed-size buffer so that no
// caller ever holds a whole file in memory
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the buffer size used for each copy step
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// CopyResult summarizes a completed copy
type CopyResult struct {
	Size   int64
	Digest string
	Chunks int
}

// Copy streams src into dst chunk by chunk. A negative limit disables the
// size check. The context is checked before every chunk.
func (c *Chunker) Copy(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (CopyResult, error) {
	return c.copy(ctx, dst, src, limit, nil)
}

// CopyDigest behaves like Copy and also computes the SHA256 of the bytes copied
func (c *Chunker) CopyDigest(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (CopyResult, error) {
	return c.copy(ctx, dst, src, limit, sha256.New())
}

func (c *Chunker) copy(ctx context.Context, dst io.Writer, src io.Reader, limit int64, digest hash.Hash) (CopyResult, error) {
	var result CopyResult
	buffer := make([]byte, c.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		n, readErr := io.ReadFull(src, buffer)
		if n > 0 {
			if limit >= 0 && result.Size+int64(n) > limit {
				return result, ErrLimitExceeded
			}

			chunk := buffer[:n]
			if digest != nil {
				digest.Write(chunk)
			}
			if _, err := dst.Write(chunk); err != nil {
				return result, &WriteError{Err: err}
			}
			result.Size += int64(n)
			result.Chunks++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		} else if readErr != nil {
			return result, &ReadError{Err: readErr}
		}
	}

	if digest != nil {
		result.Digest = hex.EncodeToString(digest.Sum(nil))
	}
	return result, nil
}

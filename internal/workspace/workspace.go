package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/models"
	"github.com/maneesh/labarchive/internal/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labarchive-workspace")

const (
	inputsDir       = "inputs"
	outputDir       = "output"
	tokenPrefix     = "session-"
	maxOpenAttempts = 8
)

// CleanupError reports a session directory that could not be fully removed
type CleanupError struct {
	Token string
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup session %s: %v", e.Token, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Session is one request's private staging area
type Session struct {
	Token     string
	Dir       string
	CreatedAt time.Time

	mu    sync.Mutex
	state models.SessionState
	files []models.InputFile
	names map[string]struct{}

	closeOnce sync.Once
}

// InputDir is where staged files are written
func (s *Session) InputDir() string { return filepath.Join(s.Dir, inputsDir) }

// OutputDir is where the built container is written
func (s *Session) OutputDir() string { return filepath.Join(s.Dir, outputDir) }

// State returns the current lifecycle state
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Files returns the staged files in staging order
func (s *Session) Files() []models.InputFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InputFile, len(s.files))
	copy(out, s.files)
	return out
}

// Advance moves the session to next, rejecting out-of-order transitions
func (s *Session) Advance(next models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next)
}

func (s *Session) advanceLocked(next models.SessionState) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.Token, s.state, next)
	}
	s.state = next
	return nil
}

func (s *Session) reserveName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SessionCreated && s.state != models.SessionStaged {
		return fmt.Errorf("session %s: cannot stage in state %s", s.Token, s.state)
	}
	if _, dup := s.names[name]; dup {
		return &policy.ValidationError{Err: policy.ErrDuplicateName, Name: name}
	}
	s.names[name] = struct{}{}
	return nil
}

func (s *Session) releaseName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}

func (s *Session) addFile(f models.InputFile) (models.InputFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advanceLocked(models.SessionStaged); err != nil {
		return f, err
	}
	f.Order = len(s.files)
	s.files = append(s.files, f)
	return f, nil
}

// Manager creates, stages into and removes session workspaces under a root directory
type Manager struct {
	root    string
	alloc   *Allocator
	chunker *chunker.Chunker

	mu   sync.Mutex
	open map[string]*Session
}

// NewManager creates a manager rooted at root, creating the directory if needed
func NewManager(root string, alloc *Allocator, c *chunker.Chunker) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if alloc == nil {
		alloc = NewAllocator(nil)
	}
	if c == nil {
		c = chunker.NewChunker(chunker.DefaultChunkSize)
	}
	return &Manager{
		root:    abs,
		alloc:   alloc,
		chunker: c,
		open:    make(map[string]*Session),
	}, nil
}

// Root returns the absolute workspace root
func (m *Manager) Root() string {
	return m.root
}

// OpenCount returns the number of sessions not yet closed
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Open creates a fresh, empty session workspace with a token unique among open sessions
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	ctx, span := tracer.Start(ctx, "workspace.open")
	defer span.End()

	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		token := m.alloc.Next(ctx)
		if !m.reserve(token) {
			continue
		}

		session := &Session{
			Token:     token,
			Dir:       filepath.Join(m.root, token),
			CreatedAt: time.Now().UTC(),
			state:     models.SessionCreated,
			names:     make(map[string]struct{}),
		}

		if err := os.Mkdir(session.Dir, 0o700); err != nil {
			m.forget(token)
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			span.RecordError(err)
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		for _, sub := range []string{session.InputDir(), session.OutputDir()} {
			if err := os.Mkdir(sub, 0o700); err != nil {
				os.RemoveAll(session.Dir)
				m.forget(token)
				span.RecordError(err)
				return nil, fmt.Errorf("failed to create session directory: %w", err)
			}
		}

		m.mu.Lock()
		m.open[token] = session
		m.mu.Unlock()

		span.SetAttributes(attribute.String("session_token", token))
		log.Printf("Opened session %s", token)
		return session, nil
	}

	err := fmt.Errorf("failed to allocate a unique session after %d attempts", maxOpenAttempts)
	span.RecordError(err)
	return nil, err
}

func (m *Manager) reserve(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.open[token]; taken {
		return false
	}
	m.open[token] = nil
	return true
}

func (m *Manager) forget(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, token)
}

// Stage streams one input into the session. declaredSize is the size
// announced by the caller, or -1 when unknown; the stream itself is
// always measured and rejected once it passes policy.MaxFileSize.
func (m *Manager) Stage(ctx context.Context, s *Session, name string, declaredSize int64, r io.Reader) (models.InputFile, error) {
	ctx, span := tracer.Start(ctx, "workspace.stage",
		trace.WithAttributes(
			attribute.String("session_token", s.Token),
			attribute.String("file_name", name),
			attribute.Int64("declared_size", declaredSize),
		),
	)
	defer span.End()

	if err := policy.CheckName(name); err != nil {
		return models.InputFile{}, err
	}
	if err := policy.CheckSize(name, declaredSize); err != nil {
		return models.InputFile{}, err
	}

	path := filepath.Join(s.InputDir(), name)
	if rel, err := filepath.Rel(s.InputDir(), path); err != nil || strings.HasPrefix(rel, "..") || rel != name {
		return models.InputFile{}, &policy.ValidationError{Err: policy.ErrUnsafeName, Name: name}
	}

	if err := s.reserveName(name); err != nil {
		return models.InputFile{}, err
	}

	result, err := m.writeInput(ctx, path, r)
	if err != nil {
		os.Remove(path)
		s.releaseName(name)
		span.RecordError(err)
		if errors.Is(err, chunker.ErrLimitExceeded) {
			return models.InputFile{}, &policy.ValidationError{Err: policy.ErrFileTooLarge, Name: name}
		}
		return models.InputFile{}, fmt.Errorf("failed to stage %s: %w", name, err)
	}

	staged, err := s.addFile(models.InputFile{
		Name:         name,
		Size:         result.Size,
		DeclaredSize: declaredSize,
		Digest:       result.Digest,
		Path:         path,
		StagedAt:     time.Now().UTC(),
	})
	if err != nil {
		os.Remove(path)
		s.releaseName(name)
		span.RecordError(err)
		return models.InputFile{}, err
	}

	span.SetAttributes(
		attribute.Int64("file_size", staged.Size),
		attribute.Int("chunk_count", result.Chunks),
	)
	return staged, nil
}

func (m *Manager) writeInput(ctx context.Context, path string, r io.Reader) (chunker.CopyResult, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return chunker.CopyResult{}, err
	}

	result, err := m.chunker.CopyDigest(ctx, file, r, policy.MaxFileSize)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return result, err
}

// Close removes the whole session directory, inputs and output alike.
// Only the first call does any work; later calls, or a directory that
// is already gone, return nil.
func (m *Manager) Close(s *Session) error {
	var err error
	s.closeOnce.Do(func() {
		if removeErr := os.RemoveAll(s.Dir); removeErr != nil {
			err = &CleanupError{Token: s.Token, Err: removeErr}
		}
		m.forget(s.Token)

		s.mu.Lock()
		s.state = models.SessionCleaned
		s.mu.Unlock()

		if err == nil {
			log.Printf("Cleaned up session %s", s.Token)
		}
	})
	return err
}

// SweepStale removes session directories older than olderThan that do
// not belong to an open session, typically left behind by a crash
func (m *Manager) SweepStale(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), tokenPrefix) {
			continue
		}

		m.mu.Lock()
		_, open := m.open[entry.Name()]
		m.mu.Unlock()
		if open {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			log.Printf("Warning: failed to remove stale session %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

package workspace

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequencer hands out monotonically increasing sequence numbers
type Sequencer interface {
	NextSequence(ctx context.Context) (uint64, error)
}

// LocalSequence is a process-wide atomic counter
type LocalSequence struct {
	counter atomic.Uint64
}

// NextSequence returns the next counter value, starting at 1
func (s *LocalSequence) NextSequence(context.Context) (uint64, error) {
	return s.counter.Add(1), nil
}

// Allocator builds session tokens of the form session-<seq>-<random>.
// The sequence comes from a Sequencer (shared across replicas when backed
// by Redis); the random part is a UUIDv4 with the dashes removed.
type Allocator struct {
	shared Sequencer
	local  LocalSequence
}

// NewAllocator creates an allocator. A nil sequencer uses the local counter only.
func NewAllocator(seq Sequencer) *Allocator {
	return &Allocator{shared: seq}
}

// Next returns a new session token
func (a *Allocator) Next(ctx context.Context) string {
	seq := a.sequence(ctx)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d-%s", tokenPrefix, seq, suffix)
}

func (a *Allocator) sequence(ctx context.Context) uint64 {
	if a.shared != nil {
		seq, err := a.shared.NextSequence(ctx)
		if err == nil {
			return seq
		}
		log.Printf("Warning: shared session sequence unavailable, using local counter: %v", err)
	}
	seq, _ := a.local.NextSequence(ctx)
	return seq
}

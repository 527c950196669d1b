package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates event ids in a fixed, predictable sequence.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with the same SequenceIDs produces byte-identical frame
// logs, where the production UUIDv7 generator would not.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator producing "<prefix>-1", "<prefix>-2",
// and so on. An empty prefix defaults to "test-event".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "test-event"
	}
	return &SequenceIDs{prefix: prefix}
}

// Next returns the next id in the sequence. It satisfies the runtime's
// NewEventID option directly.
func (g *SequenceIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

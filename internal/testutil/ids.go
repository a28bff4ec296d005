package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator yields prefix-0001, prefix-0002, ... forever.
//
// Unlike model.FixedGenerator it never runs out, which suits request IDs
// where a test cares that IDs are unique and stable but not how many are
// drawn. The same scenario with a fresh SequenceGenerator produces
// byte-identical traces.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix becomes "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next identifier.
//
// Implements model.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Package inbound keeps optimistic scan counters for inbound conference.
//
// A scan increments the local count at once. Deltas travel to the server
// through a coalescer, so at most one count request is in flight; scans
// made meanwhile are summed and sent as one delta afterwards. When a
// request returns, the server's count plus the still unsent local delta
// becomes the displayed count.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/coalesce"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// Counter is the authoritative remote counter.
// Implemented by *remote.Client.
type Counter interface {
	CountInbound(ctx context.Context, id model.Identity, doc, sku string, delta int) (int, error)
}

// Key identifies one item line of an inbound document.
type Key struct {
	Doc string
	SKU string
}

func (k Key) String() string { return k.Doc + "/" + k.SKU }

// batch is the coalesced unit: deltas per key and the identity to send
// them as.
type batch struct {
	id     model.Identity
	deltas map[Key]int
}

func mergeBatches(older, newer batch) batch {
	out := batch{id: newer.id, deltas: make(map[Key]int, len(older.deltas)+len(newer.deltas))}
	for k, d := range older.deltas {
		out.deltas[k] += d
	}
	for k, d := range newer.deltas {
		out.deltas[k] += d
	}
	return out
}

// Tally holds the local counts of one device.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Tally struct {
	mu     sync.Mutex
	remote Counter
	logger *slog.Logger
	counts map[Key]int
	unsent map[Key]int
	co     *coalesce.Coalescer[batch]
}

// Option configures a Tally.
type Option func(*Tally)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tally) { t.logger = l }
}

// New creates an empty Tally backed by remote.
func New(remote Counter, opts ...Option) *Tally {
	t := &Tally{
		remote: remote,
		logger: slog.Default(),
		counts: make(map[Key]int),
		unsent: make(map[Key]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.co = coalesce.New(mergeBatches, t.send)
	return t
}

// Add applies delta to the local count of doc/sku and pushes it to the
// server. It returns the local count after the call.
//
// If another push is running Add returns immediately with the optimistic
// count; the delta is sent by the running push. A push error is returned
// and the delta stays unsent until the next Add or Retry.
func (t *Tally) Add(ctx context.Context, id model.Identity, doc, sku string, delta int) (int, error) {
	k := Key{Doc: doc, SKU: sku}

	t.mu.Lock()
	t.counts[k] += delta
	t.unsent[k] += delta
	t.mu.Unlock()

	err := t.co.Do(ctx, batch{id: id, deltas: map[Key]int{k: delta}})
	return t.Count(doc, sku), err
}

// Retry pushes deltas left unsent by a failed push.
func (t *Tally) Retry(ctx context.Context) error {
	return t.co.Flush(ctx)
}

// Count returns the displayed count of doc/sku.
func (t *Tally) Count(doc, sku string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[Key{Doc: doc, SKU: sku}]
}

// Unsent returns the local delta of doc/sku not yet acknowledged.
func (t *Tally) Unsent(doc, sku string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsent[Key{Doc: doc, SKU: sku}]
}

// send delivers a batch key by key, in key order. Delivered keys are
// removed from b so a failure keeps only the rest.
func (t *Tally) send(ctx context.Context, b batch) error {
	keys := make([]Key, 0, len(b.deltas))
	for k := range b.deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		delta := b.deltas[k]
		if delta == 0 {
			delete(b.deltas, k)
			continue
		}
		n, err := t.remote.CountInbound(ctx, b.id, k.Doc, k.SKU, delta)
		if err != nil {
			t.logger.Warn("inbound count push failed", "key", k.String(), "delta", delta, "error", err)
			return fmt.Errorf("push count %s: %w", k, err)
		}
		delete(b.deltas, k)

		t.mu.Lock()
		t.unsent[k] -= delta
		t.counts[k] = n + t.unsent[k]
		if t.unsent[k] == 0 {
			delete(t.unsent, k)
		}
		t.mu.Unlock()
		t.logger.Debug("inbound count synced", "key", k.String(), "delta", delta, "count", n)
	}
	return nil
}

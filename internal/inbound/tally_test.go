package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/testutil"
)

var operator = model.Identity{Subject: "maria", Token: "tok"}

type fakeCounter struct {
	mu     sync.Mutex
	server map[Key]int
	deltas []int
	fail   error
	before func()
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{server: make(map[Key]int)}
}

func (f *fakeCounter) CountInbound(ctx context.Context, id model.Identity, doc, sku string, delta int) (int, error) {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	k := Key{Doc: doc, SKU: sku}
	f.server[k] += delta
	f.deltas = append(f.deltas, delta)
	return f.server[k], nil
}

func (f *fakeCounter) sent() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deltas...)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTally_AddSyncsWithServer(t *testing.T) {
	counter := newFakeCounter()
	tally := New(counter, quiet())
	ctx := context.Background()

	n, err := tally.Add(ctx, operator, "NF 77", "SKU-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tally.Add(ctx, operator, "NF 77", "SKU-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, tally.Unsent("NF 77", "SKU-1"))
	assert.Equal(t, []int{1, 2}, counter.sent())
}

func TestTally_ServerCountIsAuthoritative(t *testing.T) {
	counter := newFakeCounter()
	counter.server[Key{Doc: "NF 77", SKU: "SKU-1"}] = 10 // scanned on another device
	tally := New(counter, quiet())

	n, err := tally.Add(context.Background(), operator, "NF 77", "SKU-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestTally_CoalescesWhileInFlight(t *testing.T) {
	counter := newFakeCounter()
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	counter.before = func() {
		started <- struct{}{}
		<-release
	}
	tally := New(counter, quiet())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := tally.Add(ctx, operator, "NF 77", "SKU-1", 1)
		done <- err
	}()
	<-started

	n, err := tally.Add(ctx, operator, "NF 77", "SKU-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "optimistic count while a push is in flight")
	n, err = tally.Add(ctx, operator, "NF 77", "SKU-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	release <- struct{}{} // first push: delta 1
	<-started
	assert.Equal(t, 3, tally.Count("NF 77", "SKU-1"), "server count 1 plus unsent 2")
	release <- struct{}{} // replayed push: delta 2

	require.NoError(t, <-done)
	assert.Equal(t, []int{1, 2}, counter.sent(), "two calls, never overlapping")
	assert.Equal(t, 3, tally.Count("NF 77", "SKU-1"))
	assert.Zero(t, tally.Unsent("NF 77", "SKU-1"))
}

func TestTally_FailureKeepsDeltaForRetry(t *testing.T) {
	counter := newFakeCounter()
	counter.fail = errors.New("connection refused")
	tally := New(counter, quiet())
	ctx := context.Background()

	n, err := tally.Add(ctx, operator, "NF 77", "SKU-1", 2)
	require.Error(t, err)
	assert.Equal(t, 2, n, "local count is kept")
	assert.Equal(t, 2, tally.Unsent("NF 77", "SKU-1"))

	counter.mu.Lock()
	counter.fail = nil
	counter.mu.Unlock()

	require.NoError(t, tally.Retry(ctx))
	assert.Equal(t, []int{2}, counter.sent())
	assert.Zero(t, tally.Unsent("NF 77", "SKU-1"))
	assert.Equal(t, 2, tally.Count("NF 77", "SKU-1"))
}

func TestTally_KeysAreIndependent(t *testing.T) {
	counter := newFakeCounter()
	tally := New(counter, quiet())
	ctx := context.Background()

	_, err := tally.Add(ctx, operator, "NF 77", "SKU-1", 1)
	require.NoError(t, err)
	_, err = tally.Add(ctx, operator, "NF 77", "SKU-2", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Count("NF 77", "SKU-1"))
	assert.Equal(t, 5, tally.Count("NF 77", "SKU-2"))
	assert.Zero(t, tally.Count("NF 78", "SKU-1"))
}

func TestTally_OverHTTP(t *testing.T) {
	backend := testutil.NewBackend(nil)
	backend.AddUser(testutil.BackendUser{Subject: "maria", Password: "x"})
	url := backend.Serve(t)
	id := model.Identity{Subject: "maria", Token: backend.IssueSession("maria")}

	client := remote.New(url, remote.WithIDGenerator(testutil.NewSequenceGenerator("req")))
	tally := New(client, quiet())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tally.Add(ctx, id, "NF 77/A", "SKU 1", 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, tally.Count("NF 77/A", "SKU 1"))
	assert.Equal(t, 3, backend.InboundCount("NF 77/A", "SKU 1"))
}

func TestMergeBatches(t *testing.T) {
	k1, k2 := Key{"d", "a"}, Key{"d", "b"}
	older := batch{id: model.Identity{Subject: "old"}, deltas: map[Key]int{k1: 1, k2: 2}}
	newer := batch{id: model.Identity{Subject: "new"}, deltas: map[Key]int{k1: 3}}

	got := mergeBatches(older, newer)
	assert.Equal(t, "new", got.id.Subject)
	assert.Equal(t, map[Key]int{k1: 4, k2: 2}, got.deltas)
	assert.Equal(t, 1, older.deltas[k1], "inputs untouched")
}

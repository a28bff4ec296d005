package routesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/testutil"
)

var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	backend *testutil.Backend
	clock   *testutil.ManualClock
	engine  *Engine
	id      model.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock(t0)

	backend := testutil.NewBackend(clock.Now)
	backend.AddUser(testutil.BackendUser{Subject: "jose", Password: "s3cret"})
	backend.SetRoute("drv-7", sampleRoute("r-1", "Centro"))
	url := backend.Serve(t)

	s, err := store.Open(filepath.Join(t.TempDir(), "fieldops.db"), store.WithClock(clock.Now), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := remote.New(url, remote.WithClock(clock.Now), remote.WithLogger(logger),
		remote.WithIDGenerator(testutil.NewSequenceGenerator("req")))

	return &fixture{
		store:   s,
		backend: backend,
		clock:   clock,
		engine: New(s, client,
			WithIDGenerator(testutil.NewSequenceGenerator("m")),
			WithClock(clock.Now),
			WithLogger(logger)),
		id: model.Identity{Subject: "jose", Token: backend.IssueSession("jose")},
	}
}

func sampleRoute(id, name string) *model.Route {
	return &model.Route{
		ID:       id,
		DriverID: "drv-7",
		Name:     name,
		Date:     "2026-03-02",
		Load: &model.Load{
			ID:   id + "-load",
			Code: "CG-118",
			Items: []model.LoadItem{
				{ID: id + "-li-1", Barcode: "7891000100103", Description: "Caixa leite", Expected: 3},
				{ID: id + "-li-2", Barcode: "7891000055120", Description: "Fardo água", Expected: 1},
			},
		},
		Customers: []model.Customer{
			{
				ID: id + "-c-1", Sequence: 1, Name: "Mercado Bom Preço", Address: "Rua A, 10",
				Status: model.CustomerPending,
				Orders: []model.Order{{
					ID: id + "-o-1", Number: "NF 1001", Kind: model.OrderKindDescarga,
					Parcels: []model.Parcel{
						{ID: id + "-p-1", Barcode: "P1", Status: model.ParcelPending},
						{ID: id + "-p-2", Barcode: "P2", Status: model.ParcelPending},
					},
				}},
			},
			{
				ID: id + "-c-2", Sequence: 2, Name: "Padaria Sol", Address: "Rua B, 22",
				Status: model.CustomerPending,
				Orders: []model.Order{{
					ID: id + "-o-2", Number: "NF 1002", Kind: model.OrderKindColeta,
					Parcels: []model.Parcel{{ID: id + "-p-3", Barcode: "P3", Status: model.ParcelPending}},
				}},
			},
		},
	}
}

func TestSyncDown_ReplacesAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	assert.Equal(t, "r-1", r.ID)
	assert.Equal(t, "Centro", r.Name)
	assert.True(t, t0.Equal(r.SyncedAt))
	require.NotNil(t, r.Load)
	assert.Len(t, r.Load.Items, 2)
	require.Len(t, r.Customers, 2)
	assert.Equal(t, model.OrderKindColeta, r.Customers[1].Orders[0].Kind)

	routes, err := f.engine.Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "drv-7", routes[0].DriverID)
	assert.Equal(t, 0, routes[0].PendingMutations)

	// A clean route is simply replaced by the next sync-down.
	f.backend.SetRoute("drv-7", sampleRoute("r-1", "Centro Expandido"))
	r, err = f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	assert.Equal(t, "Centro Expandido", r.Name)
}

func TestSyncDown_RequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SyncDown(context.Background(), model.Identity{Subject: "jose"}, "drv-7")
	require.Error(t, err)
	assert.True(t, IsNoSession(err))
	assert.Equal(t, 0, f.backend.CallCount(http.MethodGet, "/routes/driver/drv-7"))
}

func TestSyncDown_NoRouteAssigned(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SyncDown(context.Background(), f.id, "drv-unknown")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSyncDown_UnreachableIsRemote(t *testing.T) {
	f := newFixture(t)
	f.backend.SetOffline(true)

	_, err := f.engine.SyncDown(context.Background(), f.id, "drv-7")
	require.Error(t, err)
	assert.True(t, IsRemote(err))
}

func TestSyncDown_RefusedWithUnsyncedMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	_, err = f.engine.MarkDelivered(ctx, "r-1", "r-1-p-1")
	require.NoError(t, err)

	f.backend.SetRoute("drv-7", sampleRoute("r-1", "Overwritten"))
	_, err = f.engine.SyncDown(ctx, f.id, "drv-7")
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var pending *PendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, 1, pending.Count)

	r, err := f.store.LoadRoute(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Centro", r.Name, "local aggregate untouched")
	assert.Equal(t, model.ParcelDelivered, r.Customers[0].Orders[0].Parcels[0].Status)
	assert.Equal(t, 1, f.backend.CallCount(http.MethodGet, "/routes/driver/drv-7"),
		"refused before fetching")
}

func TestSyncDown_ConflictResolvedByDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	_, err = f.engine.ScanLoadItem(ctx, "r-1", "r-1-li-1")
	require.NoError(t, err)

	require.NoError(t, f.engine.Discard(ctx, "r-1"))
	require.NoError(t, f.engine.Discard(ctx, "r-1"), "discarding an absent route is a no-op")

	r, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Load.Items[0].Scanned)
	assert.Empty(t, f.backend.Pushes(), "discard sends nothing")
}

func TestSyncDown_ConflictResolvedBySyncUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	_, err = f.engine.MarkMissing(ctx, "r-1", "r-1-p-3", "cliente ausente")
	require.NoError(t, err)

	_, err = f.engine.SyncUp(ctx, f.id, "r-1")
	require.NoError(t, err)

	f.backend.SetRoute("drv-7", sampleRoute("r-2", "Zona Norte"))
	r, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	assert.Equal(t, "r-2", r.ID)
}

func TestSyncDown_OverlapWithAnotherLocalRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)

	reused := sampleRoute("r-2", "Norte")
	reused.DriverID = "drv-8"
	reused.Customers[0].ID = "r-1-c-1"
	f.backend.SetRoute("drv-8", reused)

	_, err = f.engine.SyncDown(ctx, f.id, "drv-8")
	require.Error(t, err)
	assert.True(t, IsOverlap(err))
	assert.False(t, IsConflict(err))
	assert.ErrorIs(t, err, store.ErrRouteEntityConflict)
	assert.Contains(t, err.Error(), "insert customer r-1-c-1")

	routes, err := f.engine.Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "r-1", routes[0].ID)
}

func TestMutations_LoadAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)

	_, err = f.engine.ScanLoadItem(ctx, "r-1", "r-1-li-1")
	require.NoError(t, err)
	r, err := f.engine.ScanLoadItem(ctx, "r-1", "r-1-li-1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Load.Items[0].Scanned)

	_, err = f.engine.FinishCustomer(ctx, "r-1", "r-1-c-1")
	assert.True(t, IsInvalid(err), "a stop must be started before it is finished")

	f.clock.Advance(10 * time.Minute)
	r, err = f.engine.StartCustomer(ctx, "r-1", "r-1-c-1")
	require.NoError(t, err)
	c := r.Customers[0]
	assert.Equal(t, model.CustomerInProgress, c.Status)
	require.NotNil(t, c.StartedAt)
	assert.True(t, t0.Add(10*time.Minute).Equal(*c.StartedAt))

	_, err = f.engine.StartCustomer(ctx, "r-1", "r-1-c-1")
	assert.True(t, IsInvalid(err))

	f.clock.Advance(5 * time.Minute)
	r, err = f.engine.FinishCustomer(ctx, "r-1", "r-1-c-1")
	require.NoError(t, err)
	c = r.Customers[0]
	assert.Equal(t, model.CustomerDone, c.Status)
	require.NotNil(t, c.FinishedAt)
	assert.True(t, t0.Add(10*time.Minute).Equal(*c.StartedAt), "start instant kept")

	ms, err := f.engine.Mutations(ctx, "r-1")
	require.NoError(t, err)
	kinds := make([]model.MutationKind, 0, len(ms))
	for _, m := range ms {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []model.MutationKind{
		model.MutationScanLoadItem,
		model.MutationScanLoadItem,
		model.MutationStartCustomer,
		model.MutationFinishCustomer,
	}, kinds)
}

func TestMutations_Parcels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)

	_, err = f.engine.MarkMissing(ctx, "r-1", "r-1-p-2", "   ")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))

	r, err := f.engine.MarkMissing(ctx, "r-1", "r-1-p-2", "  avariado na descargá ")
	require.NoError(t, err)
	p := r.Customers[0].Orders[0].Parcels[1]
	assert.Equal(t, model.ParcelMissing, p.Status)
	assert.Equal(t, "avariado na descargá", p.Reason)

	r, err = f.engine.MarkDelivered(ctx, "r-1", "r-1-p-2")
	require.NoError(t, err)
	p = r.Customers[0].Orders[0].Parcels[1]
	assert.Equal(t, model.ParcelDelivered, p.Status, "missing can be corrected")
	assert.Empty(t, p.Reason)

	pending, delivered, missing := r.ParcelCounts()
	assert.Equal(t, []int{2, 1, 0}, []int{pending, delivered, missing})

	ms, err := f.engine.Mutations(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, ms, 2, "the rejected reason left no trace")
	var data map[string]string
	require.NoError(t, json.Unmarshal(ms[0].Data, &data))
	assert.Equal(t, "avariado na descargá", data["reason"])
}

func TestMutations_UnknownTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)

	_, err = f.engine.MarkDelivered(ctx, "r-1", "nope")
	assert.True(t, IsNotFound(err))
	_, err = f.engine.ScanLoadItem(ctx, "r-1", "nope")
	assert.True(t, IsNotFound(err))
	_, err = f.engine.StartCustomer(ctx, "r-1", "nope")
	assert.True(t, IsNotFound(err))
	_, err = f.engine.MarkDelivered(ctx, "r-9", "r-1-p-1")
	assert.True(t, IsNotFound(err))

	n, err := f.store.PendingMutations(ctx, "r-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncUp_SendThenClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)
	_, err = f.engine.MarkDelivered(ctx, "r-1", "r-1-p-1")
	require.NoError(t, err)

	f.backend.FailNext("/routes/r-1/sync", http.StatusServiceUnavailable)
	_, err = f.engine.SyncUp(ctx, f.id, "r-1")
	require.Error(t, err)
	assert.True(t, IsRemote(err))

	r, err := f.engine.Snapshot(ctx, "r-1")
	require.NoError(t, err, "failed push keeps the aggregate")
	assert.Equal(t, model.ParcelDelivered, r.Customers[0].Orders[0].Parcels[0].Status)
	n, err := f.store.PendingMutations(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	firstKey, err := f.store.EnsureUploadKey(ctx, "r-1", "unused")
	require.NoError(t, err)

	result, err := f.engine.SyncUp(ctx, f.id, "r-1")
	require.NoError(t, err)
	assert.Equal(t, firstKey, result.IdempotencyKey, "retry reuses the key")
	require.Len(t, result.Mutations, 1)
	assert.Equal(t, model.MutationParcelDelivered, result.Mutations[0].Kind)

	pushes := f.backend.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "r-1", pushes[0].RouteID)
	assert.Equal(t, firstKey, pushes[0].IdempotencyKey)

	_, err = f.engine.Snapshot(ctx, "r-1")
	assert.True(t, IsNotFound(err), "aggregate cleared after acknowledgement")
	archived, err := f.store.ArchivedCount(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}

func TestSyncUp_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SyncUp(ctx, f.id, "r-1")
	assert.True(t, IsNotFound(err))

	_, err = f.engine.SyncUp(ctx, model.Identity{}, "r-1")
	assert.True(t, IsNoSession(err))
}

func TestSnapshot_MirrorFollowsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SyncDown(ctx, f.id, "drv-7")
	require.NoError(t, err)

	before, err := f.engine.Snapshot(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 0, before.Load.Items[1].Scanned)

	_, err = f.engine.ScanLoadItem(ctx, "r-1", "r-1-li-2")
	require.NoError(t, err)

	after, err := f.engine.Snapshot(ctx, "r-1")
	require.NoError(t, err)
	stored, err := f.store.LoadRoute(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, stored, after)
	assert.Equal(t, 1, after.Load.Items[1].Scanned)
}

func TestSyncError_Format(t *testing.T) {
	err := syncError(ErrCodeInvalid, "mark missing", "r-1", "a missing parcel requires a reason", nil)
	assert.Equal(t, "INVALID: mark missing r-1: a missing parcel requires a reason", err.Error())

	wrapped := syncError(ErrCodeStorage, "routes", "", "list local routes", errors.New("disk full"))
	assert.Equal(t, "STORAGE: routes: list local routes: disk full", wrapped.Error())
	assert.False(t, IsConflict(errors.New("plain")))
}

package routesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
)

// Remote is the server side of the snapshot protocol.
// Implemented by *remote.Client.
type Remote interface {
	FetchRoute(ctx context.Context, id model.Identity, driverID string) (*model.Route, error)
	PushRoute(ctx context.Context, id model.Identity, key string, result model.RouteResult) error
}

// Engine runs sync-down, local mutations and sync-up for route aggregates.
//
// Thread-safety: Engine is safe for concurrent use via internal mutex.
type Engine struct {
	mu     sync.Mutex
	store  *store.Store
	remote Remote
	ids    model.IDGenerator
	now    func() time.Time
	logger *slog.Logger

	mirror map[string]*model.Route
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the generator for mutation IDs and idempotency keys.
//
// Default: model.UUIDv7Generator
func WithIDGenerator(g model.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock sets the time source for mutation instants.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a route sync engine over s and r.
func New(s *store.Store, r Remote, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		remote: r,
		ids:    model.UUIDv7Generator{},
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
		mirror: make(map[string]*model.Route),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncDown pulls the route assigned to driverID and replaces the local
// aggregate wholesale.
//
// It is refused with a conflict error when any locally held route of the
// driver, or the fetched route itself, has unsynced mutations. In that case
// local state is untouched.
func (e *Engine) SyncDown(ctx context.Context, id model.Identity, driverID string) (*model.Route, error) {
	const op = "sync down"
	e.mu.Lock()
	defer e.mu.Unlock()

	if id.Anonymous() {
		return nil, syncError(ErrCodeNoSession, op, "", "no active session", nil)
	}

	summaries, err := e.store.ListRoutes(ctx)
	if err != nil {
		return nil, syncError(ErrCodeStorage, op, "", "list local routes", err)
	}
	for _, s := range summaries {
		if s.DriverID == driverID && s.PendingMutations > 0 {
			return nil, conflictError(s.ID, s.PendingMutations)
		}
	}

	route, err := e.remote.FetchRoute(ctx, id, driverID)
	if err != nil {
		if remote.StatusCode(err) == http.StatusNotFound {
			return nil, syncError(ErrCodeNotFound, op, "", "no route assigned to driver "+driverID, err)
		}
		return nil, syncError(ErrCodeRemote, op, "", "fetch route", err)
	}
	if route.DriverID == "" {
		route.DriverID = driverID
	}
	route.SyncedAt = e.now()

	if err := e.store.ReplaceRoute(ctx, route); err != nil {
		if errors.Is(err, store.ErrUnsyncedMutations) {
			pending, _ := e.store.PendingMutations(ctx, route.ID)
			return nil, conflictError(route.ID, pending)
		}
		if errors.Is(err, store.ErrRouteEntityConflict) {
			return nil, syncError(ErrCodeOverlap, op, route.ID,
				"route shares entity ids with another local route; sync up or discard that route first", err)
		}
		return nil, syncError(ErrCodeStorage, op, route.ID, "replace local aggregate", err)
	}

	snapshot, err := e.refresh(ctx, route.ID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("route synced down",
		"route_id", route.ID,
		"driver_id", driverID,
		"customers", len(snapshot.Customers))
	return snapshot, nil
}

// ScanLoadItem records one scan of a load item.
func (e *Engine) ScanLoadItem(ctx context.Context, routeID, itemID string) (*model.Route, error) {
	const op = "scan load item"
	e.mu.Lock()
	defer e.mu.Unlock()

	route, err := e.load(ctx, op, routeID)
	if err != nil {
		return nil, err
	}
	if findLoadItem(route, itemID) == nil {
		return nil, syncError(ErrCodeNotFound, op, routeID, "unknown load item "+itemID, nil)
	}

	m := e.mutation(routeID, model.MutationScanLoadItem, itemID, nil)
	return e.apply(ctx, op, routeID, e.store.IncrementScanned(ctx, routeID, itemID, m))
}

// StartCustomer marks a pending stop as in progress.
func (e *Engine) StartCustomer(ctx context.Context, routeID, customerID string) (*model.Route, error) {
	const op = "start customer"
	e.mu.Lock()
	defer e.mu.Unlock()

	route, err := e.load(ctx, op, routeID)
	if err != nil {
		return nil, err
	}
	c := findCustomer(route, customerID)
	if c == nil {
		return nil, syncError(ErrCodeNotFound, op, routeID, "unknown customer "+customerID, nil)
	}
	if c.Status != model.CustomerPending {
		return nil, syncError(ErrCodeInvalid, op, routeID, "customer "+customerID+" is "+string(c.Status), nil)
	}

	at := e.now()
	m := e.mutation(routeID, model.MutationStartCustomer, customerID, map[string]any{"at": at})
	return e.apply(ctx, op, routeID,
		e.store.SetCustomerStatus(ctx, routeID, customerID, model.CustomerInProgress, &at, nil, m))
}

// FinishCustomer marks an in-progress stop as done.
func (e *Engine) FinishCustomer(ctx context.Context, routeID, customerID string) (*model.Route, error) {
	const op = "finish customer"
	e.mu.Lock()
	defer e.mu.Unlock()

	route, err := e.load(ctx, op, routeID)
	if err != nil {
		return nil, err
	}
	c := findCustomer(route, customerID)
	if c == nil {
		return nil, syncError(ErrCodeNotFound, op, routeID, "unknown customer "+customerID, nil)
	}
	if c.Status != model.CustomerInProgress {
		return nil, syncError(ErrCodeInvalid, op, routeID, "customer "+customerID+" is "+string(c.Status), nil)
	}

	at := e.now()
	m := e.mutation(routeID, model.MutationFinishCustomer, customerID, map[string]any{"at": at})
	return e.apply(ctx, op, routeID,
		e.store.SetCustomerStatus(ctx, routeID, customerID, model.CustomerDone, nil, &at, m))
}

// MarkDelivered marks a parcel delivered. A parcel previously marked
// missing may be corrected.
func (e *Engine) MarkDelivered(ctx context.Context, routeID, parcelID string) (*model.Route, error) {
	const op = "mark delivered"
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.parcel(ctx, op, routeID, parcelID); err != nil {
		return nil, err
	}

	m := e.mutation(routeID, model.MutationParcelDelivered, parcelID, nil)
	return e.apply(ctx, op, routeID,
		e.store.SetParcelStatus(ctx, routeID, parcelID, model.ParcelDelivered, "", m.CreatedAt, m))
}

// MarkMissing marks a parcel missing. reason is required.
func (e *Engine) MarkMissing(ctx context.Context, routeID, parcelID, reason string) (*model.Route, error) {
	const op = "mark missing"
	reason = model.NormalizeText(reason)
	if reason == "" {
		return nil, syncError(ErrCodeInvalid, op, routeID, "a missing parcel requires a reason", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.parcel(ctx, op, routeID, parcelID); err != nil {
		return nil, err
	}

	m := e.mutation(routeID, model.MutationParcelMissing, parcelID, map[string]any{"reason": reason})
	return e.apply(ctx, op, routeID,
		e.store.SetParcelStatus(ctx, routeID, parcelID, model.ParcelMissing, reason, m.CreatedAt, m))
}

// SyncUp pushes the route and its change log once, then archives it.
//
// The push carries an idempotency key that is stored with the route on the
// first attempt and reused by every retry. When the push fails the local
// aggregate is kept intact and the error satisfies IsRemote.
func (e *Engine) SyncUp(ctx context.Context, id model.Identity, routeID string) (model.RouteResult, error) {
	const op = "sync up"
	e.mu.Lock()
	defer e.mu.Unlock()

	if id.Anonymous() {
		return model.RouteResult{}, syncError(ErrCodeNoSession, op, routeID, "no active session", nil)
	}

	route, err := e.load(ctx, op, routeID)
	if err != nil {
		return model.RouteResult{}, err
	}
	mutations, err := e.store.Mutations(ctx, routeID)
	if err != nil {
		return model.RouteResult{}, syncError(ErrCodeStorage, op, routeID, "read change log", err)
	}
	key, err := e.store.EnsureUploadKey(ctx, routeID, e.ids.Generate())
	if err != nil {
		return model.RouteResult{}, syncError(ErrCodeStorage, op, routeID, "assign upload key", err)
	}

	result := model.RouteResult{
		RouteID:        routeID,
		IdempotencyKey: key,
		Mutations:      mutations,
		Route:          route,
	}
	if err := e.remote.PushRoute(ctx, id, key, result); err != nil {
		e.logger.Warn("route sync up failed, keeping local state",
			"route_id", routeID,
			"mutations", len(mutations),
			"error", err)
		return model.RouteResult{}, syncError(ErrCodeRemote, op, routeID, "push route", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return model.RouteResult{}, syncError(ErrCodeStorage, op, routeID, "encode archive", err)
	}
	if err := e.store.ArchiveRoute(ctx, routeID, key, payload); err != nil {
		return model.RouteResult{}, syncError(ErrCodeStorage, op, routeID, "archive route", err)
	}
	delete(e.mirror, routeID)

	e.logger.Info("route synced up", "route_id", routeID, "mutations", len(mutations), "key", key)
	return result, nil
}

// Discard drops the local aggregate and its unsynced change log without
// sending anything. Discarding a route that is not held is a no-op.
func (e *Engine) Discard(ctx context.Context, routeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending, err := e.store.PendingMutations(ctx, routeID)
	if err != nil {
		return syncError(ErrCodeStorage, "discard", routeID, "count change log", err)
	}
	if err := e.store.DeleteRoute(ctx, routeID); err != nil {
		return syncError(ErrCodeStorage, "discard", routeID, "delete route", err)
	}
	delete(e.mirror, routeID)
	e.logger.Info("route discarded", "route_id", routeID, "dropped_mutations", pending)
	return nil
}

// Snapshot returns the mirror of routeID, loading it from the store when it
// is not cached. The returned value must not be modified.
func (e *Engine) Snapshot(ctx context.Context, routeID string) (*model.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.mirror[routeID]; ok {
		return r, nil
	}
	return e.refresh(ctx, routeID)
}

// Routes lists the locally held routes, most recently synced first.
func (e *Engine) Routes(ctx context.Context) ([]store.RouteSummary, error) {
	summaries, err := e.store.ListRoutes(ctx)
	if err != nil {
		return nil, syncError(ErrCodeStorage, "routes", "", "list local routes", err)
	}
	return summaries, nil
}

// Mutations returns the unsynced change log of routeID.
func (e *Engine) Mutations(ctx context.Context, routeID string) ([]model.Mutation, error) {
	ms, err := e.store.Mutations(ctx, routeID)
	if err != nil {
		return nil, syncError(ErrCodeStorage, "mutations", routeID, "read change log", err)
	}
	return ms, nil
}

// load reads the current aggregate straight from the store.
func (e *Engine) load(ctx context.Context, op, routeID string) (*model.Route, error) {
	r, err := e.store.LoadRoute(ctx, routeID)
	if errors.Is(err, store.ErrRouteNotFound) {
		return nil, syncError(ErrCodeNotFound, op, routeID, "route not held locally", err)
	}
	if err != nil {
		return nil, syncError(ErrCodeStorage, op, routeID, "load route", err)
	}
	return r, nil
}

func (e *Engine) parcel(ctx context.Context, op, routeID, parcelID string) (*model.Parcel, error) {
	route, err := e.load(ctx, op, routeID)
	if err != nil {
		return nil, err
	}
	p := findParcel(route, parcelID)
	if p == nil {
		return nil, syncError(ErrCodeNotFound, op, routeID, "unknown parcel "+parcelID, nil)
	}
	return p, nil
}

func (e *Engine) mutation(routeID string, kind model.MutationKind, target string, data map[string]any) model.Mutation {
	m := model.Mutation{
		ID:        e.ids.Generate(),
		RouteID:   routeID,
		Kind:      kind,
		TargetID:  target,
		CreatedAt: e.now(),
	}
	if data != nil {
		m.Data, _ = json.Marshal(data)
	}
	return m
}

// apply maps the store outcome of a mutation and re-derives the mirror.
func (e *Engine) apply(ctx context.Context, op, routeID string, err error) (*model.Route, error) {
	if errors.Is(err, store.ErrRouteEntityNotFound) {
		return nil, syncError(ErrCodeNotFound, op, routeID, "entity not in route", err)
	}
	if err != nil {
		return nil, syncError(ErrCodeStorage, op, routeID, "record mutation", err)
	}
	e.logger.Debug("route mutated", "op", op, "route_id", routeID)
	return e.refresh(ctx, routeID)
}

func (e *Engine) refresh(ctx context.Context, routeID string) (*model.Route, error) {
	r, err := e.load(ctx, "refresh", routeID)
	if err != nil {
		delete(e.mirror, routeID)
		return nil, err
	}
	e.mirror[routeID] = r
	return r, nil
}

func conflictError(routeID string, pending int) *SyncError {
	return &SyncError{
		Code:    ErrCodeConflict,
		Op:      "sync down",
		RouteID: routeID,
		Message: "route has unsynced local mutations; sync up or discard first",
		Err:     &PendingError{Count: pending},
	}
}

// PendingError carries the number of unsynced mutations behind a conflict.
type PendingError struct {
	Count int
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%d unsynced mutations", e.Count)
}

func findLoadItem(r *model.Route, id string) *model.LoadItem {
	if r.Load == nil {
		return nil
	}
	for i := range r.Load.Items {
		if r.Load.Items[i].ID == id {
			return &r.Load.Items[i]
		}
	}
	return nil
}

func findCustomer(r *model.Route, id string) *model.Customer {
	for i := range r.Customers {
		if r.Customers[i].ID == id {
			return &r.Customers[i]
		}
	}
	return nil
}

func findParcel(r *model.Route, id string) *model.Parcel {
	for i := range r.Customers {
		for j := range r.Customers[i].Orders {
			o := &r.Customers[i].Orders[j]
			for k := range o.Parcels {
				if o.Parcels[k].ID == id {
					return &o.Parcels[k]
				}
			}
		}
	}
	return nil
}

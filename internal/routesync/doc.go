// Package routesync implements the route snapshot protocol: sync-down,
// offline execution, sync-up.
//
// A route aggregate (route, load, customers, orders, parcels) is pulled
// whole, mutated locally while the driver is on the road, and pushed back
// once. The local store is the only source of truth in between.
//
// CRITICAL PATTERNS:
//
// Refuse, Never Overwrite:
// SyncDown fails with a conflict (IsConflict) while the route has unsynced
// mutations. The caller resolves it with SyncUp or Discard.
//
// Send-Then-Clear:
// SyncUp pushes first and archives only after the remote acknowledged. A
// failed push leaves the aggregate and its change log intact. The
// idempotency key is persisted with the route, so a retry after a lost
// acknowledgement is recognized by the server.
//
// Derived Mirror:
// The in-memory mirror used for rendering is reloaded from the store after
// every change and is never written back.
package routesync

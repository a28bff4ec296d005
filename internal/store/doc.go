// Package store provides SQLite-backed durable storage for the field
// operations client. While the device is offline it is the sole source of
// truth.
//
// The store holds:
//   - Sessions and cached users: at most one active session, hard-deleted on logout
//   - Sync queue: deferred remote actions with bounded retry
//   - Route aggregate: route, load, load_item, customer, "order", parcel
//   - Route mutation log: local-only changes awaiting sync-up
//   - Migrations ledger: one row per applied schema version
//
// # Critical Patterns
//
// Schema currency:
//   - Open applies every pending migration in ascending version order
//   - Each migration and its ledger row commit in one transaction
//   - A failed migration fails Open; the store never runs on a partial schema
//
// Atomic replacement:
//   - Session save and route replacement run in explicit transactions
//   - Readers never observe a half-written aggregate
//
// Serialization boundary:
//   - Role and permission lists are JSON text in SQLite and []string everywhere else
//   - marshal.go is the only place that converts between the two
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All instants are stored as INTEGER unix milliseconds (UTC).
package store

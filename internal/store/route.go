package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// RouteSummary is a compact listing of a locally held route.
type RouteSummary struct {
	ID               string    `json:"id"`
	DriverID         string    `json:"driver_id"`
	Name             string    `json:"name"`
	SyncedAt         time.Time `json:"synced_at"`
	PendingMutations int       `json:"pending_mutations"`
}

// ReplaceRoute swaps the local aggregate for r.ID with r in one transaction:
// old rows are deleted and new rows inserted, so readers see either the old
// aggregate or the new one, never a mix.
//
// The replacement is refused with ErrUnsyncedMutations when the route has
// local mutations that have not been synced up. The check runs inside the
// same transaction as the write.
func (s *Store) ReplaceRoute(ctx context.Context, r *model.Route) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("replace route: route id is required")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM route_mutation WHERE route_id = ?`, r.ID,
		).Scan(&pending); err != nil {
			return fmt.Errorf("count mutations: %w", err)
		}
		if pending > 0 {
			return ErrUnsyncedMutations
		}

		if err := deleteRouteRows(ctx, tx, r.ID); err != nil {
			return err
		}
		return insertRouteRows(ctx, tx, r)
	})
	if err != nil {
		return fmt.Errorf("replace route %s: %w", r.ID, err)
	}
	return nil
}

// LoadRoute reads the full aggregate for routeID.
// Returns ErrRouteNotFound when no aggregate is held locally.
func (s *Store) LoadRoute(ctx context.Context, routeID string) (*model.Route, error) {
	r := &model.Route{Customers: []model.Customer{}}
	var syncedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, driver_id, name, date, synced_at FROM route WHERE id = ?
	`, routeID).Scan(&r.ID, &r.DriverID, &r.Name, &r.Date, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load route %s: %w", routeID, ErrRouteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load route %s: %w", routeID, err)
	}
	r.SyncedAt = fromMillis(syncedAt)

	if r.Load, err = s.loadRouteLoad(ctx, routeID); err != nil {
		return nil, fmt.Errorf("load route %s: %w", routeID, err)
	}
	if r.Customers, err = s.loadCustomers(ctx, routeID); err != nil {
		return nil, fmt.Errorf("load route %s: %w", routeID, err)
	}
	return r, nil
}

// ListRoutes summarizes every locally held route.
func (s *Store) ListRoutes(ctx context.Context) ([]RouteSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.driver_id, r.name, r.synced_at,
			(SELECT COUNT(*) FROM route_mutation m WHERE m.route_id = r.id)
		FROM route r
		ORDER BY r.synced_at DESC, r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	out := []RouteSummary{}
	for rows.Next() {
		var sum RouteSummary
		var syncedAt int64
		if err := rows.Scan(&sum.ID, &sum.DriverID, &sum.Name, &syncedAt, &sum.PendingMutations); err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
		sum.SyncedAt = fromMillis(syncedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return out, nil
}

// PendingMutations counts unsynced local mutations for routeID.
func (s *Store) PendingMutations(ctx context.Context, routeID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM route_mutation WHERE route_id = ?`, routeID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending mutations: %w", err)
	}
	return n, nil
}

// Mutations returns the unsynced change log for routeID in creation order.
func (s *Store) Mutations(ctx context.Context, routeID string) ([]model.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, route_id, kind, target_id, data, created_at
		FROM route_mutation
		WHERE route_id = ?
		ORDER BY created_at ASC, id ASC
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("read mutations: %w", err)
	}
	defer rows.Close()

	out := []model.Mutation{}
	for rows.Next() {
		var m model.Mutation
		var kind, data string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RouteID, &kind, &m.TargetID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("read mutations: %w", err)
		}
		m.Kind = model.MutationKind(kind)
		m.Data = json.RawMessage(data)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read mutations: %w", err)
	}
	return out, nil
}

// IncrementScanned adds one scan to a load item of routeID and records m.
func (s *Store) IncrementScanned(ctx context.Context, routeID, itemID string, m model.Mutation) error {
	return s.mutate(ctx, m, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE load_item SET scanned = scanned + 1
			WHERE id = ? AND load_id IN (SELECT id FROM load WHERE route_id = ?)
		`, itemID, routeID)
	})
}

// SetCustomerStatus updates a stop of routeID and records m.
// startedAt and finishedAt overwrite the stored instants only when non-nil.
func (s *Store) SetCustomerStatus(ctx context.Context, routeID, customerID string, status model.CustomerStatus, startedAt, finishedAt *time.Time, m model.Mutation) error {
	return s.mutate(ctx, m, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE customer
			SET status = ?,
				started_at = COALESCE(?, started_at),
				finished_at = COALESCE(?, finished_at)
			WHERE id = ? AND route_id = ?
		`, string(status), nullMillis(startedAt), nullMillis(finishedAt), customerID, routeID)
	})
}

// SetParcelStatus updates a parcel of routeID and records m.
// The schema rejects a missing parcel without a reason.
func (s *Store) SetParcelStatus(ctx context.Context, routeID, parcelID string, status model.ParcelStatus, reason string, at time.Time, m model.Mutation) error {
	return s.mutate(ctx, m, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE parcel
			SET status = ?, reason = ?, updated_at = ?
			WHERE id = ? AND order_id IN (
				SELECT o.id FROM "order" o
				JOIN customer c ON c.id = o.customer_id
				WHERE c.route_id = ?
			)
		`, string(status), reason, toMillis(at), parcelID, routeID)
	})
}

// EnsureUploadKey returns the sync-up idempotency key of routeID, storing
// candidate first if the route has none yet. Retries of the same sync-up
// therefore reuse one key.
func (s *Store) EnsureUploadKey(ctx context.Context, routeID, candidate string) (string, error) {
	var key string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE route SET upload_key = ? WHERE id = ? AND upload_key IS NULL
		`, candidate, routeID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT upload_key FROM route WHERE id = ?`, routeID).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRouteNotFound
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload key %s: %w", routeID, err)
	}
	return key, nil
}

// ArchiveRoute records the pushed payload in route_archive and clears the
// local aggregate and its change log, in one transaction.
func (s *Store) ArchiveRoute(ctx context.Context, routeID, key string, payload []byte) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO route_archive (route_id, idempotency_key, payload, synced_at)
			VALUES (?, ?, ?, ?)
		`, routeID, key, string(payload), toMillis(s.now())); err != nil {
			return fmt.Errorf("insert archive: %w", err)
		}
		return deleteRouteRows(ctx, tx, routeID)
	})
	if err != nil {
		return fmt.Errorf("archive route %s: %w", routeID, err)
	}
	return nil
}

// DeleteRoute drops the local aggregate and its change log without archiving.
func (s *Store) DeleteRoute(ctx context.Context, routeID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteRouteRows(ctx, tx, routeID)
	})
	if err != nil {
		return fmt.Errorf("delete route %s: %w", routeID, err)
	}
	return nil
}

// ArchivedCount returns how many sync-ups were archived for routeID.
func (s *Store) ArchivedCount(ctx context.Context, routeID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM route_archive WHERE route_id = ?`, routeID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("archived count: %w", err)
	}
	return n, nil
}

// mutate runs update, requires it to touch a row of the route, and appends m
// to the change log in the same transaction.
func (s *Store) mutate(ctx context.Context, m model.Mutation, update func(tx *sql.Tx) (sql.Result, error)) error {
	data, err := normalizePayload(m.Data)
	if err != nil {
		return fmt.Errorf("mutation %s: %w", m.Kind, err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := update(tx)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", m.Kind, m.TargetID, ErrRouteEntityNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO route_mutation (id, route_id, kind, target_id, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID, m.RouteID, string(m.Kind), m.TargetID, data, toMillis(m.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("mutation %s: %w", m.Kind, err)
	}
	return nil
}

// deleteRouteRows removes a route and every child row, children first.
func deleteRouteRows(ctx context.Context, tx *sql.Tx, routeID string) error {
	stmts := []struct {
		name  string
		query string
	}{
		{"mutations", `DELETE FROM route_mutation WHERE route_id = ?`},
		{"parcels", `DELETE FROM parcel WHERE order_id IN (
			SELECT o.id FROM "order" o JOIN customer c ON c.id = o.customer_id WHERE c.route_id = ?)`},
		{"orders", `DELETE FROM "order" WHERE customer_id IN (SELECT id FROM customer WHERE route_id = ?)`},
		{"customers", `DELETE FROM customer WHERE route_id = ?`},
		{"load items", `DELETE FROM load_item WHERE load_id IN (SELECT id FROM load WHERE route_id = ?)`},
		{"load", `DELETE FROM load WHERE route_id = ?`},
		{"route", `DELETE FROM route WHERE id = ?`},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, routeID); err != nil {
			return fmt.Errorf("delete %s: %w", st.name, err)
		}
	}
	return nil
}

func insertRouteRows(ctx context.Context, tx *sql.Tx, r *model.Route) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO route (id, driver_id, name, date, synced_at) VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.DriverID, r.Name, r.Date, toMillis(r.SyncedAt)); err != nil {
		return insertError("route", r.ID, err)
	}

	if r.Load != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO load (id, route_id, code) VALUES (?, ?, ?)
		`, r.Load.ID, r.ID, r.Load.Code); err != nil {
			return insertError("load", r.Load.ID, err)
		}
		for i, item := range r.Load.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO load_item (id, load_id, position, barcode, description, expected, scanned)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, item.ID, r.Load.ID, i, item.Barcode, item.Description, item.Expected, item.Scanned); err != nil {
				return insertError("load item", item.ID, err)
			}
		}
	}

	for _, c := range r.Customers {
		status := c.Status
		if status == "" {
			status = model.CustomerPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customer (id, route_id, sequence, name, address, status, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, r.ID, c.Sequence, c.Name, c.Address, string(status), nullMillis(c.StartedAt), nullMillis(c.FinishedAt)); err != nil {
			return insertError("customer", c.ID, err)
		}
		for i, o := range c.Orders {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO "order" (id, customer_id, position, number, kind) VALUES (?, ?, ?, ?, ?)
			`, o.ID, c.ID, i, o.Number, string(o.Kind)); err != nil {
				return insertError("order", o.ID, err)
			}
			for j, p := range o.Parcels {
				pstatus := p.Status
				if pstatus == "" {
					pstatus = model.ParcelPending
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO parcel (id, order_id, position, barcode, status, reason, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)
				`, p.ID, o.ID, j, p.Barcode, string(pstatus), p.Reason, nullMillis(p.UpdatedAt)); err != nil {
					return insertError("parcel", p.ID, err)
				}
			}
		}
	}
	return nil
}

// insertError wraps a failed insert. A primary key collision means the ID
// belongs to another local route, since the route's own rows were deleted
// first.
func insertError(entity, id string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("insert %s %s: %w", entity, id, ErrRouteEntityConflict)
	}
	return fmt.Errorf("insert %s %s: %w", entity, id, err)
}

func (s *Store) loadRouteLoad(ctx context.Context, routeID string) (*model.Load, error) {
	var l model.Load
	err := s.db.QueryRowContext(ctx, `SELECT id, code FROM load WHERE route_id = ?`, routeID).Scan(&l.ID, &l.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read load: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, description, expected, scanned
		FROM load_item WHERE load_id = ? ORDER BY position ASC
	`, l.ID)
	if err != nil {
		return nil, fmt.Errorf("read load items: %w", err)
	}
	defer rows.Close()

	l.Items = []model.LoadItem{}
	for rows.Next() {
		var it model.LoadItem
		if err := rows.Scan(&it.ID, &it.Barcode, &it.Description, &it.Expected, &it.Scanned); err != nil {
			return nil, fmt.Errorf("read load items: %w", err)
		}
		l.Items = append(l.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read load items: %w", err)
	}
	return &l, nil
}

// loadCustomers reads stops, orders and parcels with one query per level,
// then stitches them together preserving stored order.
func (s *Store) loadCustomers(ctx context.Context, routeID string) ([]model.Customer, error) {
	customers := []model.Customer{}
	custIndex := map[string]int{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, name, address, status, started_at, finished_at
		FROM customer WHERE route_id = ? ORDER BY sequence ASC, id ASC
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("read customers: %w", err)
	}
	for rows.Next() {
		var c model.Customer
		var status string
		var started, finished sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Sequence, &c.Name, &c.Address, &status, &started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read customers: %w", err)
		}
		c.Status = model.CustomerStatus(status)
		c.StartedAt = fromNullMillis(started)
		c.FinishedAt = fromNullMillis(finished)
		c.Orders = []model.Order{}
		custIndex[c.ID] = len(customers)
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read customers: %w", err)
	}
	rows.Close()

	type orderRef struct{ cust, order int }
	orderIndex := map[string]orderRef{}

	rows, err = s.db.QueryContext(ctx, `
		SELECT o.id, o.customer_id, o.number, o.kind
		FROM "order" o JOIN customer c ON c.id = o.customer_id
		WHERE c.route_id = ?
		ORDER BY c.sequence ASC, o.customer_id ASC, o.position ASC
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	for rows.Next() {
		var o model.Order
		var customerID, kind string
		if err := rows.Scan(&o.ID, &customerID, &o.Number, &kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read orders: %w", err)
		}
		o.Kind = model.OrderKind(kind)
		o.Parcels = []model.Parcel{}
		ci := custIndex[customerID]
		orderIndex[o.ID] = orderRef{cust: ci, order: len(customers[ci].Orders)}
		customers[ci].Orders = append(customers[ci].Orders, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read orders: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT p.id, p.order_id, p.barcode, p.status, p.reason, p.updated_at
		FROM parcel p
		JOIN "order" o ON o.id = p.order_id
		JOIN customer c ON c.id = o.customer_id
		WHERE c.route_id = ?
		ORDER BY p.order_id ASC, p.position ASC
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("read parcels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Parcel
		var orderID, status string
		var updated sql.NullInt64
		if err := rows.Scan(&p.ID, &orderID, &p.Barcode, &status, &p.Reason, &updated); err != nil {
			return nil, fmt.Errorf("read parcels: %w", err)
		}
		p.Status = model.ParcelStatus(status)
		p.UpdatedAt = fromNullMillis(updated)
		ref := orderIndex[orderID]
		order := &customers[ref.cust].Orders[ref.order]
		order.Parcels = append(order.Parcels, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read parcels: %w", err)
	}
	return customers, nil
}

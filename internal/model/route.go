package model

import (
	"encoding/json"
	"time"
)

// OrderKind distinguishes drop-offs from pickups at a stop.
type OrderKind string

const (
	OrderKindDescarga OrderKind = "DESCARGA" // unload at customer
	OrderKindColeta   OrderKind = "COLETA"   // collect from customer
)

// ParcelStatus is the delivery state of a parcel.
type ParcelStatus string

const (
	ParcelPending   ParcelStatus = "pending"
	ParcelDelivered ParcelStatus = "delivered"
	ParcelMissing   ParcelStatus = "missing"
)

// CustomerStatus is the visit state of a stop.
type CustomerStatus string

const (
	CustomerPending    CustomerStatus = "pending"
	CustomerInProgress CustomerStatus = "in_progress"
	CustomerDone       CustomerStatus = "done"
)

// Route is the root of the snapshot aggregate held for offline execution.
type Route struct {
	ID        string     `json:"id"`
	DriverID  string     `json:"driver_id"`
	Name      string     `json:"name"`
	Date      string     `json:"date"`
	SyncedAt  time.Time  `json:"synced_at"`
	Load      *Load      `json:"load,omitempty"`
	Customers []Customer `json:"customers"`
}

// Load is the vehicle load attached to a route.
type Load struct {
	ID    string     `json:"id"`
	Code  string     `json:"code"`
	Items []LoadItem `json:"items"`
}

// LoadItem is one line of the load; Scanned counts local scans.
type LoadItem struct {
	ID          string `json:"id"`
	Barcode     string `json:"barcode"`
	Description string `json:"description"`
	Expected    int    `json:"expected"`
	Scanned     int    `json:"scanned"`
}

// Customer is one stop on the route, ordered by Sequence.
type Customer struct {
	ID         string         `json:"id"`
	Sequence   int            `json:"sequence"`
	Name       string         `json:"name"`
	Address    string         `json:"address"`
	Status     CustomerStatus `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Orders     []Order        `json:"orders"`
}

// Order is a typed document delivered or collected at a stop.
type Order struct {
	ID      string    `json:"id"`
	Number  string    `json:"number"`
	Kind    OrderKind `json:"kind"`
	Parcels []Parcel  `json:"parcels"`
}

// Parcel is a single physical package of an order.
type Parcel struct {
	ID        string       `json:"id"`
	Barcode   string       `json:"barcode"`
	Status    ParcelStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// ParcelCounts summarizes parcel states across a route.
func (r *Route) ParcelCounts() (pending, delivered, missing int) {
	for _, c := range r.Customers {
		for _, o := range c.Orders {
			for _, p := range o.Parcels {
				switch p.Status {
				case ParcelDelivered:
					delivered++
				case ParcelMissing:
					missing++
				default:
					pending++
				}
			}
		}
	}
	return pending, delivered, missing
}

// MutationKind names a local-only change recorded between sync-down and sync-up.
type MutationKind string

const (
	MutationScanLoadItem    MutationKind = "scan_load_item"
	MutationStartCustomer   MutationKind = "start_customer"
	MutationFinishCustomer  MutationKind = "finish_customer"
	MutationParcelDelivered MutationKind = "parcel_delivered"
	MutationParcelMissing   MutationKind = "parcel_missing"
)

// Mutation is one entry of a route's unsynced change log.
type Mutation struct {
	ID        string          `json:"id"`
	RouteID   string          `json:"route_id"`
	Kind      MutationKind    `json:"kind"`
	TargetID  string          `json:"target_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RouteResult is the accumulated offline result sent once by sync-up.
type RouteResult struct {
	RouteID        string     `json:"route_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Mutations      []Mutation `json:"mutations"`
	Route          *Route     `json:"route"`
}
